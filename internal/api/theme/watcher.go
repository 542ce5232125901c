package theme

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher applies external edits of a preference file to a Service. The
// file holds a JSON Preference; empty fields are ignored.
type Watcher struct {
	service *Service
	path    string
	watcher *fsnotify.Watcher

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Watch starts watching path. The file does not need to exist yet; its
// directory does. The watcher is stopped by Close.
func (s *Service) Watch(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		service: s,
		path:    abs,
		watcher: fw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.watcher
	s.watcher = w
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.apply()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.service.log.Warn().Err(err).Str("path", w.path).Msg("theme watcher error")
		}
	}
}

// apply reads the file and forwards changed fields. Partial writes fail to
// parse and are skipped; the next write event retries.
func (w *Watcher) apply() {
	data, err := os.ReadFile(w.path)
	if err != nil || len(data) == 0 {
		return
	}
	var pref Preference
	if err := json.Unmarshal(data, &pref); err != nil {
		w.service.log.Debug().Err(err).Str("path", w.path).Msg("skipping unreadable theme file")
		return
	}

	ctx := context.Background()
	if pref.Theme != "" && pref.Theme != w.service.Theme() {
		if err := w.service.SetTheme(ctx, pref.Theme); err != nil {
			w.service.log.Warn().Err(err).Msg("apply theme from file")
		}
	}
	if pref.AccentColor != "" {
		if err := w.service.SetAccentColor(ctx, pref.AccentColor); err != nil {
			w.service.log.Warn().Err(err).Msg("apply accent color from file")
		}
	}
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.doneCh
	})
	return err
}
