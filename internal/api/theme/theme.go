// Package theme owns the host's color scheme preference.
package theme

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/internal/storage"
	"github.com/srymh/template-electron/pkg/ipc"
)

// Theme is a color scheme source.
type Theme string

const (
	System Theme = "system"
	Light  Theme = "light"
	Dark   Theme = "dark"
)

// Valid reports whether t is one of the known sources.
func (t Theme) Valid() bool {
	return t == System || t == Light || t == Dark
}

// SymbolColor is the title bar symbol color for t. The system theme is
// treated as light.
func (t Theme) SymbolColor() string {
	if t == Dark {
		return "#FFFFFF"
	}
	return "#000000"
}

// Preference is the persisted theme state.
type Preference struct {
	Theme       Theme  `json:"theme"`
	AccentColor string `json:"accentColor"`
}

var preferenceKey = []string{"theme", "preference"}

// ErrInvalidTheme is returned for unknown theme names.
var ErrInvalidTheme = errors.New("invalid theme")

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithDefaults sets the preference used when nothing is stored.
func WithDefaults(p Preference) Option {
	return func(s *Service) { s.pref = p }
}

// Service holds the current preference, persists changes and notifies
// subscribers through the bus.
type Service struct {
	store *storage.Storage
	bus   *event.Bus
	log   zerolog.Logger

	mu      sync.RWMutex
	pref    Preference
	watcher *Watcher
}

// New loads the stored preference, falling back to the defaults.
func New(ctx context.Context, store *storage.Storage, bus *event.Bus, opts ...Option) (*Service, error) {
	s := &Service{
		store: store,
		bus:   bus,
		log:   log.Logger,
		pref:  Preference{Theme: System, AccentColor: "#0078d4"},
	}
	for _, opt := range opts {
		opt(s)
	}

	var stored Preference
	err := store.Get(ctx, preferenceKey, &stored)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load theme preference: %w", err)
	default:
		if stored.Theme.Valid() {
			s.pref.Theme = stored.Theme
		}
		if stored.AccentColor != "" {
			s.pref.AccentColor = stored.AccentColor
		}
	}
	return s, nil
}

// Theme returns the current theme source.
func (s *Service) Theme() Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pref.Theme
}

// AccentColor returns the current accent color.
func (s *Service) AccentColor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pref.AccentColor
}

// SetTheme stores t and notifies theme listeners. Listeners are notified
// on every call, even when the theme is unchanged.
func (s *Service) SetTheme(ctx context.Context, t Theme) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTheme, t)
	}

	s.mu.Lock()
	s.pref.Theme = t
	pref := s.pref
	s.mu.Unlock()

	if err := s.store.Put(ctx, preferenceKey, pref); err != nil {
		return fmt.Errorf("save theme preference: %w", err)
	}

	s.log.Info().Str("theme", string(t)).Str("symbolColor", t.SymbolColor()).Msg("theme updated")
	s.publish(event.ThemeUpdated, t)
	return nil
}

// SetAccentColor stores color and notifies accent color listeners when it
// changed.
func (s *Service) SetAccentColor(ctx context.Context, color string) error {
	s.mu.Lock()
	if s.pref.AccentColor == color {
		s.mu.Unlock()
		return nil
	}
	s.pref.AccentColor = color
	pref := s.pref
	s.mu.Unlock()

	if err := s.store.Put(ctx, preferenceKey, pref); err != nil {
		return fmt.Errorf("save theme preference: %w", err)
	}
	s.publish(event.AccentColorChanged, color)
	return nil
}

func (s *Service) publish(t event.EventType, v any) {
	e, err := event.New(t, v)
	if err != nil {
		s.log.Error().Err(err).Msg("encode theme event")
		return
	}
	s.bus.PublishSync(e)
}

// OnUpdated calls fn with every theme change.
func (s *Service) OnUpdated(fn func(Theme)) func() {
	return s.bus.Subscribe(event.ThemeUpdated, func(e event.Event) {
		var t Theme
		if err := e.Decode(&t); err == nil {
			fn(t)
		}
	})
}

// OnAccentColorChanged calls fn with every accent color change.
func (s *Service) OnAccentColorChanged(fn func(string)) func() {
	return s.bus.Subscribe(event.AccentColorChanged, func(e event.Event) {
		var color string
		if err := e.Decode(&color); err == nil {
			fn(color)
		}
	})
}

// Close stops the preference file watcher, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		return w.Stop()
	}
	return nil
}

// Namespace returns the theme channels.
func (s *Service) Namespace() ipc.Namespace {
	return ipc.Namespace{
		"theme": ipc.Namespace{
			"getTheme": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, _ *ipc.Caller) (Theme, error) {
				return s.Theme(), nil
			})),
			"setTheme": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, _ *ipc.Caller, req struct {
				Theme Theme `json:"theme"`
			}) error {
				return s.SetTheme(ctx, req.Theme)
			})),
			"getAccentColor": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, _ *ipc.Caller) (string, error) {
				return s.AccentColor(), nil
			})),
			"on": ipc.Namespace{
				"accentColorChanged": ipc.Event(ipc.Source(func(ctx context.Context, _ *ipc.Caller, emit func(string)) (ipc.Unsubscribe, error) {
					off := s.OnAccentColorChanged(emit)
					return ipc.Once(func() error { off(); return nil }), nil
				})),
				"updated": ipc.Event(ipc.Source(func(ctx context.Context, _ *ipc.Caller, emit func(Theme)) (ipc.Unsubscribe, error) {
					off := s.OnUpdated(emit)
					return ipc.Once(func() error { off(); return nil }), nil
				})),
			},
		},
	}
}
