// Package web serves the page channels. The host has no browser window, so
// each caller owns one headless page: a document loaded from a URL or set
// directly, searchable with findInPage. The most recently loaded page holds
// focus.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/pkg/ipc"
)

// StopAction is what stopFindInPage does with the current selection.
type StopAction string

const (
	ClearSelection    StopAction = "clearSelection"
	KeepSelection     StopAction = "keepSelection"
	ActivateSelection StopAction = "activateSelection"
)

func (a StopAction) valid() bool {
	return a == ClearSelection || a == KeepSelection || a == ActivateSelection
}

// PageInfo describes the loaded document.
type PageInfo struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// FindOptions are the optional findInPage settings. Forward defaults to
// true.
type FindOptions struct {
	Text    string `json:"text"`
	Forward *bool  `json:"forward,omitempty"`
}

var (
	ErrEmptyText    = errors.New("text must not be empty")
	ErrInvalidStop  = errors.New("invalid stop action")
	ErrNoPage       = errors.New("no page loaded")
	errPageReleased = errors.New("page released")
)

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the client used by loadURL.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service owns the per-caller pages.
type Service struct {
	client *http.Client
	log    zerolog.Logger

	mu      sync.Mutex
	pages   map[string]*page
	focused string
}

// New creates a Service.
func New(opts ...Option) *Service {
	s := &Service{
		client: &http.Client{Timeout: defaultTimeout},
		log:    log.Logger,
		pages:  make(map[string]*page),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type findSession struct {
	text    string
	active  int
	matches int
}

type page struct {
	bus *event.Bus

	mu          sync.Mutex
	content     *content
	nextRequest int
	find        *findSession
	released    bool
}

func (p *page) publish(t event.EventType, v any, ordered bool) {
	e, err := event.New(t, v)
	if err != nil {
		return
	}
	if ordered {
		p.bus.PublishSync(e)
	} else {
		p.bus.Publish(e)
	}
}

// pageFor returns the caller's page, creating it on first use. The page is
// released when the caller disconnects.
func (s *Service) pageFor(caller *ipc.Caller) *page {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pages[caller.ID]; ok {
		return p
	}
	p := &page{bus: event.NewBus()}
	s.pages[caller.ID] = p

	if done := caller.Done(); done != nil {
		go func() {
			<-done
			s.release(caller.ID)
		}()
	}
	return p
}

func (s *Service) release(id string) {
	s.mu.Lock()
	p, ok := s.pages[id]
	delete(s.pages, id)
	if s.focused == id {
		s.focused = ""
	}
	s.mu.Unlock()

	if ok {
		p.mu.Lock()
		p.released = true
		p.mu.Unlock()
		p.bus.Close()
	}
}

// focus moves focus to the caller's page, blurring the previous holder.
func (s *Service) focus(id string) {
	s.mu.Lock()
	if s.focused == id {
		s.mu.Unlock()
		return
	}
	prev := s.pages[s.focused]
	s.focused = id
	next := s.pages[id]
	s.mu.Unlock()

	if prev != nil {
		prev.publish(event.PageBlur, nil, true)
	}
	if next != nil {
		next.publish(event.PageFocus, nil, true)
	}
}

// Focused returns the id of the caller whose page holds focus.
func (s *Service) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// SetContent replaces the caller's document with html and focuses it.
func (s *Service) SetContent(caller *ipc.Caller, url, html string) (*PageInfo, error) {
	c, err := parseContent(url, html)
	if err != nil {
		return nil, err
	}

	p := s.pageFor(caller)
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil, errPageReleased
	}
	p.content = c
	p.find = nil
	p.mu.Unlock()

	s.focus(caller.ID)
	s.log.Debug().Str("caller", caller.ID).Str("url", url).Msg("page loaded")
	return &PageInfo{URL: c.url, Title: c.title}, nil
}

// LoadURL fetches url and sets it as the caller's document.
func (s *Service) LoadURL(ctx context.Context, caller *ipc.Caller, url string) (*PageInfo, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("URL must start with http:// or https://")
	}
	html, err := fetch(ctx, s.client, url)
	if err != nil {
		return nil, err
	}
	return s.SetContent(caller, url, html)
}

// PageText renders the caller's document as text, markdown or html.
func (s *Service) PageText(caller *ipc.Caller, format string) (string, error) {
	p := s.pageFor(caller)
	p.mu.Lock()
	c := p.content
	p.mu.Unlock()
	if c == nil {
		return "", ErrNoPage
	}

	switch format {
	case "", "text":
		return c.text, nil
	case "markdown":
		return c.markdown()
	case "html":
		return c.html, nil
	default:
		return "", fmt.Errorf("format must be 'text', 'markdown', or 'html'")
	}
}

// FindInPage starts or continues a search and returns its request id. The
// Result is pushed to the caller's foundInPage listeners afterwards.
// Repeating the text of the active search moves to the next match.
func (s *Service) FindInPage(caller *ipc.Caller, opts FindOptions) (int, error) {
	if opts.Text == "" {
		return 0, ErrEmptyText
	}
	forward := opts.Forward == nil || *opts.Forward

	p := s.pageFor(caller)
	p.mu.Lock()
	p.nextRequest++
	res := Result{RequestID: p.nextRequest, FinalUpdate: true}

	text := ""
	if p.content != nil {
		text = p.content.text
	}

	if f := p.find; f != nil && strings.EqualFold(f.text, opts.Text) && f.matches > 0 {
		if forward {
			f.active = f.active%f.matches + 1
		} else {
			f.active = (f.active+f.matches-2)%f.matches + 1
		}
		res.Matches, res.ActiveMatchOrdinal = f.matches, f.active
	} else {
		matches := countMatches(text, opts.Text)
		f := &findSession{text: opts.Text, matches: matches}
		if matches > 0 {
			f.active = 1
			if !forward {
				f.active = matches
			}
		}
		p.find = f
		res.Matches, res.ActiveMatchOrdinal = f.matches, f.active
	}
	if res.Matches == 0 {
		res.Suggestion = suggest(text, opts.Text)
	}
	p.mu.Unlock()

	p.publish(event.FoundInPage, res, false)
	return res.RequestID, nil
}

// StopFindInPage ends the active search.
func (s *Service) StopFindInPage(caller *ipc.Caller, action StopAction) error {
	if !action.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStop, action)
	}
	p := s.pageFor(caller)
	p.mu.Lock()
	p.find = nil
	p.mu.Unlock()
	return nil
}

func (s *Service) listen(caller *ipc.Caller, t event.EventType, fn func(event.Event)) ipc.Unsubscribe {
	off := s.pageFor(caller).bus.Subscribe(t, fn)
	return ipc.Once(func() error { off(); return nil })
}

// Namespace returns the web channels.
func (s *Service) Namespace() ipc.Namespace {
	void := func(t event.EventType) ipc.EventFunc {
		return func(ctx context.Context, caller *ipc.Caller, emit ipc.Emitter) (ipc.Unsubscribe, error) {
			return s.listen(caller, t, func(event.Event) { emit(nil) }), nil
		}
	}

	return ipc.Namespace{
		"web": ipc.Namespace{
			"loadURL": ipc.Invoke(ipc.Handle(func(ctx context.Context, caller *ipc.Caller, req struct {
				URL string `json:"url"`
			}) (*PageInfo, error) {
				return s.LoadURL(ctx, caller, req.URL)
			})),
			"setContent": ipc.Invoke(ipc.Handle(func(ctx context.Context, caller *ipc.Caller, req struct {
				HTML string `json:"html"`
				URL  string `json:"url,omitempty"`
			}) (*PageInfo, error) {
				return s.SetContent(caller, req.URL, req.HTML)
			})),
			"getPageText": ipc.Invoke(ipc.Handle(func(ctx context.Context, caller *ipc.Caller, req struct {
				Format string `json:"format,omitempty"`
			}) (string, error) {
				return s.PageText(caller, req.Format)
			})),
			"findInPage": ipc.Invoke(ipc.Handle(func(ctx context.Context, caller *ipc.Caller, req FindOptions) (int, error) {
				return s.FindInPage(caller, req)
			})),
			"stopFindInPage": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, caller *ipc.Caller, req struct {
				Action StopAction `json:"action"`
			}) error {
				return s.StopFindInPage(caller, req.Action)
			})),
			"on": ipc.Namespace{
				"blur":  ipc.Event(void(event.PageBlur)),
				"focus": ipc.Event(void(event.PageFocus)),
				"foundInPage": ipc.Event(ipc.Source(func(ctx context.Context, caller *ipc.Caller, emit func(Result)) (ipc.Unsubscribe, error) {
					return s.listen(caller, event.FoundInPage, func(e event.Event) {
						var r Result
						if err := e.Decode(&r); err == nil {
							emit(r)
						}
					}), nil
				})),
			},
		},
	}
}
