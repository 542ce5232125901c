// Package client builds the caller-side API from a channel descriptor.
//
// Every invoke leaf becomes an InvokeFunc that forwards to the transport.
// Every event leaf becomes an AddListenerFunc: it attaches the local
// listener on the response channel first, then asks the privileged side to
// start pushing by invoking the event channel with true. The returned
// function detaches locally and invokes the channel with false.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/pkg/ipc"
)

// ErrorSink receives registration and unregistration failures.
type ErrorSink func(channel string, err error)

// InvokeFunc is the leaf generated for an invoke channel.
type InvokeFunc func(ctx context.Context, args ...any) (json.RawMessage, error)

// AddListenerFunc is the leaf generated for an event channel.
type AddListenerFunc func(listener ipc.Listener) (unsubscribe func())

// Option configures Build.
type Option func(*options)

type options struct {
	logger          zerolog.Logger
	sink            ErrorSink
	local           map[string]any
	registerTimeout time.Duration
}

// WithLogger sets the logger used for duplicate-listener warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithErrorSink routes registration failures to sink instead of the log.
func WithErrorSink(sink ErrorSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLocal merges caller-local helpers into the API tree. They win over
// generated leaves with the same path.
func WithLocal(local map[string]any) Option {
	return func(o *options) { o.local = local }
}

// WithRegisterTimeout bounds each register/unregister invoke.
func WithRegisterTimeout(d time.Duration) Option {
	return func(o *options) { o.registerTimeout = d }
}

// API is the generated caller-side surface.
type API struct {
	transport ipc.Transport
	log       zerolog.Logger
	sink      ErrorSink
	timeout   time.Duration
	kinds     map[string]ipc.Kind
	tree      ipc.Tree

	mu   sync.Mutex
	subs map[string]*subscription
	// tails holds, per channel, the released channel of the newest
	// subscription. Remote (un)registration runs in that order.
	tails map[string]chan struct{}

	removeReconnect func()
}

type subscription struct {
	channel     string
	localOff    func()
	unsubscribe func()

	// registered is closed once the register invoke has finished.
	registered chan struct{}
	// released is closed once the server side no longer holds this
	// subscription, or never did.
	released    chan struct{}
	releaseOnce sync.Once
	// previous is the released channel of the subscription this one
	// replaced; nil for the first one on a channel.
	previous   chan struct{}
	rolledBack atomic.Bool
}

func (s *subscription) release() {
	s.releaseOnce.Do(func() { close(s.released) })
}

// Build generates the API for desc on top of transport.
func Build(desc ipc.Namespace, transport ipc.Transport, opts ...Option) (*API, error) {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	entries, err := ipc.Flatten(desc)
	if err != nil {
		return nil, fmt.Errorf("flatten descriptor: %w", err)
	}

	a := &API{
		transport: transport,
		log:       o.logger,
		sink:      o.sink,
		timeout:   o.registerTimeout,
		kinds:     make(map[string]ipc.Kind, len(entries)),
		subs:      make(map[string]*subscription),
		tails:     make(map[string]chan struct{}),
	}

	leaves := make(map[string]any, len(entries))
	for _, e := range entries {
		channel := e.Channel
		a.kinds[channel] = e.Kind
		switch e.Kind {
		case ipc.KindInvoke:
			leaves[channel] = InvokeFunc(func(ctx context.Context, args ...any) (json.RawMessage, error) {
				return a.Invoke(ctx, channel, args...)
			})
		case ipc.KindEvent:
			leaves[channel] = AddListenerFunc(func(listener ipc.Listener) func() {
				off, err := a.AddListener(channel, listener)
				if err != nil {
					a.report(channel, err, "Failed to register listener for %s")
					return func() {}
				}
				return off
			})
		}
	}
	a.tree = ipc.Merge(ipc.Nest(leaves), o.local)

	if r, ok := transport.(ipc.Reconnector); ok {
		a.removeReconnect = r.OnReconnect(a.resubscribe)
	}
	return a, nil
}

// Tree returns the frozen API tree.
func (a *API) Tree() ipc.Tree {
	return a.tree
}

// Func returns the invoke leaf at path.
func (a *API) Func(path string) (InvokeFunc, bool) {
	v, ok := a.tree.Get(path)
	if !ok {
		return nil, false
	}
	fn, ok := v.(InvokeFunc)
	return fn, ok
}

// Listen returns the event leaf at path.
func (a *API) Listen(path string) (AddListenerFunc, bool) {
	v, ok := a.tree.Get(path)
	if !ok {
		return nil, false
	}
	fn, ok := v.(AddListenerFunc)
	return fn, ok
}

// Invoke forwards a request for channel.
func (a *API) Invoke(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	return a.transport.Invoke(ctx, channel, args...)
}

// AddListener subscribes listener to an event channel. A second listener for
// a channel that already has one is not attached; the existing unsubscribe
// function is returned instead.
func (a *API) AddListener(channel string, listener ipc.Listener) (func(), error) {
	if kind, ok := a.kinds[channel]; !ok || kind != ipc.KindEvent {
		return nil, fmt.Errorf("channel %s is not an event channel", channel)
	}

	a.mu.Lock()
	if s, ok := a.subs[channel]; ok {
		a.mu.Unlock()
		a.log.Warn().Str("channel", channel).Msgf("Listener for %s is already registered.", channel)
		return s.unsubscribe, nil
	}

	s := &subscription{
		channel:    channel,
		registered: make(chan struct{}),
		released:   make(chan struct{}),
		previous:   a.tails[channel],
	}
	s.unsubscribe = a.unsubscribeFunc(s)
	a.subs[channel] = s
	a.tails[channel] = s.released
	s.localOff = a.transport.Subscribe(ipc.ResponseChannel(channel), listener)
	a.mu.Unlock()

	go a.register(s)

	return s.unsubscribe, nil
}

func (a *API) register(s *subscription) {
	defer close(s.registered)

	if s.previous != nil {
		<-s.previous
	}
	ok, err := a.setRegistered(s.channel, true)
	if err != nil {
		a.report(s.channel, err, "Failed to register listener for %s")
		a.rollback(s)
		return
	}
	if !ok {
		a.log.Warn().Str("channel", s.channel).
			Msgf("Listener for %s was already registered in main process.", s.channel)
	}
}

func (a *API) rollback(s *subscription) {
	s.rolledBack.Store(true)
	s.localOff()
	s.release()

	a.mu.Lock()
	if a.subs[s.channel] == s {
		delete(a.subs, s.channel)
	}
	a.mu.Unlock()
}

func (a *API) unsubscribeFunc(s *subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.localOff()

			a.mu.Lock()
			if a.subs[s.channel] == s {
				delete(a.subs, s.channel)
			}
			a.mu.Unlock()

			go func() {
				defer s.release()
				<-s.registered
				if s.rolledBack.Load() {
					return
				}
				ok, err := a.setRegistered(s.channel, false)
				if err != nil {
					a.report(s.channel, err, "Failed to remove listener for %s")
					return
				}
				if !ok {
					a.log.Warn().Str("channel", s.channel).
						Msgf("Listener for %s was already removed in main process.", s.channel)
				}
			}()
		})
	}
}

// setRegistered sends the register (true) or unregister (false) invoke and
// decodes the boolean answer.
func (a *API) setRegistered(channel string, register bool) (bool, error) {
	ctx := context.Background()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	raw, err := a.transport.Invoke(ctx, channel, register)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("decode registration answer for %s: %w", channel, err)
	}
	return ok, nil
}

// resubscribe re-registers every active listener after the transport
// reconnected.
func (a *API) resubscribe() {
	a.mu.Lock()
	active := make([]*subscription, 0, len(a.subs))
	for _, s := range a.subs {
		active = append(active, s)
	}
	a.mu.Unlock()

	for _, s := range active {
		go func(s *subscription) {
			<-s.registered
			if s.rolledBack.Load() || !a.holds(s) {
				return
			}
			if _, err := a.setRegistered(s.channel, true); err != nil {
				a.report(s.channel, err, "Failed to register listener for %s")
			}
		}(s)
	}
}

func (a *API) holds(s *subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subs[s.channel] == s
}

func (a *API) report(channel string, err error, format string) {
	if a.sink != nil {
		a.sink(channel, err)
		return
	}
	a.log.Error().Err(err).Str("channel", channel).Msgf(format, channel)
}

// Active lists the event channels that currently have a listener.
func (a *API) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subs))
	for ch := range a.subs {
		out = append(out, ch)
	}
	return out
}

// Close removes every listener.
func (a *API) Close() {
	if a.removeReconnect != nil {
		a.removeReconnect()
	}

	a.mu.Lock()
	active := make([]*subscription, 0, len(a.subs))
	for _, s := range a.subs {
		active = append(active, s)
	}
	a.mu.Unlock()

	for _, s := range active {
		s.unsubscribe()
	}
}

// Call invokes channel and decodes the result into T.
func Call[T any](ctx context.Context, a *API, channel string, args ...any) (T, error) {
	var out T
	raw, err := a.Invoke(ctx, channel, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", channel, err)
	}
	return out, nil
}

// On subscribes fn to channel, decoding each payload into T. Payloads that
// do not decode are reported to the error sink.
func On[T any](a *API, channel string, fn func(T)) (func(), error) {
	return a.AddListener(channel, func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			a.report(channel, fmt.Errorf("decode %s payload: %w", channel, err), "Failed to decode payload for %s")
			return
		}
		fn(v)
	})
}
