// Package registry implements the privileged-side registration table: it
// binds every flattened channel to a handler, tracks per-caller event
// subscriptions and tears them down when a caller's connection goes away.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/pkg/ipc"
)

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used by the table.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Table) {
		t.log = l
	}
}

// Table is the process-wide channel table. Build it with Register, then
// Seal it before serving; requests that arrive earlier are rejected.
type Table struct {
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]ipc.Entry
	sealed  atomic.Bool

	connMu sync.Mutex
	conns  map[string]*connection
}

// connection is the per-caller subscription state.
type connection struct {
	caller *ipc.Caller
	peer   ipc.Peer
	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes Unregistered/Registered transitions for this caller.
	mu     sync.Mutex
	subs   map[string]ipc.Unsubscribe
	hooked bool
	closed atomic.Bool
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		log:     log.Logger,
		entries: make(map[string]ipc.Entry),
		conns:   make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds every channel of ns. It fails on duplicate channels, on
// leaves without a handler and once the table is sealed.
func (t *Table) Register(ns ipc.Namespace) error {
	entries, err := ipc.Flatten(ns)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed.Load() {
		return fmt.Errorf("registration table is sealed")
	}

	for _, e := range entries {
		if _, exists := t.entries[e.Channel]; exists {
			return fmt.Errorf("channel %s is already registered", e.Channel)
		}
		if e.Kind == ipc.KindInvoke && e.Handler == nil {
			return fmt.Errorf("channel %s has no handler", e.Channel)
		}
		if e.Kind == ipc.KindEvent && e.Source == nil {
			return fmt.Errorf("channel %s has no event source", e.Channel)
		}
	}

	for _, e := range entries {
		t.entries[e.Channel] = e
		if e.Kind == ipc.KindInvoke {
			t.log.Debug().Str("channel", e.Channel).Msg("IPC Invoke Handler registered")
		} else {
			t.log.Debug().Str("channel", e.Channel).Msg("IPC Event Handler registered")
		}
	}
	return nil
}

// Seal freezes the table and starts accepting requests.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed.Store(true)
	n := len(t.entries)
	t.mu.Unlock()

	t.log.Info().Int("channels", n).Msg("IPC registration table sealed")
}

// Ready reports whether the table accepts requests.
func (t *Table) Ready() bool {
	return t.sealed.Load()
}

// Channels lists every registered channel, sorted.
func (t *Table) Channels() []ipc.ChannelInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ipc.ChannelInfo, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Kind returns the classification of channel.
func (t *Table) Kind(channel string) (ipc.Kind, bool) {
	e, ok := t.lookup(channel)
	return e.Kind, ok
}

func (t *Table) lookup(channel string) (ipc.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[channel]
	return e, ok
}

// Connect records a caller connection and returns its Caller. Connecting
// the same peer twice returns the existing Caller.
func (t *Table) Connect(peer ipc.Peer, transport, remote string) *ipc.Caller {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if c, ok := t.conns[peer.ID()]; ok {
		return c.caller
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		caller: ipc.NewCaller(ctx, peer, transport, remote),
		peer:   peer,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]ipc.Unsubscribe),
	}
	t.conns[peer.ID()] = c

	t.log.Debug().
		Str("caller", peer.ID()).
		Str("transport", transport).
		Str("remote", remote).
		Msg("caller connected")

	return c.caller
}

func (t *Table) connection(id string) *connection {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conns[id]
}

// Dispatch serves one request. Invoke channels run their handler; event
// channels expect a single boolean that registers (true) or releases
// (false) the caller and answer whether the call had an effect. Every
// returned error is an *ipc.RemoteError.
func (t *Table) Dispatch(ctx context.Context, caller *ipc.Caller, channel string, args ipc.Args) (any, error) {
	if !t.Ready() {
		return nil, ipc.Sanitize(ipc.ErrNotReady)
	}

	e, ok := t.lookup(channel)
	if !ok {
		return nil, ipc.Sanitize(ipc.NoHandlerError(channel))
	}

	if e.Kind == ipc.KindInvoke {
		return t.invoke(ctx, caller, e, args)
	}

	register, err := args.Bool(0)
	if err != nil {
		return nil, ipc.Sanitize(fmt.Errorf("invalid registration flag for %s: %w", channel, err))
	}
	if register {
		return t.Attach(caller, channel)
	}
	return t.Detach(caller.ID, channel)
}

func (t *Table) invoke(ctx context.Context, caller *ipc.Caller, e ipc.Entry, args ipc.Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Str("channel", e.Channel).
				Interface("panic", r).
				Msg("IPC invoke handler panicked")
			result, err = nil, ipc.Recovered(r)
		}
	}()

	result, err = e.Handler(ctx, caller, args)
	if err != nil {
		t.log.Debug().Err(err).Str("channel", e.Channel).Msg("IPC invoke handler failed")
		return nil, ipc.Sanitize(err)
	}
	return result, nil
}

// Attach moves (caller, channel) to Registered. It returns false when the
// pair is already registered.
func (t *Table) Attach(caller *ipc.Caller, channel string) (bool, error) {
	if !t.Ready() {
		return false, ipc.Sanitize(ipc.ErrNotReady)
	}

	e, ok := t.lookup(channel)
	if !ok {
		return false, ipc.Sanitize(ipc.NoHandlerError(channel))
	}
	if e.Kind != ipc.KindEvent {
		return false, ipc.Sanitize(fmt.Errorf("channel %s is not an event channel", channel))
	}

	c := t.connection(caller.ID)
	if c == nil {
		return false, ipc.Sanitize(ipc.ErrConnectionClosed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return false, ipc.Sanitize(ipc.ErrConnectionClosed)
	}
	if _, exists := c.subs[channel]; exists {
		return false, nil
	}

	responseChannel := ipc.ResponseChannel(channel)
	emit := func(data any) {
		if c.closed.Load() {
			return
		}
		if err := c.peer.Send(responseChannel, data); err != nil {
			t.log.Debug().Err(err).
				Str("caller", caller.ID).
				Str("channel", channel).
				Msg("dropping event for unreachable caller")
		}
	}

	unsub, err := t.startSource(c, e, emit)
	if err != nil {
		return false, ipc.Sanitize(err)
	}
	if unsub == nil {
		unsub = ipc.Nop
	}
	c.subs[channel] = unsub

	if !c.hooked {
		c.hooked = true
		go t.watch(c)
	}

	t.log.Debug().Str("caller", caller.ID).Str("channel", channel).Msg("event listener registered")
	return true, nil
}

func (t *Table) startSource(c *connection, e ipc.Entry, emit ipc.Emitter) (unsub ipc.Unsubscribe, err error) {
	defer func() {
		if r := recover(); r != nil {
			unsub, err = nil, ipc.Recovered(r)
		}
	}()
	return e.Source(c.ctx, c.caller, emit)
}

// watch is the single teardown hook of a connection.
func (t *Table) watch(c *connection) {
	done := c.peer.Done()
	if done == nil {
		return
	}
	select {
	case <-done:
		t.Disconnect(c.caller.ID)
	case <-c.ctx.Done():
	}
}

// Detach moves (caller, channel) to Unregistered. It returns false when the
// pair was not registered, including after the connection is gone.
func (t *Table) Detach(callerID, channel string) (bool, error) {
	c := t.connection(callerID)
	if c == nil {
		return false, nil
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return false, nil
	}
	unsub, ok := c.subs[channel]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	delete(c.subs, channel)
	err := t.release(unsub)
	c.mu.Unlock()

	if err != nil {
		t.log.Warn().Err(err).Str("caller", callerID).Str("channel", channel).
			Msg("Failed to remove IPC event listener")
	}
	return true, nil
}

// Disconnect tears down every subscription of the caller. Failures are
// logged per channel and do not stop the remaining cleanup. Calling it
// again is a no-op.
func (t *Table) Disconnect(id string) {
	t.connMu.Lock()
	c, ok := t.conns[id]
	delete(t.conns, id)
	t.connMu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return
	}
	subs := c.subs
	c.subs = make(map[string]ipc.Unsubscribe)
	c.mu.Unlock()

	c.cancel()

	channels := make([]string, 0, len(subs))
	for ch := range subs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		if err := t.release(subs[ch]); err != nil {
			t.log.Warn().Err(err).Str("caller", id).Str("channel", ch).
				Msg("Failed to remove IPC event listener")
		}
	}

	t.log.Debug().Str("caller", id).Int("released", len(channels)).Msg("caller disconnected")
}

func (t *Table) release(unsub ipc.Unsubscribe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ipc.Recovered(r)
		}
	}()
	return unsub()
}

// Subscriptions lists the channels the caller is registered on.
func (t *Table) Subscriptions(callerID string) []string {
	c := t.connection(callerID)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Callers returns the number of live connections.
func (t *Table) Callers() int {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return len(t.conns)
}

// Close disconnects every caller.
func (t *Table) Close() {
	t.connMu.Lock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.connMu.Unlock()

	for _, id := range ids {
		t.Disconnect(id)
	}
}
