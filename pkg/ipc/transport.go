package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Listener receives pushed payloads for one channel.
type Listener func(data json.RawMessage)

// Transport is the caller-side contract every binding implements.
//
// Invoke forwards a request and waits for the response. Subscribe attaches a
// local listener for channel and returns a function that detaches it; the
// returned function is safe to call more than once.
type Transport interface {
	Invoke(ctx context.Context, channel string, args ...any) (json.RawMessage, error)
	Subscribe(channel string, listener Listener) (unsubscribe func())
}

// Reconnector is implemented by transports that can lose and re-establish
// their connection. fn runs after every successful reconnect.
type Reconnector interface {
	OnReconnect(fn func()) (remove func())
}

// Peer is the privileged-side handle of one caller connection.
type Peer interface {
	// ID is stable for the lifetime of the connection.
	ID() string
	// Send pushes data to the caller on channel.
	Send(channel string, data any) error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

// Caller identifies the connection a request arrived on. It is passed
// explicitly to every handler.
type Caller struct {
	ID        string
	Transport string
	Remote    string

	ctx  context.Context
	peer Peer
}

// NewCaller wraps peer. ctx should be cancelled when the connection is torn
// down.
func NewCaller(ctx context.Context, peer Peer, transport, remote string) *Caller {
	return &Caller{
		ID:        peer.ID(),
		Transport: transport,
		Remote:    remote,
		ctx:       ctx,
		peer:      peer,
	}
}

// Context is cancelled when the caller disconnects.
func (c *Caller) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Send pushes data to this caller only.
func (c *Caller) Send(channel string, data any) error {
	if c.peer == nil {
		return fmt.Errorf("caller %s has no connection", c.ID)
	}
	return c.peer.Send(channel, data)
}

// Emit pushes data on the response channel of the event channel.
func (c *Caller) Emit(eventChannel string, data any) error {
	return c.Send(ResponseChannel(eventChannel), data)
}

// Done is closed when the caller's connection is gone.
func (c *Caller) Done() <-chan struct{} {
	if c.peer == nil {
		return nil
	}
	return c.peer.Done()
}

// Args holds the JSON-encoded positional arguments of a request.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v. A missing argument leaves v untouched.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) || len(a[i]) == 0 {
		return nil
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Bool decodes argument i as a boolean. The argument is required.
func (a Args) Bool(i int) (bool, error) {
	if i >= len(a) {
		return false, fmt.Errorf("argument %d: missing", i)
	}
	var b bool
	if err := json.Unmarshal(a[i], &b); err != nil {
		return false, fmt.Errorf("argument %d: %w", i, err)
	}
	return b, nil
}

// EncodeArgs marshals positional arguments for the wire.
func EncodeArgs(args ...any) (Args, error) {
	out := make(Args, len(args))
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// InvokeFunc handles a request/response channel.
type InvokeFunc func(ctx context.Context, caller *Caller, args Args) (any, error)

// Emitter pushes one payload to the subscribed caller.
type Emitter func(data any)

// Unsubscribe releases an event source registration.
type Unsubscribe func() error

// EventFunc starts pushing to emit and returns the function that stops it.
// ctx lives as long as the caller's connection.
type EventFunc func(ctx context.Context, caller *Caller, emit Emitter) (Unsubscribe, error)

// Handle adapts a typed single-argument handler. A missing argument decodes
// as the zero value of Req.
func Handle[Req, Res any](fn func(ctx context.Context, caller *Caller, req Req) (Res, error)) InvokeFunc {
	return func(ctx context.Context, caller *Caller, args Args) (any, error) {
		var req Req
		if err := args.Decode(0, &req); err != nil {
			return nil, err
		}
		return fn(ctx, caller, req)
	}
}

// HandleNoArgs adapts a typed handler without arguments.
func HandleNoArgs[Res any](fn func(ctx context.Context, caller *Caller) (Res, error)) InvokeFunc {
	return func(ctx context.Context, caller *Caller, _ Args) (any, error) {
		return fn(ctx, caller)
	}
}

// HandleVoid adapts a typed handler that returns no result.
func HandleVoid[Req any](fn func(ctx context.Context, caller *Caller, req Req) error) InvokeFunc {
	return func(ctx context.Context, caller *Caller, args Args) (any, error) {
		var req Req
		if err := args.Decode(0, &req); err != nil {
			return nil, err
		}
		return nil, fn(ctx, caller, req)
	}
}

// Source adapts a typed event source.
func Source[T any](fn func(ctx context.Context, caller *Caller, emit func(T)) (Unsubscribe, error)) EventFunc {
	return func(ctx context.Context, caller *Caller, emit Emitter) (Unsubscribe, error) {
		return fn(ctx, caller, func(v T) { emit(v) })
	}
}

// Nop is an Unsubscribe that does nothing.
func Nop() error { return nil }

// Once makes fn safe to call repeatedly; only the first call runs it.
func Once(fn func() error) Unsubscribe {
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = fn() })
		return err
	}
}
