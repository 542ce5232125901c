// Package local is the in-process transport: a Pipe is both the caller-side
// ipc.Transport and the privileged-side ipc.Peer of one connection.
// Arguments, results and pushes cross a JSON boundary so handlers see the
// same values they would over a socket.
package local

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/registry"
)

// TransportName identifies pipes in Caller.Transport.
const TransportName = "local"

// Option configures a Pipe.
type Option func(*Pipe)

// WithID overrides the generated connection id.
func WithID(id string) Option {
	return func(p *Pipe) { p.id = id }
}

// WithLogger sets the pipe logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipe) { p.log = l }
}

// Pipe is one in-process connection to a registration table.
type Pipe struct {
	id     string
	table  *registry.Table
	caller *ipc.Caller
	bus    *event.Bus
	log    zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ ipc.Transport = (*Pipe)(nil)
	_ ipc.Peer      = (*Pipe)(nil)
)

// Connect opens a pipe to table.
func Connect(table *registry.Table, opts ...Option) *Pipe {
	p := &Pipe{
		id:    ulid.Make().String(),
		table: table,
		bus:   event.NewBus(),
		log:   log.Logger,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.caller = table.Connect(p, TransportName, "in-process")
	return p
}

// ID implements ipc.Peer.
func (p *Pipe) ID() string { return p.id }

// Done implements ipc.Peer.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Caller returns the privileged-side identity of this pipe.
func (p *Pipe) Caller() *ipc.Caller { return p.caller }

// Send implements ipc.Peer. Listeners run on the sending goroutine, so
// pushes from one source arrive in order.
func (p *Pipe) Send(channel string, data any) error {
	select {
	case <-p.done:
		return ipc.ErrConnectionClosed
	default:
	}

	e, err := event.New(event.EventType(channel), data)
	if err != nil {
		return err
	}
	p.bus.PublishSync(e)
	return nil
}

// Invoke implements ipc.Transport.
func (p *Pipe) Invoke(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	select {
	case <-p.done:
		return nil, ipc.Sanitize(ipc.ErrConnectionClosed)
	default:
	}

	encoded, err := ipc.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	result, err := p.table.Dispatch(ctx, p.caller, channel, encoded)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		p.log.Error().Err(err).Str("channel", channel).Msg("failed to encode invoke result")
		return nil, ipc.Sanitize(err)
	}
	return data, nil
}

// Subscribe implements ipc.Transport.
func (p *Pipe) Subscribe(channel string, listener ipc.Listener) func() {
	return p.bus.Subscribe(event.EventType(channel), func(e event.Event) {
		listener(e.Data)
	})
}

// Close tears the connection down. Every event registration of this pipe is
// released.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.table.Disconnect(p.id)
		_ = p.bus.Close()
	})
	return nil
}
