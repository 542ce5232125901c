package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/pkg/ipc"
)

// ErrConnectionClosed rejects invokes that were pending when the socket
// went away. It matches ipc.ErrConnectionClosed under errors.Is.
var ErrConnectionClosed error = connectionClosedError{}

// ErrNotConnected is returned when sending without an open socket.
var ErrNotConnected = errors.New("WebSocket is not connected")

type connectionClosedError struct{}

func (connectionClosedError) Error() string { return "WebSocket connection closed" }

func (connectionClosedError) Is(target error) bool { return target == ipc.ErrConnectionClosed }

// ConnectionState represents the client connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ClientOptions configures the WebSocket client.
type ClientOptions struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Timeout bounds each invoke. Zero waits for the response, the
	// context or the connection, whichever ends first.
	Timeout time.Duration

	// AutoReconnect redials after an unexpected disconnect.
	AutoReconnect bool

	// MaxReconnectAttempts is the number of dials per reconnect cycle.
	MaxReconnectAttempts int

	// ReconnectDelay is the first backoff interval; later intervals double.
	ReconnectDelay time.Duration

	Header http.Header
	Dialer *websocket.Dialer
	Logger *zerolog.Logger
}

// DefaultClientOptions returns default client options.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Timeout:              30 * time.Second,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
	}
}

// Client is an ipc.Transport over a WebSocket connection.
type Client struct {
	opts ClientOptions
	log  zerolog.Logger

	wsMu sync.Mutex
	ws   *websocket.Conn

	stateMu sync.RWMutex
	state   ConnectionState

	pendingMu sync.Mutex
	pending   map[string]chan *ipc.Message

	// subMu orders subscribe and unsubscribe frames for a channel.
	subMu       sync.Mutex
	listenersMu sync.RWMutex
	listeners   map[string]map[uint64]ipc.Listener
	nextID      atomic.Uint64

	hooksMu sync.Mutex
	hooks   map[uint64]func()

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var (
	_ ipc.Transport   = (*Client)(nil)
	_ ipc.Reconnector = (*Client)(nil)
)

// NewClient creates a client. Call Connect to open the socket.
func NewClient(opts ClientOptions) *Client {
	defaults := DefaultClientOptions()
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaults.ReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:      opts,
		log:       logger.With().Str("component", "ws-client").Logger(),
		state:     StateDisconnected,
		pending:   make(map[string]chan *ipc.Message),
		listeners: make(map[string]map[uint64]ipc.Listener),
		hooks:     make(map[uint64]func()),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	c := NewClient(opts)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect opens the socket. Channels that already have listeners are
// subscribed again on the new connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	c.stateMu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.stateMu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateConnecting
	c.stateMu.Unlock()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		c.setState(prev)
		return fmt.Errorf("connect to %s: %w", c.opts.URL, err)
	}

	c.wsMu.Lock()
	c.ws = conn
	c.wsMu.Unlock()

	c.setState(StateConnected)
	c.log.Debug().Str("url", c.opts.URL).Msg("websocket connected")

	go c.readMessages(conn)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, channel := range c.channels() {
		if err := c.send(ipc.NewEventSubscribe(ulid.Make().String(), channel)); err != nil {
			return fmt.Errorf("resubscribe %s: %w", channel, err)
		}
	}
	return nil
}

// Close closes the connection and stops reconnecting. Pending invokes are
// rejected.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.wsMu.Lock()
		if c.ws != nil {
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.ws.Close()
			c.ws = nil
		}
		c.wsMu.Unlock()

		c.setState(StateDisconnected)
		c.clearPendingRequests()

		c.listenersMu.Lock()
		c.listeners = make(map[string]map[uint64]ipc.Listener)
		c.listenersMu.Unlock()
	})
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Invoke sends an invoke-request and waits for its response.
func (c *Client) Invoke(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	encoded, err := ipc.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	respCh := make(chan *ipc.Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ipc.NewInvokeRequest(id, channel, encoded)); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if c.opts.Timeout > 0 {
		timer := time.NewTimer(c.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return nil, ErrConnectionClosed
		}
		if !resp.Succeeded() {
			remote := &ipc.RemoteError{Message: ipc.UnknownErrorMessage}
			if resp.Error != nil {
				remote.Message = resp.Error.Message
				remote.Stack = resp.Error.Stack
			}
			return nil, remote
		}
		return resp.Result, nil
	case <-timeout:
		return nil, fmt.Errorf("invoke %s: request timeout after %s", channel, c.opts.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe adds a listener for pushes on channel. The first listener of a
// channel sends event-subscribe; removing the last sends event-unsubscribe.
func (c *Client) Subscribe(channel string, l ipc.Listener) func() {
	c.subMu.Lock()
	id := c.nextID.Add(1)
	c.listenersMu.Lock()
	set, ok := c.listeners[channel]
	if !ok {
		set = make(map[uint64]ipc.Listener)
		c.listeners[channel] = set
	}
	set[id] = l
	c.listenersMu.Unlock()

	if !ok {
		if err := c.send(ipc.NewEventSubscribe(ulid.Make().String(), channel)); err != nil {
			c.log.Debug().Err(err).Str("channel", channel).Msg("subscribe deferred until connected")
		}
	}
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, id) })
	}
}

func (c *Client) unsubscribe(channel string, id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.listenersMu.Lock()
	set := c.listeners[channel]
	delete(set, id)
	last := set != nil && len(set) == 0
	if last {
		delete(c.listeners, channel)
	}
	c.listenersMu.Unlock()

	if last {
		if err := c.send(ipc.NewEventUnsubscribe(ulid.Make().String(), channel)); err != nil {
			c.log.Debug().Err(err).Str("channel", channel).Msg("unsubscribe not sent")
		}
	}
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *Client) OnReconnect(fn func()) func() {
	id := c.nextID.Add(1)
	c.hooksMu.Lock()
	c.hooks[id] = fn
	c.hooksMu.Unlock()

	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

func (c *Client) channels() []string {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	out := make([]string, 0, len(c.listeners))
	for ch := range c.listeners {
		out = append(out, ch)
	}
	return out
}

func (c *Client) send(msg *ipc.Message) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readMessages(conn *websocket.Conn) {
	for {
		var msg ipc.Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		switch msg.Type {
		case ipc.TypeInvokeResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
		case ipc.TypeEventData:
			c.dispatch(msg.Channel, msg.Data)
		default:
			c.log.Debug().Str("type", string(msg.Type)).Msg("ignoring websocket message")
		}
	}
}

func (c *Client) dispatch(channel string, data json.RawMessage) {
	c.listenersMu.RLock()
	set := c.listeners[channel]
	ls := make([]ipc.Listener, 0, len(set))
	for _, l := range set {
		ls = append(ls, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Str("channel", channel).Msg("Error in event listener")
				}
			}()
			l(data)
		}()
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.wsMu.Lock()
	if c.ws != conn {
		c.wsMu.Unlock()
		return
	}
	c.ws = nil
	c.wsMu.Unlock()
	conn.Close()

	wasConnected := c.State() == StateConnected
	c.setState(StateDisconnected)
	c.clearPendingRequests()

	if c.ctx.Err() != nil {
		return
	}
	c.log.Warn().Err(err).Msg("websocket disconnected")

	if wasConnected && c.opts.AutoReconnect {
		go c.reconnect()
	}
}

// reconnect redials with exponential backoff and jitter.
func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		c.log.Info().Int("attempt", attempt).Int("max", c.opts.MaxReconnectAttempts).Msg("reconnecting")
		return c.Connect(c.ctx)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxReconnectAttempts-1)), c.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if c.ctx.Err() == nil {
			c.log.Error().Err(err).Int("attempts", attempt).Msg("Max reconnect attempts reached")
		}
		c.setState(StateDisconnected)
		return
	}

	c.hooksMu.Lock()
	hooks := make([]func(), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) clearPendingRequests() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
