// Package websocket carries the IPC wire protocol over WebSocket
// connections: a Server that fronts a registration table and a Client that
// implements ipc.Transport.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/registry"
)

// TransportName identifies WebSocket callers in Caller.Transport.
const TransportName = "websocket"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 20
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithCheckOrigin overrides the origin check. By default every origin is
// accepted; the server is expected to listen on loopback only.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server upgrades HTTP requests and serves the IPC protocol on them.
type Server struct {
	table    *registry.Table
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewServer creates a Server dispatching to table.
func NewServer(table *registry.Table, opts ...ServerOption) *Server {
	s := &Server{
		table: table,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:   log.Logger,
		conns: make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler. It blocks for the lifetime of the
// connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:       ulid.Make().String(),
		server:   s,
		ws:       ws,
		interest: make(map[string]interest),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	c.caller = s.table.Connect(c, TransportName, r.RemoteAddr)
	s.log.Info().Str("conn", c.id).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	go c.pingLoop()
	c.readLoop()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseConnections drops every open connection but keeps accepting new
// ones.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Close drops every connection and rejects new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.CloseConnections()
	return nil
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// interest records that the remote side subscribed to a channel. Pushes on
// channel are written as event-data frames carrying id and alias.
type interest struct {
	id    string
	alias string
}

// conn is one WebSocket connection. It is the ipc.Peer of its caller.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	caller *ipc.Caller

	writeMu sync.Mutex

	mu       sync.Mutex
	interest map[string]interest

	done      chan struct{}
	closeOnce sync.Once
}

var _ ipc.Peer = (*conn)(nil)

func (c *conn) ID() string            { return c.id }
func (c *conn) Done() <-chan struct{} { return c.done }

// Send writes data as an event-data frame if the remote side subscribed to
// channel. Pushes nobody asked for are dropped.
func (c *conn) Send(channel string, data any) error {
	c.mu.Lock()
	in, ok := c.interest[channel]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	msg, err := ipc.NewEventData(in.id, in.alias, data)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *conn) write(msg *ipc.Message) error {
	select {
	case <-c.done:
		return ipc.ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		go c.close()
		return err
	}
	return nil
}

func (c *conn) readLoop() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ipc.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug().Err(err).Str("conn", c.id).Msg("websocket read failed")
			}
			return
		}

		if err := msg.Validate(); err != nil {
			c.server.log.Warn().Err(err).Str("conn", c.id).Msg("Failed to handle WebSocket message")
			if msg.Type == ipc.TypeInvokeRequest && msg.ID != "" {
				c.write(ipc.NewInvokeError(msg.ID, err))
			}
			continue
		}

		switch msg.Type {
		case ipc.TypeInvokeRequest:
			// Register and unregister invokes keep their arrival order.
			if kind, ok := c.server.table.Kind(msg.Channel); ok && kind == ipc.KindEvent {
				c.handleInvoke(msg)
			} else {
				go c.handleInvoke(msg)
			}
		case ipc.TypeEventSubscribe:
			c.handleSubscribe(msg)
		case ipc.TypeEventUnsubscribe:
			c.handleUnsubscribe(msg)
		default:
			c.server.log.Debug().Str("type", string(msg.Type)).Msg("ignoring websocket message")
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) handleInvoke(msg ipc.Message) {
	result, err := c.server.table.Dispatch(c.caller.Context(), c.caller, msg.Channel, msg.Args)

	var reply *ipc.Message
	if err != nil {
		reply = ipc.NewInvokeError(msg.ID, err)
	} else if reply, err = ipc.NewInvokeResult(msg.ID, result); err != nil {
		reply = ipc.NewInvokeError(msg.ID, err)
	}

	if err := c.write(reply); err != nil {
		c.server.log.Debug().Err(err).Str("conn", c.id).Str("channel", msg.Channel).Msg("dropping invoke response")
	}
}

// handleSubscribe records interest in a channel. A subscription to an
// event channel itself (rather than its response channel) also registers
// the caller with the table, so plain protocol clients need no register
// invoke.
func (c *conn) handleSubscribe(msg ipc.Message) {
	if kind, ok := c.server.table.Kind(msg.Channel); ok && kind == ipc.KindEvent {
		response := ipc.ResponseChannel(msg.Channel)
		c.setInterest(response, interest{id: msg.ID, alias: msg.Channel})
		if _, err := c.server.table.Attach(c.caller, msg.Channel); err != nil {
			c.server.log.Warn().Err(err).Str("channel", msg.Channel).Msg("event subscription failed")
			c.dropInterest(response)
		}
		return
	}
	c.setInterest(msg.Channel, interest{id: msg.ID, alias: msg.Channel})
}

func (c *conn) handleUnsubscribe(msg ipc.Message) {
	if kind, ok := c.server.table.Kind(msg.Channel); ok && kind == ipc.KindEvent {
		c.dropInterest(ipc.ResponseChannel(msg.Channel))
		c.server.table.Detach(c.caller.ID, msg.Channel)
		return
	}
	c.dropInterest(msg.Channel)
}

func (c *conn) setInterest(channel string, in interest) {
	c.mu.Lock()
	c.interest[channel] = in
	c.mu.Unlock()
}

func (c *conn) dropInterest(channel string) {
	c.mu.Lock()
	delete(c.interest, channel)
	c.mu.Unlock()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()

		c.server.table.Disconnect(c.id)
		c.server.remove(c.id)
		c.server.log.Info().Str("conn", c.id).Msg("websocket client disconnected")
	})
}
