// Package mcp starts and stops the demo MCP server on behalf of callers.
// The server speaks the streamable HTTP transport at /mcp.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/pkg/ipc"
)

const (
	// DefaultPort is used when startServer gets no port.
	DefaultPort = 3030
	// EndpointPath is where the streamable HTTP handler is mounted.
	EndpointPath = "/mcp"

	shutdownTimeout = 5 * time.Second
)

// Status is the getServerStatus result. Port is 0 while stopped.
type Status struct {
	IsRunning bool `json:"isRunning"`
	Port      int  `json:"port"`
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultPort overrides DefaultPort. Port 0 picks a free port.
func WithDefaultPort(port int) Option {
	return func(s *Service) { s.defaultPort = port }
}

// WithHost sets the listen host. Defaults to 127.0.0.1.
func WithHost(host string) Option {
	return func(s *Service) { s.host = host }
}

// WithBus publishes status changes on bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service owns at most one running MCP server.
type Service struct {
	newServer   func() *server.MCPServer
	host        string
	defaultPort int
	bus         *event.Bus
	log         zerolog.Logger

	mu      sync.Mutex
	running *running
}

type running struct {
	port   int
	http   *http.Server
	served chan struct{}
}

// New creates a Service. newServer builds a fresh MCP server on every
// start.
func New(newServer func() *server.MCPServer, opts ...Option) *Service {
	s := &Service{
		newServer:   newServer,
		host:        "127.0.0.1",
		defaultPort: DefaultPort,
		log:         log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status reports whether the server runs and on which port.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return Status{}
	}
	return Status{IsRunning: true, Port: s.running.port}
}

// Start listens on port, or the default port when port is 0. Starting a
// running server does nothing.
func (s *Service) Start(port int) error {
	r, err := s.start(port)
	if err != nil || r == nil {
		return err
	}
	s.log.Info().Int("port", r.port).Msg("MCP server started")
	s.publish(Status{IsRunning: true, Port: r.port})
	return nil
}

// start returns nil without error when a server already runs.
func (s *Service) start(port int) (*running, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		return nil, nil
	}
	if port <= 0 {
		port = s.defaultPort
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("start MCP server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(EndpointPath, server.NewStreamableHTTPServer(s.newServer()))

	r := &running{
		port:   ln.Addr().(*net.TCPAddr).Port,
		http:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		served: make(chan struct{}),
	}
	go func() {
		defer close(r.served)
		if err := r.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("MCP server stopped")
		}
	}()

	s.running = r
	return r, nil
}

// Stop shuts the server down. Stopping a stopped server does nothing.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.running
	if r == nil {
		s.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	// Open SSE streams keep Shutdown waiting; close them after the grace period.
	if err := r.http.Shutdown(ctx); err != nil {
		r.http.Close()
	}
	<-r.served
	s.running = nil
	s.mu.Unlock()

	s.log.Info().Int("port", r.port).Msg("MCP server stopped")
	s.publish(Status{})
	return nil
}

// Close stops the server.
func (s *Service) Close() error {
	return s.Stop(context.Background())
}

func (s *Service) publish(st Status) {
	if s.bus == nil {
		return
	}
	if e, err := event.New(event.MCPStatusChanged, st); err == nil {
		s.bus.PublishSync(e)
	}
}

// Namespace returns the mcp channels.
func (s *Service) Namespace() ipc.Namespace {
	ns := ipc.Namespace{
		"getServerStatus": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, _ *ipc.Caller) (Status, error) {
			return s.Status(), nil
		})),
		"startServer": ipc.Invoke(ipc.HandleVoid(func(ctx context.Context, _ *ipc.Caller, req struct {
			Port int `json:"port,omitempty"`
		}) error {
			return s.Start(req.Port)
		})),
		"stopServer": ipc.Invoke(ipc.HandleNoArgs(func(ctx context.Context, _ *ipc.Caller) (any, error) {
			return nil, s.Stop(ctx)
		})),
	}
	if s.bus != nil {
		ns["on"] = ipc.Namespace{
			"statusChanged": ipc.Event(ipc.Source(func(ctx context.Context, _ *ipc.Caller, emit func(Status)) (ipc.Unsubscribe, error) {
				off := s.bus.Subscribe(event.MCPStatusChanged, func(e event.Event) {
					var st Status
					if err := e.Decode(&st); err == nil {
						emit(st)
					}
				})
				return ipc.Once(func() error { off(); return nil }), nil
			})),
		}
	}
	return ipc.Namespace{"mcp": ns}
}
