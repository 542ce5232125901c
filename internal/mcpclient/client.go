// Package mcpclient connects to MCP servers and exposes their tools to the
// chat models.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds connecting to a server and listing its tools.
const DefaultTimeout = 5 * time.Second

// ErrStdioUnsupported is returned for server specs that are not URLs.
var ErrStdioUnsupported = errors.New("The stdio transport is not supported.")

// Status of a server connection.
type Status string

const (
	StatusConnected Status = "connected"
	StatusFailed    Status = "failed"
)

// Tool is a tool offered by a connected server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ServerStatus describes one server.
type ServerStatus struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	ToolCount int     `json:"toolCount"`
	Error     *string `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient sets the HTTP client used for remote servers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client manages server sessions. Tools keep the names their server gave
// them; when two servers offer the same name the first one wins.
type Client struct {
	sdk     *sdkmcp.Client
	http    *http.Client
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	servers []*server
}

type server struct {
	name    string
	session *sdkmcp.ClientSession
	tools   []Tool
	status  Status
	err     string
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		sdk: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "template-electron",
			Version: "1.0.0",
		}, nil),
		http:    &http.Client{},
		timeout: DefaultTimeout,
		log:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect adds the server at url, trying streamable HTTP first and SSE
// second. A failed server is kept in Status with its error.
func (c *Client) Connect(ctx context.Context, url string) error {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrStdioUnsupported
	}

	transports := []struct {
		name      string
		transport sdkmcp.Transport
	}{
		{name: "streamable", transport: &sdkmcp.StreamableClientTransport{Endpoint: url, HTTPClient: c.http}},
		{name: "sse", transport: &sdkmcp.SSEClientTransport{Endpoint: url, HTTPClient: c.http}},
	}

	var lastErr error
	for _, candidate := range transports {
		err := c.ConnectTransport(ctx, url, candidate.transport)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s transport: %w", candidate.name, err)
	}

	c.add(&server{name: url, status: StatusFailed, err: lastErr.Error()})
	c.log.Warn().Err(lastErr).Str("server", url).Msg("failed to connect MCP server")
	return lastErr
}

// ConnectTransport adds a server reached through transport.
func (c *Client) ConnectTransport(ctx context.Context, name string, transport sdkmcp.Transport) error {
	connectCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.sdk.Connect(connectCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	result, err := session.ListTools(connectCtx, nil)
	if err != nil {
		session.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	s := &server{name: name, session: session, status: StatusConnected}
	for _, t := range result.Tools {
		s.tools = append(s.tools, fromSDKTool(t))
	}
	c.add(s)
	c.log.Info().Str("server", name).Int("tools", len(s.tools)).Msg("MCP server connected")
	return nil
}

func fromSDKTool(t *sdkmcp.Tool) Tool {
	tool := Tool{Name: t.Name, Description: t.Description}
	if t.InputSchema != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			tool.InputSchema = data
		}
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return tool
}

func (c *Client) add(s *server) {
	c.mu.Lock()
	c.servers = append(c.servers, s)
	c.mu.Unlock()
}

// Tools returns every tool of every connected server.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	var tools []Tool
	for _, s := range c.servers {
		if s.status != StatusConnected {
			continue
		}
		for _, t := range s.tools {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			tools = append(tools, t)
		}
	}
	return tools
}

func (c *Client) lookup(name string) *server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.servers {
		if s.status != StatusConnected {
			continue
		}
		for _, t := range s.tools {
			if t.Name == name {
				return s
			}
		}
	}
	return nil
}

// ExecuteTool calls name with args and returns the text content of the
// result. A result flagged as an error is returned as an error.
func (c *Client) ExecuteTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	s := c.lookup(name)
	if s == nil {
		return "", fmt.Errorf("no server found for tool: %s", name)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
	}

	result, err := s.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", err
	}

	var output strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			output.WriteString(text.Text)
		}
	}
	if result.IsError {
		if output.Len() == 0 {
			return "", fmt.Errorf("tool execution failed")
		}
		return "", fmt.Errorf("tool error: %s", output.String())
	}
	return output.String(), nil
}

// Status reports every server in connection order.
func (c *Client) Status() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make([]ServerStatus, 0, len(c.servers))
	for _, s := range c.servers {
		st := ServerStatus{Name: s.name, Status: s.status, ToolCount: len(s.tools)}
		if s.err != "" {
			e := s.err
			st.Error = &e
		}
		status = append(status, st)
	}
	return status
}

// Close ends every session.
func (c *Client) Close() error {
	c.mu.Lock()
	servers := c.servers
	c.servers = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if s.session != nil {
			if err := s.session.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
