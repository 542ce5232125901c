package mcp

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/pkg/mcpserver/demo"
)

func newService(t *testing.T, themes chan<- string, opts ...Option) *Service {
	t.Helper()
	s := New(func() *server.MCPServer {
		return demo.NewServer(demo.WithLogger(zerolog.Nop()), demo.WithTheme(func(_ context.Context, theme string) error {
			themes <- theme
			return nil
		}))
	}, append([]Option{WithDefaultPort(0), WithLogger(zerolog.Nop())}, opts...)...)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestService_StartStop(t *testing.T) {
	s := newService(t, make(chan string, 1))
	assert.Equal(t, Status{}, s.Status())

	require.NoError(t, s.Start(0))
	st := s.Status()
	assert.True(t, st.IsRunning)
	assert.NotZero(t, st.Port)

	// Starting again keeps the running server.
	require.NoError(t, s.Start(0))
	assert.Equal(t, st, s.Status())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, Status{IsRunning: false, Port: 0}, s.Status())
	require.NoError(t, s.Stop(context.Background()))

	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", st.Port), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestService_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := newService(t, make(chan string, 1))
	err = s.Start(ln.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)
	assert.False(t, s.Status().IsRunning)
}

func TestService_PublishesStatus(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var got []Status
	bus.Subscribe(event.MCPStatusChanged, func(e event.Event) {
		var st Status
		require.NoError(t, e.Decode(&st))
		got = append(got, st)
	})

	s := newService(t, make(chan string, 1), WithBus(bus))
	require.NoError(t, s.Start(0))
	port := s.Status().Port
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []Status{{IsRunning: true, Port: port}, {}}, got)
}

func TestService_StreamableClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	themes := make(chan string, 1)
	s := newService(t, themes)
	require.NoError(t, s.Start(0))

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, &sdkmcp.StreamableClientTransport{
		Endpoint: fmt.Sprintf("http://127.0.0.1:%d%s", s.Status().Port, EndpointPath),
	}, nil)
	require.NoError(t, err)
	defer session.Close()

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "print_hello",
		Arguments: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ログに「hi」を出力しました。", result.Content[0].(*sdkmcp.TextContent).Text)

	_, err = session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      "change_theme",
		Arguments: map[string]any{"theme": "dark"},
	})
	require.NoError(t, err)
	assert.Equal(t, "dark", <-themes)
}
