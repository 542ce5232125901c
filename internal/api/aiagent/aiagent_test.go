package aiagent

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srymh/template-electron/internal/llm"
	"github.com/srymh/template-electron/internal/llm/llmtest"
	"github.com/srymh/template-electron/internal/storage"
	"github.com/srymh/template-electron/internal/transport/local"
	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/client"
	"github.com/srymh/template-electron/pkg/ipc/registry"
	"github.com/srymh/template-electron/pkg/mcpserver/demo"
)

func noRetry(context.Context) backoff.BackOff { return &backoff.StopBackOff{} }

type factory struct {
	mu    sync.Mutex
	m     model.ToolCallingChatModel
	err   error
	calls int
	cfg   llm.Config
}

func (f *factory) create(_ context.Context, cfg llm.Config) (model.ToolCallingChatModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cfg = cfg
	return f.m, f.err
}

func newService(f *factory, opts ...Option) *Service {
	return New(append([]Option{
		WithLogger(zerolog.Nop()),
		WithModelFactory(f.create),
		WithRetry(noRetry),
	}, opts...)...)
}

// pushes records what the agent sends to one connection.
type pushes struct {
	mu     sync.Mutex
	chunks []ChunkPayload
	done   []DonePayload
	errs   []ErrorPayload
}

func (p *pushes) snapshot() ([]ChunkPayload, []DonePayload, []ErrorPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChunkPayload(nil), p.chunks...), append([]DonePayload(nil), p.done...), append([]ErrorPayload(nil), p.errs...)
}

func connect(t *testing.T, s *Service) (*client.API, *pushes) {
	t.Helper()
	table := registry.New(registry.WithLogger(zerolog.Nop()))
	require.NoError(t, table.Register(s.Namespace()))
	table.Seal()

	pipe := local.Connect(table, local.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { pipe.Close() })

	api, err := client.Build(ipc.Descriptor(s.Namespace()), pipe, client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	p := &pushes{}
	_, err = client.On(api, ChunkChannel, func(c ChunkPayload) {
		p.mu.Lock()
		p.chunks = append(p.chunks, c)
		p.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = client.On(api, DoneChannel, func(d DonePayload) {
		p.mu.Lock()
		p.done = append(p.done, d)
		p.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = client.On(api, ErrorChannel, func(e ErrorPayload) {
		p.mu.Lock()
		p.errs = append(p.errs, e)
		p.mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(table.Subscriptions(pipe.ID())) == 3
	}, time.Second, time.Millisecond)
	return api, p
}

func setup(t *testing.T, api *client.API, opts SetupOptions) {
	t.Helper()
	res, err := client.Call[Result](context.Background(), api, "aiAgent.setup", opts)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func send(t *testing.T, api *client.API, message string) Result {
	t.Helper()
	res, err := client.Call[Result](context.Background(), api, "aiAgent.send", SendRequest{Message: message})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.ID)
	return res
}

func TestSend_NotInitialized(t *testing.T) {
	api, _ := connect(t, newService(&factory{}))

	_, err := api.Invoke(context.Background(), "aiAgent.send", SendRequest{Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, "AI agent is not initialized", err.Error())

	history, err := client.Call[[]Turn](context.Background(), api, "aiAgent.getHistory")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSend_StreamsAnswer(t *testing.T) {
	m := llmtest.New(llmtest.Text("  Hello", ", world  "))
	f := &factory{m: m}
	api, p := connect(t, newService(f))

	temp := float32(0.3)
	setup(t, api, SetupOptions{Instructions: "Be brief.", ModelName: "gpt-test", BaseURL: "http://localhost:11434/v1", Temperature: &temp})
	assert.Equal(t, llm.Config{BaseURL: "http://localhost:11434/v1", Model: "gpt-test", Temperature: &temp}, f.cfg)

	res := send(t, api, "hi")

	require.Eventually(t, func() bool {
		_, done, _ := p.snapshot()
		return len(done) == 1
	}, time.Second, time.Millisecond)
	chunks, done, errs := p.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, []ChunkPayload{
		{ID: res.ID, Chunk: "  Hello", Answer: "  Hello"},
		{ID: res.ID, Chunk: ", world  ", Answer: "  Hello, world  "},
	}, chunks)
	assert.Equal(t, DonePayload{ID: res.ID, Answer: "Hello, world"}, done[0])

	inputs := m.Inputs()
	require.Len(t, inputs, 1)
	require.Len(t, inputs[0], 2)
	assert.Equal(t, schema.System, inputs[0][0].Role)
	assert.Equal(t, "Be brief.", inputs[0][0].Content)
	assert.Equal(t, "User: hi", inputs[0][1].Content)

	history, err := client.Call[[]Turn](context.Background(), api, "aiAgent.getHistory")
	require.NoError(t, err)
	assert.Equal(t, []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "Hello, world"}}, history)
}

func TestSend_PromptCarriesHistory(t *testing.T) {
	m := llmtest.New(llmtest.Text("b"), llmtest.Text("d"))
	api, _ := connect(t, newService(&factory{m: m}))
	setup(t, api, SetupOptions{ModelName: "m"})

	send(t, api, "a")
	send(t, api, "c")

	inputs := m.Inputs()
	require.Len(t, inputs, 2)
	// No instructions, no system message.
	require.Len(t, inputs[1], 1)
	assert.Equal(t, "User: a\n\nAssistant: b\n\nUser: c", inputs[1][0].Content)
}

func TestSetup_OnlyOnce(t *testing.T) {
	f := &factory{m: llmtest.New()}
	api, _ := connect(t, newService(f))

	setup(t, api, SetupOptions{ModelName: "first"})
	setup(t, api, SetupOptions{ModelName: "second"})
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "first", f.cfg.Model)
}

func TestSetup_Failure(t *testing.T) {
	f := &factory{err: errors.New("model is required")}
	s := newService(f)
	api, _ := connect(t, s)

	_, err := api.Invoke(context.Background(), "aiAgent.setup", SetupOptions{})
	require.Error(t, err)
	assert.Equal(t, "Failed to create AiAgent: model is required", err.Error())

	// A failed setup can be retried.
	f.err = nil
	f.m = llmtest.New()
	setup(t, api, SetupOptions{ModelName: "m"})
	assert.Equal(t, 2, f.calls)
}

func TestSetup_Defaults(t *testing.T) {
	f := &factory{m: llmtest.New()}
	s := newService(f, WithDefaults(SetupOptions{ModelName: "default-model", BaseURL: "http://default", APIKey: "key"}))
	require.NoError(t, s.Setup(context.Background(), SetupOptions{BaseURL: "http://override"}))

	assert.Equal(t, "default-model", f.cfg.Model)
	assert.Equal(t, "http://override", f.cfg.BaseURL)
	assert.Equal(t, "key", f.cfg.APIKey)
	require.NotNil(t, f.cfg.Temperature)
	assert.Zero(t, *f.cfg.Temperature)
}

func TestSetup_RejectsStdioServers(t *testing.T) {
	f := &factory{m: llmtest.New()}
	s := newService(f)

	err := s.Setup(context.Background(), SetupOptions{ModelName: "m", MCPServerURLList: []string{"node server.js"}})
	require.Error(t, err)
	assert.Equal(t, "Failed to create AiAgent: The stdio transport is not supported.", err.Error())
}

func TestSend_ErrorEvent(t *testing.T) {
	m := llmtest.New(llmtest.Turn{Err: errors.New("rate limited")})
	api, p := connect(t, newService(&factory{m: m}))
	setup(t, api, SetupOptions{ModelName: "m"})

	res := send(t, api, "hi")

	require.Eventually(t, func() bool {
		_, _, errs := p.snapshot()
		return len(errs) == 1
	}, time.Second, time.Millisecond)
	_, done, errs := p.snapshot()
	assert.Empty(t, done)
	assert.Equal(t, res.ID, errs[0].ID)
	assert.Contains(t, errs[0].Error, "rate limited")

	history, err := client.Call[[]Turn](context.Background(), api, "aiAgent.getHistory")
	require.NoError(t, err)
	assert.Equal(t, []Turn{{Role: RoleUser, Content: "hi"}}, history)
}

func TestSend_RetriesBeforeStreaming(t *testing.T) {
	m := llmtest.New(llmtest.Turn{Err: errors.New("temporary")}, llmtest.Text("ok"))
	s := newService(&factory{m: m}, WithRetry(func(ctx context.Context) backoff.BackOff {
		return backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2), ctx)
	}))
	api, p := connect(t, s)
	setup(t, api, SetupOptions{ModelName: "m"})

	send(t, api, "hi")

	require.Eventually(t, func() bool {
		_, done, _ := p.snapshot()
		return len(done) == 1
	}, time.Second, time.Millisecond)
	_, done, _ := p.snapshot()
	assert.Equal(t, "ok", done[0].Answer)
	assert.Len(t, m.Inputs(), 2)
}

func TestTrimHistory(t *testing.T) {
	var turns []Turn
	for i := 0; i < 25; i++ {
		turns = append(turns, Turn{Role: RoleUser, Content: fmt.Sprint(i)})
	}
	trimmed := trimHistory(turns)
	require.Len(t, trimmed, MaxTurns)
	assert.Equal(t, "5", trimmed[0].Content)
	assert.Equal(t, "24", trimmed[MaxTurns-1].Content)

	assert.Len(t, trimHistory(turns[:3]), 3)
}

func TestAgent_KeepsLastTurns(t *testing.T) {
	var turns []llmtest.Turn
	for i := 0; i < 11; i++ {
		turns = append(turns, llmtest.Text(fmt.Sprintf("a%d", i)))
	}
	s := newService(&factory{m: llmtest.New(turns...)})
	require.NoError(t, s.Setup(context.Background(), SetupOptions{ModelName: "m"}))
	agent := s.current()

	for i := 0; i < 11; i++ {
		_, err := agent.StreamReply(context.Background(), fmt.Sprintf("q%d", i), nil)
		require.NoError(t, err)
	}

	history := s.History()
	require.Len(t, history, MaxTurns)
	assert.Equal(t, Turn{Role: RoleUser, Content: "q1"}, history[0])
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "a10"}, history[MaxTurns-1])
}

func TestHistory_Persisted(t *testing.T) {
	store := storage.New(t.TempDir())
	ctx := context.Background()

	s := newService(&factory{m: llmtest.New(llmtest.Text("pong"))}, WithStorage(store))
	require.NoError(t, s.Setup(ctx, SetupOptions{ModelName: "m"}))
	_, err := s.current().StreamReply(ctx, "ping", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	restarted := newService(&factory{m: llmtest.New()}, WithStorage(store))
	assert.Empty(t, restarted.History())
	require.NoError(t, restarted.Setup(ctx, SetupOptions{ModelName: "m"}))
	assert.Equal(t, []Turn{{Role: RoleUser, Content: "ping"}, {Role: RoleAssistant, Content: "pong"}}, restarted.History())
}

func TestSend_MCPTools(t *testing.T) {
	themes := make(chan string, 1)
	ts := httptest.NewServer(server.NewStreamableHTTPServer(demo.NewServer(
		demo.WithLogger(zerolog.Nop()),
		demo.WithTheme(func(_ context.Context, theme string) error {
			themes <- theme
			return nil
		}),
	)))
	defer ts.Close()

	m := llmtest.New(
		llmtest.Call("call_1", "change_theme", `{"theme":"dark"}`),
		llmtest.Text("Done."),
	)
	s := newService(&factory{m: m})
	defer s.Close()
	api, p := connect(t, s)
	setup(t, api, SetupOptions{ModelName: "m", MCPServerURLList: []string{ts.URL}})

	send(t, api, "make it dark")

	require.Eventually(t, func() bool {
		_, done, _ := p.snapshot()
		return len(done) == 1
	}, 5*time.Second, time.Millisecond)
	_, done, _ := p.snapshot()
	assert.Equal(t, "Done.", done[0].Answer)
	assert.Equal(t, "dark", <-themes)
	assert.ElementsMatch(t, []string{"print_hello", "change_theme"}, m.Tools())

	inputs := m.Inputs()
	require.Len(t, inputs, 2)
	last := inputs[1][len(inputs[1])-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, "テーマを「dark」に変更しました。", last.Content)
}
