package llm

import (
	"context"
	"errors"
	"testing"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srymh/template-electron/internal/llm/llmtest"
)

func echoTool(calls *[]string) *FuncTool {
	return &FuncTool{
		Name: "echo",
		Desc: "Echo the input.",
		Params: map[string]*schema.ParameterInfo{
			"text": {Type: schema.String, Required: true},
		},
		Fn: func(ctx context.Context, args string) (string, error) {
			*calls = append(*calls, args)
			return "echoed " + args, nil
		},
	}
}

func TestRun_TextOnly(t *testing.T) {
	m := llmtest.New(llmtest.Text("Hel", "lo"))

	var deltas []string
	final, produced, err := Run(context.Background(), m, []*schema.Message{schema.UserMessage("hi")}, nil, Handler{
		OnDelta: func(chunk *schema.Message) { deltas = append(deltas, chunk.Content) },
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "Hello", final.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Len(t, produced, 1)
}

func TestRun_ExecutesTools(t *testing.T) {
	m := llmtest.New(
		llmtest.Call("call-1", "echo", `{"text":"a"}`),
		llmtest.Text("done"),
	)
	var calls []string
	var results []string

	final, produced, err := Run(context.Background(), m, []*schema.Message{schema.UserMessage("go")},
		[]einotool.InvokableTool{echoTool(&calls)},
		Handler{OnToolResult: func(_ schema.ToolCall, result string) { results = append(results, result) }},
		Options{})
	require.NoError(t, err)

	assert.Equal(t, "done", final.Content)
	assert.Equal(t, []string{`{"text":"a"}`}, calls)
	assert.Equal(t, []string{`echoed {"text":"a"}`}, results)
	assert.Equal(t, []string{"echo"}, m.Tools())

	require.Len(t, produced, 3)
	assert.Equal(t, schema.Tool, produced[1].Role)
	assert.Equal(t, "call-1", produced[1].ToolCallID)

	// The second request carries the tool result.
	inputs := m.Inputs()
	require.Len(t, inputs, 2)
	assert.Len(t, inputs[1], 3)
}

func TestRun_UnknownToolIsReported(t *testing.T) {
	m := llmtest.New(
		llmtest.Call("call-1", "missing", ""),
		llmtest.Text("ok"),
	)
	_, produced, err := Run(context.Background(), m, nil, nil, Handler{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Tool not found: missing", produced[1].Content)
}

func TestRun_StepLimit(t *testing.T) {
	var calls []string
	m := llmtest.New(
		llmtest.Call("1", "echo", "{}"),
		llmtest.Call("2", "echo", "{}"),
	)
	_, _, err := Run(context.Background(), m, nil, []einotool.InvokableTool{echoTool(&calls)}, Handler{}, Options{MaxSteps: 2})
	assert.ErrorIs(t, err, ErrMaxSteps)
	assert.Len(t, calls, 2)
}

func TestRun_ModelError(t *testing.T) {
	boom := errors.New("boom")
	m := llmtest.New(llmtest.Turn{Err: boom})
	_, _, err := Run(context.Background(), m, nil, nil, Handler{}, Options{})
	assert.ErrorIs(t, err, boom)
}

func TestNewChatModel_RequiresModel(t *testing.T) {
	_, err := NewChatModel(context.Background(), Config{})
	assert.Error(t, err)

	m, err := NewChatModel(context.Background(), Config{BaseURL: "http://localhost:11434/v1", Model: "gpt-oss:20b-cloud"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}
