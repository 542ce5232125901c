// Package llm wires chat models for the AI collaborators and runs the
// streaming tool-calling loop they share.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// DefaultMaxSteps bounds model round trips per Run.
const DefaultMaxSteps = 8

// ErrMaxSteps is returned when the model keeps calling tools.
var ErrMaxSteps = errors.New("model did not finish within the step limit")

// Config selects an OpenAI-compatible endpoint.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature *float32
}

// NewChatModel creates a chat model for cfg. Local endpoints such as Ollama
// ignore the key, so an empty one is replaced by a placeholder.
func NewChatModel(ctx context.Context, cfg Config) (model.ToolCallingChatModel, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "ollama"
	}

	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      apiKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
	}
	return chatModel, nil
}

// Handler observes a Run. Every field is optional.
type Handler struct {
	// OnDelta receives each streamed chunk that carries content.
	OnDelta func(chunk *schema.Message)
	// OnToolCall runs before a tool executes.
	OnToolCall func(call schema.ToolCall)
	// OnToolResult receives the text handed back to the model.
	OnToolResult func(call schema.ToolCall, result string)
}

// Options tune a Run.
type Options struct {
	MaxSteps     int
	ModelOptions []model.Option
}

// Run streams the model's answer to messages, executing tool calls until
// the model answers without one. It returns the final assistant message and
// every message it produced, tool results included, in order.
func Run(ctx context.Context, m model.ToolCallingChatModel, messages []*schema.Message, tools []einotool.InvokableTool, h Handler, opts Options) (*schema.Message, []*schema.Message, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	byName := make(map[string]einotool.InvokableTool, len(tools))
	if len(tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(tools))
		for _, t := range tools {
			info, err := t.Info(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("tool info: %w", err)
			}
			infos = append(infos, info)
			byName[info.Name] = t
		}
		bound, err := m.WithTools(infos)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to bind tools: %w", err)
		}
		m = bound
	}

	history := append([]*schema.Message(nil), messages...)
	var produced []*schema.Message

	for step := 0; step < maxSteps; step++ {
		msg, err := streamTurn(ctx, m, history, h, opts.ModelOptions)
		if err != nil {
			return nil, produced, err
		}
		history = append(history, msg)
		produced = append(produced, msg)

		if len(msg.ToolCalls) == 0 {
			return msg, produced, nil
		}

		for _, call := range msg.ToolCalls {
			if h.OnToolCall != nil {
				h.OnToolCall(call)
			}
			result := execute(ctx, byName, call)
			if h.OnToolResult != nil {
				h.OnToolResult(call, result)
			}
			toolMsg := &schema.Message{
				Role:       schema.Tool,
				Content:    result,
				ToolCallID: call.ID,
			}
			history = append(history, toolMsg)
			produced = append(produced, toolMsg)
		}
	}
	return nil, produced, ErrMaxSteps
}

func streamTurn(ctx context.Context, m model.ToolCallingChatModel, history []*schema.Message, h Handler, opts []model.Option) (*schema.Message, error) {
	stream, err := m.Stream(ctx, history, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		if h.OnDelta != nil && chunk.Content != "" {
			h.OnDelta(chunk)
		}
	}

	if len(chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	msg, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("concat stream: %w", err)
	}
	return msg, nil
}

// execute runs one call. Failures are reported to the model as text.
func execute(ctx context.Context, tools map[string]einotool.InvokableTool, call schema.ToolCall) string {
	t, ok := tools[call.Function.Name]
	if !ok {
		return fmt.Sprintf("Tool not found: %s", call.Function.Name)
	}
	args := call.Function.Arguments
	if args == "" {
		args = "{}"
	}
	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		return "Error: " + err.Error()
	}
	return out
}
