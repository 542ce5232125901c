// Package aichat streams chat completions to the calling connection.
package aichat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/internal/llm"
	"github.com/srymh/template-electron/pkg/ipc"
)

// ChunkChannel is the event channel chunks are pushed on.
const ChunkChannel = "aiChat.on.chunk"

// ChunkType tags a streamed chunk.
type ChunkType string

const (
	ChunkContent    ChunkType = "content"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkDone       ChunkType = "done"
	ChunkError      ChunkType = "error"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ChunkErrorInfo carries a failure message.
type ChunkErrorInfo struct {
	Message string `json:"message"`
}

// Chunk is one element of the stream. Fields are set per Type.
type Chunk struct {
	Type      ChunkType `json:"type"`
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Timestamp int64     `json:"timestamp"`

	Role    string `json:"role,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Content string `json:"content,omitempty"`

	ToolCall   *ToolCall `json:"toolCall,omitempty"`
	Index      *int      `json:"index,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`

	FinishReason string          `json:"finishReason,omitempty"`
	Error        *ChunkErrorInfo `json:"error,omitempty"`
}

// Payload is what listeners of aiChat.on.chunk receive.
type Payload struct {
	Chunk Chunk `json:"chunk"`
}

// Message is a chat message as sent by callers. Content may be any JSON
// value; only strings and null are forwarded to the model.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// Request is the chat argument.
type Request struct {
	Messages []Message `json:"messages"`
	Data     any       `json:"data,omitempty"`
}

// ModelFactory creates the model for one chat.
type ModelFactory func(ctx context.Context) (model.ToolCallingChatModel, error)

// ThemeFunc applies a theme picked by a tool.
type ThemeFunc func(ctx context.Context, theme string) error

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithTheme enables the theme switching tools.
func WithTheme(fn ThemeFunc) Option {
	return func(s *Service) { s.theme = fn }
}

// Service runs chats.
type Service struct {
	newModel  ModelFactory
	modelName string
	theme     ThemeFunc
	log       zerolog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Service. modelName is reported in chunks.
func New(newModel ModelFactory, modelName string, opts ...Option) *Service {
	s := &Service{
		newModel:  newModel,
		modelName: modelName,
		log:       log.Logger,
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromConfig returns a ModelFactory for an OpenAI-compatible endpoint.
func FromConfig(cfg llm.Config) ModelFactory {
	return func(ctx context.Context) (model.ToolCallingChatModel, error) {
		return llm.NewChatModel(ctx, cfg)
	}
}

// filter converts caller messages, skipping those whose content is neither
// a string nor null.
func (s *Service) filter(msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		var content string
		if len(m.Content) > 0 && string(m.Content) != "null" {
			if err := json.Unmarshal(m.Content, &content); err != nil {
				s.log.Warn().Str("role", m.Role).RawJSON("content", m.Content).Msg("AiChatApi: Skipping non-string message content")
				continue
			}
		}
		msg := &schema.Message{Content: content, ToolCallID: m.ToolCallID}
		switch m.Role {
		case "system":
			msg.Role = schema.System
		case "assistant":
			msg.Role = schema.Assistant
		case "tool":
			msg.Role = schema.Tool
		default:
			msg.Role = schema.User
		}
		out = append(out, msg)
	}
	return out
}

func (s *Service) tools() []einotool.InvokableTool {
	if s.theme == nil {
		return nil
	}
	switchTo := func(theme string) func(ctx context.Context, _ string) (string, error) {
		return func(ctx context.Context, _ string) (string, error) {
			if err := s.theme(ctx, theme); err != nil {
				return "", err
			}
			s.log.Info().Str("theme", theme).Msg("theme")
			return fmt.Sprintf("テーマを「%s」に変更しました。", theme), nil
		}
	}
	return []einotool.InvokableTool{
		&llm.FuncTool{Name: "switch_theme_dark", Desc: "Change the application's theme to dark.", Fn: switchTo("dark")},
		&llm.FuncTool{Name: "switch_theme_light", Desc: "Change the application's theme to light.", Fn: switchTo("light")},
	}
}

// Chat starts streaming the answer to caller and returns without waiting.
// The returned id tags every chunk of this chat.
func (s *Service) Chat(caller *ipc.Caller, req Request) (string, error) {
	messages := s.filter(req.Messages)

	ctx, cancel := context.WithCancel(caller.Context())
	m, err := s.newModel(ctx)
	if err != nil {
		cancel()
		s.log.Error().Err(err).Msg("Error in AiChatApi chat")
		return "", err
	}

	id := ulid.Make().String()
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
			cancel()
		}()
		s.stream(ctx, caller, id, m, messages)
	}()
	return id, nil
}

func (s *Service) stream(ctx context.Context, caller *ipc.Caller, id string, m model.ToolCallingChatModel, messages []*schema.Message) {
	send := func(c Chunk) {
		c.ID = id
		c.Model = s.modelName
		c.Timestamp = time.Now().UnixMilli()
		if err := caller.Emit(ChunkChannel, Payload{Chunk: c}); err != nil {
			s.log.Error().Err(err).Msg("Error sending AiChatApi chunk")
		}
	}

	var content string
	index := 0
	_, _, err := llm.Run(ctx, m, messages, s.tools(), llm.Handler{
		OnDelta: func(chunk *schema.Message) {
			content += chunk.Content
			send(Chunk{Type: ChunkContent, Role: "assistant", Delta: chunk.Content, Content: content})
		},
		OnToolCall: func(call schema.ToolCall) {
			tc := &ToolCall{ID: call.ID, Type: "function"}
			tc.Function.Name = call.Function.Name
			tc.Function.Arguments = call.Function.Arguments
			i := index
			index++
			send(Chunk{Type: ChunkToolCall, ToolCall: tc, Index: &i})
		},
		OnToolResult: func(call schema.ToolCall, result string) {
			send(Chunk{Type: ChunkToolResult, ToolCallID: call.ID, Content: result})
		},
	}, llm.Options{})

	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Error in AiChatApi chat")
			send(Chunk{Type: ChunkError, Error: &ChunkErrorInfo{Message: err.Error()}})
		}
		return
	}
	send(Chunk{Type: ChunkDone, FinishReason: "stop"})
	s.log.Debug().Str("id", id).Msg("AiChatApi done.")
}

// Close cancels running chats and waits for them to end.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Namespace returns the aiChat channels. Registering on.chunk does nothing:
// chunks are pushed to the chatting connection directly.
func (s *Service) Namespace() ipc.Namespace {
	return ipc.Namespace{
		"aiChat": ipc.Namespace{
			"chat": ipc.Invoke(ipc.Handle(func(ctx context.Context, caller *ipc.Caller, req Request) (string, error) {
				return s.Chat(caller, req)
			})),
			"on": ipc.Namespace{
				"chunk": ipc.Event(func(context.Context, *ipc.Caller, ipc.Emitter) (ipc.Unsubscribe, error) {
					return ipc.Nop, nil
				}),
			},
		},
	}
}
