// Package llmtest provides a scripted chat model for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ErrExhausted is returned once every scripted turn was consumed.
var ErrExhausted = errors.New("llmtest: no scripted turn left")

// Turn is one scripted response: the chunks to stream, or an error.
type Turn struct {
	Chunks []*schema.Message
	Err    error
	// Block waits for ctx before answering when set.
	Block bool
}

// Text scripts a turn streaming parts as content deltas.
func Text(parts ...string) Turn {
	chunks := make([]*schema.Message, len(parts))
	for i, p := range parts {
		chunks[i] = &schema.Message{Role: schema.Assistant, Content: p}
	}
	return Turn{Chunks: chunks}
}

// Call scripts a turn that calls one tool.
func Call(id, name, args string) Turn {
	idx := 0
	return Turn{Chunks: []*schema.Message{{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			Index:    &idx,
			ID:       id,
			Type:     "function",
			Function: schema.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

// Model replays Turns in order and records every request.
type Model struct {
	mu     sync.Mutex
	turns  []Turn
	inputs [][]*schema.Message
	tools  []*schema.ToolInfo
}

var _ model.ToolCallingChatModel = (*Model)(nil)

// New creates a Model answering with turns.
func New(turns ...Turn) *Model {
	return &Model{turns: turns}
}

func (m *Model) next(ctx context.Context, input []*schema.Message) (Turn, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	if len(m.turns) == 0 {
		m.mu.Unlock()
		return Turn{}, ErrExhausted
	}
	t := m.turns[0]
	m.turns = m.turns[1:]
	m.mu.Unlock()

	if t.Block {
		<-ctx.Done()
		return Turn{}, ctx.Err()
	}
	return t, t.Err
}

func (m *Model) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	t, err := m.next(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(t.Chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	return schema.ConcatMessages(t.Chunks)
}

func (m *Model) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	t, err := m.next(ctx, input)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray(t.Chunks), nil
}

func (m *Model) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
	return m, nil
}

// Inputs returns the messages of every request so far.
func (m *Model) Inputs() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.inputs...)
}

// Tools returns the names of the bound tools.
func (m *Model) Tools() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.tools))
	for i, t := range m.tools {
		names[i] = t.Name
	}
	return names
}
