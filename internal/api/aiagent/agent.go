package aiagent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/srymh/template-electron/internal/llm"
	"github.com/srymh/template-electron/internal/mcpclient"
)

// MaxTurns is how many turns of history the agent keeps.
const MaxTurns = 20

const (
	// MaxRetries bounds retries of a reply that failed before streaming.
	MaxRetries = 2
	// RetryInitialInterval is the first retry delay.
	RetryInitialInterval = 500 * time.Millisecond
	// RetryMaxInterval caps the retry delay.
	RetryMaxInterval = 5 * time.Second
)

// Role of a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// newRetryBackoff retries with jitter, bounded by MaxRetries and ctx.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Agent answers messages with the full history as context. Replies are
// serialized.
type Agent struct {
	instructions string
	model        model.ToolCallingChatModel
	mcp          *mcpclient.Client
	retry        func(ctx context.Context) backoff.BackOff
	save         func(ctx context.Context, history []Turn) error

	mu      sync.Mutex
	history []Turn
}

// History returns a copy of the history.
func (a *Agent) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn{}, a.history...)
}

func (a *Agent) push(ctx context.Context, t Turn) error {
	a.history = trimHistory(append(a.history, t))
	if a.save == nil {
		return nil
	}
	return a.save(ctx, a.history)
}

// trimHistory keeps the last MaxTurns turns.
func trimHistory(history []Turn) []Turn {
	if len(history) <= MaxTurns {
		return history
	}
	return append([]Turn(nil), history[len(history)-MaxTurns:]...)
}

// prompt renders the history as labeled lines.
func prompt(history []Turn) string {
	lines := make([]string, len(history))
	for i, t := range history {
		label := "User"
		if t.Role == RoleAssistant {
			label = "Assistant"
		}
		lines[i] = label + ": " + t.Content
	}
	return strings.Join(lines, "\n\n")
}

func (a *Agent) tools() []einotool.InvokableTool {
	if a.mcp == nil {
		return nil
	}
	return a.mcp.EinoTools()
}

// StreamReply records message, streams the answer to onChunk with the text
// accumulated so far, and records the trimmed answer. A failure leaves the
// user turn in place.
func (a *Agent) StreamReply(ctx context.Context, message string, onChunk func(delta, answer string)) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.push(ctx, Turn{Role: RoleUser, Content: message}); err != nil {
		return "", err
	}

	var messages []*schema.Message
	if a.instructions != "" {
		messages = append(messages, schema.SystemMessage(a.instructions))
	}
	messages = append(messages, schema.UserMessage(prompt(a.history)))

	var answer strings.Builder
	attempt := func() error {
		answer.Reset()
		streamed := false
		_, _, err := llm.Run(ctx, a.model, messages, a.tools(), llm.Handler{
			OnDelta: func(chunk *schema.Message) {
				streamed = true
				answer.WriteString(chunk.Content)
				if onChunk != nil {
					onChunk(chunk.Content, answer.String())
				}
			},
		}, llm.Options{})
		if err == nil {
			return nil
		}
		// Output already reached the caller, or the caller left.
		if streamed || ctx.Err() != nil || errors.Is(err, llm.ErrMaxSteps) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(attempt, a.retry(ctx)); err != nil {
		return "", err
	}

	reply := strings.TrimSpace(answer.String())
	if err := a.push(ctx, Turn{Role: RoleAssistant, Content: reply}); err != nil {
		return reply, err
	}
	return reply, nil
}

// Close ends the MCP sessions.
func (a *Agent) Close() error {
	if a.mcp == nil {
		return nil
	}
	return a.mcp.Close()
}
