// Package aiagent runs a conversational agent with MCP tools and pushes
// its streamed answers to the sending connection.
package aiagent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/srymh/template-electron/internal/llm"
	"github.com/srymh/template-electron/internal/mcpclient"
	"github.com/srymh/template-electron/internal/storage"
	"github.com/srymh/template-electron/pkg/ipc"
)

const (
	ChunkChannel = "aiAgent.on.chunk"
	DoneChannel  = "aiAgent.on.done"
	ErrorChannel = "aiAgent.on.error"
)

// ErrNotInitialized is returned by Send before Setup.
var ErrNotInitialized = errors.New("AI agent is not initialized")

var historyKey = []string{"aiagent", "history"}

// SetupOptions configure the agent. Empty fields take the service
// defaults.
type SetupOptions struct {
	Instructions     string   `json:"instructions"`
	ModelName        string   `json:"modelName"`
	BaseURL          string   `json:"baseUrl"`
	APIKey           string   `json:"apiKey"`
	Temperature      *float32 `json:"temperature,omitempty"`
	MCPServerURLList []string `json:"mcpServerUrlList"`
}

func (o SetupOptions) withDefaults(d SetupOptions) SetupOptions {
	if o.Instructions == "" {
		o.Instructions = d.Instructions
	}
	if o.ModelName == "" {
		o.ModelName = d.ModelName
	}
	if o.BaseURL == "" {
		o.BaseURL = d.BaseURL
	}
	if o.APIKey == "" {
		o.APIKey = d.APIKey
	}
	if o.Temperature == nil {
		o.Temperature = d.Temperature
	}
	if o.Temperature == nil {
		var zero float32
		o.Temperature = &zero
	}
	if o.MCPServerURLList == nil {
		o.MCPServerURLList = d.MCPServerURLList
	}
	return o
}

// Result acknowledges setup and send.
type Result struct {
	ID string `json:"id,omitempty"`
	OK bool   `json:"ok"`
}

// SendRequest is the send argument.
type SendRequest struct {
	Message string `json:"message"`
}

type ChunkPayload struct {
	ID     string `json:"id"`
	Chunk  string `json:"chunk"`
	Answer string `json:"answer"`
}

type DonePayload struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

type ErrorPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ModelFactory creates the agent's model.
type ModelFactory func(ctx context.Context, cfg llm.Config) (model.ToolCallingChatModel, error)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithModelFactory replaces llm.NewChatModel.
func WithModelFactory(fn ModelFactory) Option {
	return func(s *Service) { s.newModel = fn }
}

// WithStorage persists the history in store.
func WithStorage(store *storage.Storage) Option {
	return func(s *Service) { s.store = store }
}

// WithDefaults sets the values used for fields Setup leaves empty.
func WithDefaults(d SetupOptions) Option {
	return func(s *Service) { s.defaults = d }
}

// WithMCPOptions configures the MCP client of each agent.
func WithMCPOptions(opts ...mcpclient.Option) Option {
	return func(s *Service) { s.mcpOpts = opts }
}

// WithRetry replaces the retry policy of replies.
func WithRetry(fn func(ctx context.Context) backoff.BackOff) Option {
	return func(s *Service) { s.retry = fn }
}

// Service holds the host's agent.
type Service struct {
	newModel ModelFactory
	store    *storage.Storage
	defaults SetupOptions
	mcpOpts  []mcpclient.Option
	retry    func(ctx context.Context) backoff.BackOff
	log      zerolog.Logger

	mu    sync.Mutex
	agent *Agent
}

// New creates a Service with no agent.
func New(opts ...Option) *Service {
	s := &Service{
		newModel: llm.NewChatModel,
		retry:    newRetryBackoff,
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup creates the agent. Once an agent exists further calls do nothing.
func (s *Service) Setup(ctx context.Context, opts SetupOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agent != nil {
		s.log.Info().Msg("AI agent is already initialized.")
		return nil
	}

	agent, err := s.create(ctx, opts.withDefaults(s.defaults))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to create AiAgent")
		return fmt.Errorf("Failed to create AiAgent: %w", err)
	}
	s.agent = agent
	return nil
}

func (s *Service) create(ctx context.Context, opts SetupOptions) (*Agent, error) {
	m, err := s.newModel(ctx, llm.Config{
		BaseURL:     opts.BaseURL,
		Model:       opts.ModelName,
		APIKey:      opts.APIKey,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		instructions: opts.Instructions,
		model:        m,
		retry:        s.retry,
	}

	if len(opts.MCPServerURLList) > 0 {
		agent.mcp = mcpclient.New(append([]mcpclient.Option{mcpclient.WithLogger(s.log)}, s.mcpOpts...)...)
		for _, url := range opts.MCPServerURLList {
			if err := agent.mcp.Connect(ctx, url); err != nil {
				agent.mcp.Close()
				return nil, err
			}
		}
	}

	if s.store != nil {
		var history []Turn
		err := s.store.Get(ctx, historyKey, &history)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			agent.Close()
			return nil, fmt.Errorf("load history: %w", err)
		}
		agent.history = trimHistory(history)
		agent.save = func(ctx context.Context, history []Turn) error {
			return s.store.Put(ctx, historyKey, history)
		}
	}
	return agent, nil
}

func (s *Service) current() *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Send answers message, pushing chunk, done and error events to caller. It
// returns once the answer is complete; a failed answer is reported through
// the error event only.
func (s *Service) Send(caller *ipc.Caller, message string) (Result, error) {
	agent := s.current()
	if agent == nil {
		return Result{}, ErrNotInitialized
	}

	id := uuid.NewString()
	emit := func(channel string, data any) {
		if err := caller.Emit(channel, data); err != nil {
			s.log.Debug().Err(err).Str("channel", channel).Msg("dropping agent push")
		}
	}

	answer, err := agent.StreamReply(caller.Context(), message, func(delta, answer string) {
		emit(ChunkChannel, ChunkPayload{ID: id, Chunk: delta, Answer: answer})
	})
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("AI agent reply failed")
		emit(ErrorChannel, ErrorPayload{ID: id, Error: err.Error()})
	} else {
		emit(DoneChannel, DonePayload{ID: id, Answer: answer})
	}
	return Result{ID: id, OK: true}, nil
}

// History returns the agent's history, empty before Setup.
func (s *Service) History() []Turn {
	agent := s.current()
	if agent == nil {
		return []Turn{}
	}
	return agent.History()
}

// Close drops the agent.
func (s *Service) Close() error {
	s.mu.Lock()
	agent := s.agent
	s.agent = nil
	s.mu.Unlock()
	if agent == nil {
		return nil
	}
	return agent.Close()
}

// Namespace returns the aiAgent channels. Event registrations do nothing:
// pushes go to the sending connection directly.
func (s *Service) Namespace() ipc.Namespace {
	nop := ipc.Event(func(context.Context, *ipc.Caller, ipc.Emitter) (ipc.Unsubscribe, error) {
		return ipc.Nop, nil
	})
	return ipc.Namespace{
		"aiAgent": ipc.Namespace{
			"setup": ipc.Invoke(ipc.Handle(func(ctx context.Context, _ *ipc.Caller, opts SetupOptions) (Result, error) {
				if err := s.Setup(ctx, opts); err != nil {
					return Result{}, err
				}
				return Result{OK: true}, nil
			})),
			"send": ipc.Invoke(ipc.Handle(func(_ context.Context, caller *ipc.Caller, req SendRequest) (Result, error) {
				return s.Send(caller, req.Message)
			})),
			"getHistory": ipc.Invoke(ipc.HandleNoArgs(func(context.Context, *ipc.Caller) ([]Turn, error) {
				return s.History(), nil
			})),
			"on": ipc.Namespace{
				"chunk": nop,
				"done":  nop,
				"error": nop,
			},
		},
	}
}
