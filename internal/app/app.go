// Package app assembles the collaborators into one registration table.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/srymh/template-electron/internal/api/aiagent"
	"github.com/srymh/template-electron/internal/api/aichat"
	"github.com/srymh/template-electron/internal/api/auth"
	"github.com/srymh/template-electron/internal/api/fs"
	"github.com/srymh/template-electron/internal/api/kakeibo"
	"github.com/srymh/template-electron/internal/api/mcp"
	"github.com/srymh/template-electron/internal/api/theme"
	"github.com/srymh/template-electron/internal/api/web"
	"github.com/srymh/template-electron/internal/config"
	"github.com/srymh/template-electron/internal/event"
	"github.com/srymh/template-electron/internal/llm"
	"github.com/srymh/template-electron/internal/logging"
	"github.com/srymh/template-electron/internal/sqlite"
	"github.com/srymh/template-electron/internal/storage"
	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/registry"
	"github.com/srymh/template-electron/pkg/mcpserver/demo"
)

// Option configures New.
type Option func(*options)

type options struct {
	chatModel    aichat.ModelFactory
	agentOptions []aiagent.Option
	fsOptions    []fs.Option
	webOptions   []web.Option
}

// WithChatModel replaces the aiChat model factory.
func WithChatModel(fn aichat.ModelFactory) Option {
	return func(o *options) { o.chatModel = fn }
}

// WithAgentOptions appends options for the aiAgent service.
func WithAgentOptions(opts ...aiagent.Option) Option {
	return func(o *options) { o.agentOptions = append(o.agentOptions, opts...) }
}

// WithFSOptions appends options for the fs service.
func WithFSOptions(opts ...fs.Option) Option {
	return func(o *options) { o.fsOptions = append(o.fsOptions, opts...) }
}

// WithWebOptions appends options for the web service.
func WithWebOptions(opts ...web.Option) Option {
	return func(o *options) { o.webOptions = append(o.webOptions, opts...) }
}

// App owns the collaborators and the sealed table serving them.
type App struct {
	Config  *config.Config
	Table   *registry.Table
	Bus     *event.Bus
	Store   *storage.Storage
	Runtime *Runtime

	Theme   *theme.Service
	FS      *fs.Service
	Web     *web.Service
	MCP     *mcp.Service
	AIChat  *aichat.Service
	AIAgent *aiagent.Service
	Kakeibo *kakeibo.Service
	Auth    *auth.Service

	namespace ipc.Namespace
	log       zerolog.Logger
}

// New builds every collaborator from cfg, registers their channels and
// seals the table. On failure whatever was already opened is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{
		Config:  cfg,
		Bus:     event.NewBus(),
		Store:   storage.New(filepath.Join(cfg.Data.Dir, "storage")),
		Runtime: NewRuntime(logging.Component("runtime"), DefaultDisposeTimeout),
		log:     logging.Component("app"),
	}
	a.Runtime.AddDispose("bus", func(context.Context) error { return a.Bus.Close() })
	a.Bus.SubscribeAll(func(e event.Event) {
		a.log.Debug().Str("event", string(e.Type)).RawJSON("data", e.Data).Msg("App event")
	})
	fail := func(err error) (*App, error) {
		a.Runtime.Dispose(context.Background())
		return nil, err
	}

	if err := a.initTheme(ctx); err != nil {
		return fail(err)
	}

	a.FS = fs.New(append([]fs.Option{fs.WithLogger(logging.Component("fs"))}, o.fsOptions...)...)
	a.Web = web.New(append([]web.Option{web.WithLogger(logging.Component("web"))}, o.webOptions...)...)

	a.MCP = mcp.New(a.demoServer,
		mcp.WithDefaultPort(cfg.MCP.Port),
		mcp.WithBus(a.Bus),
		mcp.WithLogger(logging.Component("mcp")),
	)
	a.Runtime.AddDispose("mcp", func(ctx context.Context) error { return a.MCP.Stop(ctx) })

	chatModel := o.chatModel
	if chatModel == nil {
		chatModel = aichat.FromConfig(llm.Config{
			BaseURL: cfg.AIChat.BaseURL,
			Model:   cfg.AIChat.Model,
			APIKey:  cfg.AIChat.APIKey,
		})
	}
	a.AIChat = aichat.New(chatModel, cfg.AIChat.Model,
		aichat.WithLogger(logging.Component("aiChat")),
		aichat.WithTheme(a.applyTheme),
	)
	a.Runtime.AddDispose("aiChat", func(context.Context) error { return a.AIChat.Close() })

	a.AIAgent = aiagent.New(append([]aiagent.Option{
		aiagent.WithLogger(logging.Component("aiAgent")),
		aiagent.WithStorage(a.Store),
		aiagent.WithDefaults(aiagent.SetupOptions{
			Instructions:     cfg.AIAgent.Instructions,
			ModelName:        cfg.AIAgent.Model,
			BaseURL:          cfg.AIAgent.BaseURL,
			APIKey:           cfg.AIAgent.APIKey,
			Temperature:      cfg.AIAgent.Temperature,
			MCPServerURLList: cfg.AIAgent.MCPServers,
		}),
	}, o.agentOptions...)...)
	a.Runtime.AddDispose("aiAgent", func(context.Context) error { return a.AIAgent.Close() })

	if err := a.initDatabases(ctx); err != nil {
		return fail(err)
	}

	ns, err := merge(
		a.Theme.Namespace(),
		a.FS.Namespace(),
		a.Web.Namespace(),
		a.MCP.Namespace(),
		a.AIChat.Namespace(),
		a.AIAgent.Namespace(),
		a.Kakeibo.Namespace(),
		a.Auth.Namespace(),
	)
	if err != nil {
		return fail(err)
	}
	a.namespace = ns

	a.Table = registry.New(registry.WithLogger(logging.Component("ipc")))
	if err := a.Table.Register(a.namespace); err != nil {
		return fail(fmt.Errorf("register channels: %w", err))
	}
	a.Table.Seal()
	a.Runtime.AddDispose("ipc", func(context.Context) error {
		a.Table.Close()
		return nil
	})
	a.log.Info().Int("channels", len(a.Table.Channels())).Msg("channels registered")
	return a, nil
}

func (a *App) initTheme(ctx context.Context) error {
	var err error
	a.Theme, err = theme.New(ctx, a.Store, a.Bus,
		theme.WithLogger(logging.Component("theme")),
		theme.WithDefaults(theme.Preference{
			Theme:       theme.Theme(a.Config.Theme.Source),
			AccentColor: a.Config.Theme.AccentColor,
		}),
	)
	if err != nil {
		return err
	}
	a.Runtime.AddDispose("theme", func(context.Context) error { return a.Theme.Close() })

	if path := a.Config.Theme.WatchFile; path != "" {
		if _, err := a.Theme.Watch(path); err != nil {
			return fmt.Errorf("watch theme file: %w", err)
		}
	}
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	kakeiboDB, err := sqlite.Open(ctx, a.Config.DataPath(a.Config.Kakeibo.Database))
	if err != nil {
		return err
	}
	a.Runtime.AddDispose("kakeibo", func(context.Context) error { return kakeiboDB.Close() })
	a.Kakeibo = kakeibo.New(kakeiboDB)
	if err := a.Kakeibo.EnsureSchema(ctx); err != nil {
		return err
	}

	authDB, err := sqlite.Open(ctx, a.Config.DataPath(a.Config.Auth.Database))
	if err != nil {
		return err
	}
	a.Auth, err = auth.New(ctx, authDB, auth.WithLogger(logging.Component("auth")))
	if err != nil {
		authDB.Close()
		return err
	}
	a.Runtime.AddDispose("auth", func(context.Context) error { return a.Auth.Close() })
	return nil
}

func (a *App) applyTheme(ctx context.Context, t string) error {
	return a.Theme.SetTheme(ctx, theme.Theme(t))
}

func (a *App) demoServer() *server.MCPServer {
	return demo.NewServer(
		demo.WithLogger(logging.Component("mcp-demo")),
		demo.WithTheme(a.applyTheme),
	)
}

// Namespace returns the full channel tree with handlers.
func (a *App) Namespace() ipc.Namespace {
	return a.namespace
}

// Descriptor returns the channel tree without handlers, for clients.
func (a *App) Descriptor() ipc.Namespace {
	return ipc.Descriptor(a.namespace)
}

// Close disposes every collaborator.
func (a *App) Close(ctx context.Context) error {
	return a.Runtime.Dispose(ctx)
}

// merge combines the top-level groups of each namespace.
func merge(nss ...ipc.Namespace) (ipc.Namespace, error) {
	out := ipc.Namespace{}
	for _, ns := range nss {
		keys := make([]string, 0, len(ns))
		for k := range ns {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, dup := out[k]; dup {
				return nil, fmt.Errorf("namespace %q is defined twice", k)
			}
			out[k] = ns[k]
		}
	}
	return out, nil
}
