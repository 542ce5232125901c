// Package demo provides the demo MCP server with the print_hello and
// change_theme tools.
package demo

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	Name    = "Demo"
	Version = "1.0.0"
)

// ThemeFunc applies a theme chosen by the change_theme tool.
type ThemeFunc func(ctx context.Context, theme string) error

// Option configures the server.
type Option func(*options)

type options struct {
	log   zerolog.Logger
	theme ThemeFunc
}

// WithLogger sets the logger print_hello writes to.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTheme sets the function change_theme calls.
func WithTheme(fn ThemeFunc) Option {
	return func(o *options) { o.theme = fn }
}

// NewServer creates the demo MCP server.
func NewServer(opts ...Option) *server.MCPServer {
	o := &options{log: log.Logger}
	for _, opt := range opts {
		opt(o)
	}

	s := server.NewMCPServer(
		Name,
		Version,
		server.WithToolCapabilities(true),
	)

	printHello := mcp.NewTool("print_hello",
		mcp.WithTitleAnnotation("ユーザーが指示したメッセージをログに出力します。"),
		mcp.WithDescription("ユーザーが指示したメッセージをログに出力します。"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("ログに出力するメッセージ"),
		),
	)
	s.AddTool(printHello, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := request.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		o.log.Info().Str("tool", "print_hello").Msg(message)
		return mcp.NewToolResultText(fmt.Sprintf("ログに「%s」を出力しました。", message)), nil
	})

	changeTheme := mcp.NewTool("change_theme",
		mcp.WithTitleAnnotation("テーマ変更"),
		mcp.WithDescription("テーマを変更します。lightかdarkを指定してください。"),
		mcp.WithString("theme",
			mcp.Required(),
			mcp.Enum("light", "dark"),
		),
	)
	s.AddTool(changeTheme, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		theme, err := request.RequireString("theme")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if theme != "light" && theme != "dark" {
			return mcp.NewToolResultError(fmt.Sprintf("theme must be light or dark, got %q", theme)), nil
		}
		if o.theme != nil {
			if err := o.theme(ctx, theme); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
		}
		o.log.Info().Str("tool", "change_theme").Str("theme", theme).Msg("theme")
		return mcp.NewToolResultText(fmt.Sprintf("テーマを「%s」に変更しました。", theme)), nil
	})

	return s
}
