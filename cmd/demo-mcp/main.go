// Command demo-mcp runs the demo MCP server over stdio. With --host, the
// change_theme tool forwards to theme.setTheme on a running
// template-electron host.
package main

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/srymh/template-electron/internal/logging"
	"github.com/srymh/template-electron/internal/transport/websocket"
	"github.com/srymh/template-electron/pkg/mcpserver/demo"
)

func main() {
	var hostURL string

	cmd := &cobra.Command{
		Use:          "demo-mcp",
		Short:        "Run the demo MCP server over stdio",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol.
			cfg := logging.DefaultConfig()
			cfg.Output = os.Stderr
			logging.Init(cfg)

			opts := []demo.Option{demo.WithLogger(logging.Component("demo-mcp"))}
			if hostURL != "" {
				wsOpts := websocket.DefaultClientOptions()
				wsOpts.URL = hostURL
				client, err := websocket.Dial(cmd.Context(), wsOpts)
				if err != nil {
					return err
				}
				defer client.Close()

				opts = append(opts, demo.WithTheme(func(ctx context.Context, theme string) error {
					_, err := client.Invoke(ctx, "theme.setTheme", map[string]string{"theme": theme})
					return err
				}))
			}

			return server.ServeStdio(demo.NewServer(opts...))
		},
	}
	cmd.Flags().StringVar(&hostURL, "host", "", "WebSocket URL of a template-electron host, e.g. ws://127.0.0.1:5174/ws")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
