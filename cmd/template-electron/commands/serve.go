package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srymh/template-electron/internal/app"
	"github.com/srymh/template-electron/internal/config"
	"github.com/srymh/template-electron/internal/logging"
	"github.com/srymh/template-electron/internal/server"
)

var (
	servePort     int
	serveHostname string
	serveMCP      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IPC host",
	Long: `Start the IPC host. Clients connect over WebSocket at /ws, subscribe to
event channels over Server-Sent Events at /events/{channel} and list the
channels at /api/channels.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "Start the demo MCP server on the configured port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Host = serveHostname
	}

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	logging.Info().Str("version", Version).Str("data", cfg.Data.Dir).Msg("Starting template-electron host")

	ctx := context.Background()
	host, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	if serveMCP {
		if err := host.MCP.Start(cfg.MCP.Port); err != nil {
			logging.Warn().Err(err).Msg("Failed to start MCP server")
		}
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = cfg.Server.Addr()
	serverConfig.WebSocketPath = cfg.WebSocket.Path
	serverConfig.CORSOrigins = cfg.Server.CORS

	srv := server.New(serverConfig, host.Table, server.WithLogger(logging.Component("server")))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			host.Close(context.Background())
			return err
		}
	}

	logging.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Server shutdown error")
	}
	if err := host.Close(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Dispose error")
	}

	logging.Info().Msg("Server stopped")
	logging.Close()
	return nil
}
