// Package commands provides the CLI commands for template-electron.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srymh/template-electron/internal/config"
	"github.com/srymh/template-electron/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "template-electron",
	Short: "Typed IPC host with theme, fs, web, MCP and AI collaborators",
	Long: `template-electron hosts a typed IPC registration table and serves it
over WebSocket and Server-Sent Events.

Run 'template-electron serve' to start the host, then use 'call', 'watch',
'channels' or 'chat' to talk to it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print human readable logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Directory holding template-electron.{json,jsonc,yaml}")

	rootCmd.SetVersionTemplate(fmt.Sprintf("template-electron %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(chatCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig loads the configuration and initializes logging from it and
// the global flags.
func loadConfig() (*config.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logCfg.Level = logging.ParseLevel(level)
	logCfg.Pretty = printLogs || cfg.Log.Pretty
	logCfg.LogToFile = cfg.Log.File
	logging.Init(logCfg)
	return cfg, nil
}
