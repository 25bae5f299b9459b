// Package cmd provides the CLI commands for MCPower.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpower-security/mcpower/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpower",
	Short: "MCPower - security layer for AI agents",
	Long: `MCPower is a security layer between AI agents and the tools they use.

It wraps MCP servers with a transparent stdio proxy that inspects every
operation against a policy service, redacts sensitive data from what leaves
the machine, and keeps an audit trail. It also ships IDE hook handlers for
Claude Code and Cursor.

Quick start:
  mcpower wrap -- npx -y @modelcontextprotocol/server-filesystem /workspace

Configuration:
  Config is loaded from mcpower.yaml in the current directory,
  $HOME/.mcpower/, or /etc/mcpower/.

  Environment variables can override config values with the MCPOWER_ prefix.
  Example: MCPOWER_POLICY_URL=https://policy.example.com

Commands:
  wrap        Wrap an MCP server with the security proxy
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpower.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the process logger. Everything goes to stderr: stdout is
// the MCP wire in wrap mode and the hook verdict in hook mode.
func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	if os.Getenv("MCPOWER_DEBUG") != "" {
		slogLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
}
