package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mcpower-security/mcpower/internal/adapter/inbound/stdio"
	auditsink "github.com/mcpower-security/mcpower/internal/adapter/outbound/audit"
	"github.com/mcpower-security/mcpower/internal/adapter/outbound/cel"
	"github.com/mcpower-security/mcpower/internal/adapter/outbound/dialog"
	mcpclient "github.com/mcpower-security/mcpower/internal/adapter/outbound/mcp"
	policyclient "github.com/mcpower-security/mcpower/internal/adapter/outbound/policy"
	"github.com/mcpower-security/mcpower/internal/config"
	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/identity"
	"github.com/mcpower-security/mcpower/internal/domain/proxy"
	"github.com/mcpower-security/mcpower/internal/observability"
	"github.com/mcpower-security/mcpower/internal/service"
)

var wrapCmd = &cobra.Command{
	Use:   "wrap -- <server-command> [args...]",
	Short: "Wrap an MCP server with the security proxy",
	Long: `Wrap spawns the given MCP server as a subprocess and sits between it and
the MCP client on stdio. Every operation is inspected against the policy
service before the server sees it, and every result is inspected before the
client sees it. Sensitive data is redacted from inspection payloads and the
audit trail; blocked operations are answered with a JSON-RPC error carrying
the policy's reason.

Examples:
  # Wrap a filesystem server
  mcpower wrap -- npx -y @modelcontextprotocol/server-filesystem /workspace

  # Wrap a local server binary with arguments
  mcpower wrap -- ./my-mcp-server --port-less`,
	RunE:         runWrap,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(wrapCmd)
}

func runWrap(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no server command specified; usage: mcpower wrap -- <command> [args...]")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := identity.NewSessionID()

	userUID, err := identity.EnsureUserUID(logger)
	if err != nil {
		logger.Warn("user uid unavailable", "error", err)
	}

	// Audit trail: JSONL always, SQLite when configured.
	var sinks []audit.Sink
	fileSink, err := auditsink.NewFileSink(auditsink.FileConfig{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
	}, logger)
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	sinks = append(sinks, fileSink)
	if cfg.Audit.SQLitePath != "" {
		sqliteSink, err := auditsink.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite audit sink: %w", err)
		}
		sinks = append(sinks, sqliteSink)
	}
	trail := audit.NewTrail(sessionID, logger, sinks...)
	defer func() { _ = trail.Close() }()

	policyTimeout, _ := time.ParseDuration(cfg.Policy.Timeout)
	inspector := policyclient.NewClient(policyclient.Config{
		BaseURL: cfg.Policy.URL,
		Token:   cfg.Policy.Token,
		Version: Version,
		UserUID: userUID,
		Timeout: policyTimeout,
	}, logger, trail)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if addr := metricsAddr(cfg); addr != "" {
		go func() {
			if err := observability.ServeMetrics(ctx, addr, reg, logger); err != nil {
				logger.Warn("metrics listener failed", "addr", addr, "error", err)
			}
		}()
	}

	telemetry, err := observability.NewTelemetry(Version, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	dialogTimeout, _ := time.ParseDuration(cfg.Dialog.Timeout)
	confirmDialog := dialog.New(dialog.Config{
		Command: cfg.Dialog.Command,
		Timeout: dialogTimeout,
		Metrics: metrics,
	}, logger, trail)

	enforcer := decision.NewHandler(confirmDialog, inspector, logger, decision.DefaultConfig())

	deps := proxy.Deps{
		Inspector: inspector,
		Enforcer:  enforcer,
		Trail:     trail,
		Metrics:   metrics,
		UIDSinks:  []proxy.AppUIDSink{trail, inspector},
	}
	if len(cfg.Policy.LocalRules) > 0 {
		filter, err := cel.NewFilter(cfg.Policy.LocalRules, logger)
		if err != nil {
			return fmt.Errorf("compile local rules: %w", err)
		}
		deps.Filter = filter
	}

	interceptor := proxy.NewPolicyInterceptor(proxy.Config{
		ServerName:    filepath.Base(args[0]),
		Transport:     "stdio",
		SessionID:     sessionID,
		WorkspaceRoot: cfg.Workspace.Root,
	}, deps, proxy.NewPassthroughInterceptor(), logger)

	client := mcpclient.NewStdioClient(args[0], args[1:]...)
	proxyService := service.NewProxyService(client, interceptor, logger)
	proxyService.SetMetrics(metrics)

	transport := stdio.NewTransport(proxyService)
	logger.Info("wrapping MCP server",
		"command", args[0], "args", args[1:], "session_id", sessionID)

	if err := transport.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("proxy terminated: %w", err)
	}
	return nil
}

// metricsAddr resolves the metrics listen address: the environment wins over
// the config file.
func metricsAddr(cfg *config.Config) string {
	if addr := os.Getenv("MCPOWER_METRICS_ADDR"); addr != "" {
		return addr
	}
	return cfg.Metrics.Addr
}
