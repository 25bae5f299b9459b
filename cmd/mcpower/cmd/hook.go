package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	auditsink "github.com/mcpower-security/mcpower/internal/adapter/outbound/audit"
	"github.com/mcpower-security/mcpower/internal/adapter/outbound/dialog"
	policyclient "github.com/mcpower-security/mcpower/internal/adapter/outbound/policy"
	"github.com/mcpower-security/mcpower/internal/config"
	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/hook"
	"github.com/mcpower-security/mcpower/internal/domain/identity"
)

// hookRuntime bundles what a hook invocation needs and how to tear it down.
type hookRuntime struct {
	deps  hook.Deps
	trail *audit.Trail
}

func (r *hookRuntime) close() {
	_ = r.trail.Close()
}

// newHookRuntime wires the short-lived hook process: config, logger, audit
// trail, policy client and enforcement. Hooks share the wrapper's stack; the
// only difference is lifetime.
func newHookRuntime() (*hookRuntime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	userUID, err := identity.EnsureUserUID(logger)
	if err != nil {
		logger.Warn("user uid unavailable", "error", err)
	}

	var sinks []audit.Sink
	fileSink, err := auditsink.NewFileSink(auditsink.FileConfig{
		Dir:           cfg.Audit.Dir,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	sinks = append(sinks, fileSink)
	if cfg.Audit.SQLitePath != "" {
		sqliteSink, err := auditsink.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit sink: %w", err)
		}
		sinks = append(sinks, sqliteSink)
	}
	// Hook processes have no stable session; the IDE's ids arrive on stdin
	// and the trail's own session id only covers process-level events.
	trail := audit.NewTrail(identity.NewSessionID(), logger, sinks...)

	policyTimeout, _ := time.ParseDuration(cfg.Policy.Timeout)
	inspector := policyclient.NewClient(policyclient.Config{
		BaseURL: cfg.Policy.URL,
		Token:   cfg.Policy.Token,
		Version: Version,
		UserUID: userUID,
		Timeout: policyTimeout,
	}, logger, trail)

	dialogTimeout, _ := time.ParseDuration(cfg.Dialog.Timeout)
	confirmDialog := dialog.New(dialog.Config{
		Command: cfg.Dialog.Command,
		Timeout: dialogTimeout,
	}, logger, trail)

	return &hookRuntime{
		deps: hook.Deps{
			Inspector: inspector,
			Enforcer:  decision.NewHandler(confirmDialog, inspector, logger, decision.DefaultConfig()),
			Trail:     trail,
			Logger:    logger,
		},
		trail: trail,
	}, nil
}

// writeHookFailure prints a deny-shaped body so the IDE shows something
// actionable instead of a silent failure, then logs the cause.
func writeHookFailure(body string, err error) {
	fmt.Println(body)
	slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("hook wiring failed", "error", err)
}
