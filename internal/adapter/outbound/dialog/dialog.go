// Package dialog shows confirmation prompts to the user through an external
// helper program. The helper receives one JSON request on stdin and answers
// with one JSON object on stdout; without a configured helper every prompt
// auto-denies.
package dialog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/observability"
)

const defaultTimeout = 60 * time.Second

// Auditor records user interaction events. A nil auditor disables them.
type Auditor interface {
	Record(event audit.Event)
}

// Config selects the helper program and its answer deadline.
type Config struct {
	// Command is the helper argv. Empty means no helper: auto-deny.
	Command []string
	// Timeout is how long the user has to answer (default 60s).
	Timeout time.Duration
	// Metrics counts dialog outcomes when set.
	Metrics *observability.Metrics
}

// New returns a helper-backed dialog, or the auto-deny fallback when no
// helper command is configured.
func New(cfg Config, logger *slog.Logger, auditor Auditor) decision.Dialog {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Command) == 0 {
		return &AutoDeny{logger: logger}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Helper{
		command: cfg.Command,
		timeout: cfg.Timeout,
		logger:  logger,
		auditor: auditor,
		metrics: cfg.Metrics,
	}
}

// helperRequest is the JSON object written to the helper's stdin.
type helperRequest struct {
	Kind          string   `json:"kind"`
	Title         string   `json:"title"`
	Message       string   `json:"message"`
	Buttons       []string `json:"buttons"`
	DefaultButton int      `json:"default_button"`
	Server        string   `json:"server"`
	Tool          string   `json:"tool"`
	Severity      string   `json:"severity"`
	EventID       string   `json:"event_id"`
}

// helperResponse is the JSON object expected on the helper's stdout.
type helperResponse struct {
	Decision string `json:"decision"`
}

// Helper runs the configured program once per prompt and blocks until it
// answers or the deadline passes. A deadline counts as a block, not an
// error. Only one dialog runs at a time.
type Helper struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
	auditor Auditor
	metrics *observability.Metrics

	mu sync.Mutex
}

var _ decision.Dialog = (*Helper)(nil)

func (h *Helper) RequestConfirmation(ctx context.Context, req decision.ConfirmationRequest, promptID string, callType *string, opts decision.Options) (decision.UserDecision, error) {
	buttons := []string{"Block"}
	if opts.ShowAlwaysBlock {
		buttons = append(buttons, "Always Block")
	}
	buttons = append(buttons, "Allow")
	allowIndex := len(buttons) - 1
	if opts.ShowAlwaysAllow {
		buttons = append(buttons, "Always Allow")
	}

	h.audit(req.EventID, promptID, "user_interaction", map[string]any{
		"type":        "dialog",
		"interaction": "explicit user confirmation",
	})
	result, err := h.run(ctx, helperRequest{
		Kind:          "confirmation",
		Title:         "MCPower Security Confirmation Required",
		Message:       promptMessage(req),
		Buttons:       buttons,
		DefaultButton: allowIndex,
		Server:        req.Server,
		Tool:          req.Tool,
		Severity:      req.Severity,
		EventID:       req.EventID,
	})
	if err != nil {
		return decision.UserBlock, err
	}
	h.count("confirmation", result)
	h.audit(req.EventID, promptID, "user_interaction_result", map[string]any{
		"decision": string(result),
	})
	return result, nil
}

func (h *Helper) RequestBlockingConfirmation(ctx context.Context, req decision.ConfirmationRequest, promptID string, callType *string) (decision.UserDecision, error) {
	h.audit(req.EventID, promptID, "user_interaction", map[string]any{
		"type":        "dialog",
		"interaction": "block recommendation",
	})
	result, err := h.run(ctx, helperRequest{
		Kind:          "blocking",
		Title:         "MCPower Security Request Blocked",
		Message:       promptMessage(req),
		Buttons:       []string{"Block", "Allow Anyway"},
		DefaultButton: 0,
		Server:        req.Server,
		Tool:          req.Tool,
		Severity:      req.Severity,
		EventID:       req.EventID,
	})
	if err != nil {
		return decision.UserBlock, err
	}
	// the blocking dialog offers no "always" answers
	if result != decision.UserAllow {
		result = decision.UserBlock
	}
	h.count("blocking", result)
	h.audit(req.EventID, promptID, "user_interaction_result", map[string]any{
		"decision": string(result),
	})
	return result, nil
}

// run serializes dialogs, spawns the helper and maps its answer. A timed-out
// helper is killed and the prompt counts as blocked.
func (h *Helper) run(ctx context.Context, req helperRequest) (decision.UserDecision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return decision.UserBlock, fmt.Errorf("encode dialog request: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.command[0], h.command[1:]...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			h.logger.Warn("confirmation dialog timed out, blocking operation",
				"tool", req.Tool, "event_id", req.EventID)
			return decision.UserBlock, nil
		}
		return decision.UserBlock, fmt.Errorf("dialog helper failed: %w", err)
	}

	var resp helperResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return decision.UserBlock, fmt.Errorf("decode dialog answer: %w", err)
	}
	switch decision.UserDecision(resp.Decision) {
	case decision.UserAllow:
		return decision.UserAllow, nil
	case decision.UserAllowAlways:
		return decision.UserAllowAlways, nil
	default:
		return decision.UserBlock, nil
	}
}

func (h *Helper) count(kind string, result decision.UserDecision) {
	if h.metrics != nil {
		h.metrics.DialogsTotal.WithLabelValues(kind, string(result)).Inc()
	}
}

func (h *Helper) audit(eventID, promptID, eventType string, data map[string]any) {
	if h.auditor == nil {
		return
	}
	h.auditor.Record(audit.Event{
		EventType: eventType,
		EventID:   eventID,
		PromptID:  promptID,
		Data:      data,
	})
}

// promptMessage renders the dialog body. Only the first reason is shown.
func promptMessage(req decision.ConfirmationRequest) string {
	reason := "Policy violation"
	if len(req.Reasons) > 0 {
		reason = req.Reasons[0]
	}
	return fmt.Sprintf("Server: %s\nTool: %s\n\nPolicy Alert (%s):\n%s",
		req.Server, req.Tool, titleCase(req.Severity), reason)
}

func titleCase(s string) string {
	if s == "" {
		return "High"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// AutoDeny blocks every prompt. It stands in when no dialog helper is
// configured so enforcement stays fail-closed.
type AutoDeny struct {
	logger *slog.Logger
}

var _ decision.Dialog = (*AutoDeny)(nil)

func (d *AutoDeny) RequestConfirmation(ctx context.Context, req decision.ConfirmationRequest, promptID string, callType *string, opts decision.Options) (decision.UserDecision, error) {
	d.logger.Warn("no dialog helper configured, denying confirmation",
		"tool", req.Tool, "event_id", req.EventID)
	return decision.UserBlock, nil
}

func (d *AutoDeny) RequestBlockingConfirmation(ctx context.Context, req decision.ConfirmationRequest, promptID string, callType *string) (decision.UserDecision, error) {
	d.logger.Warn("no dialog helper configured, keeping block",
		"tool", req.Tool, "event_id", req.EventID)
	return decision.UserBlock, nil
}
