package decision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environment knobs, read on every enforcement so an IDE can change them
// between operations without a restart.
const (
	envMinBlockSeverity   = "MIN_BLOCK_SEVERITY"
	envAllowBlockOverride = "ALLOW_BLOCK_OVERRIDE"
)

// Config holds the fallback values used when the environment is silent.
type Config struct {
	MinBlockSeverity   string
	AllowBlockOverride bool
}

// DefaultConfig blocks at every severity and lets the user override.
func DefaultConfig() Config {
	return Config{MinBlockSeverity: SeverityLow, AllowBlockOverride: true}
}

// Handler applies the enforcement state machine to verdicts.
// A nil Dialog fails closed: any verdict that would need user input denies.
type Handler struct {
	dialog   Dialog
	recorder Recorder
	logger   *slog.Logger
	config   Config
}

func NewHandler(dialog Dialog, recorder Recorder, logger *slog.Logger, config Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinBlockSeverity == "" {
		config.MinBlockSeverity = SeverityLow
	}
	return &Handler{dialog: dialog, recorder: recorder, logger: logger, config: config}
}

// Enforce routes one verdict. A nil return lets the operation proceed; an
// *EnforcementError denies it with a client-facing message.
func (h *Handler) Enforce(ctx context.Context, verdict Verdict, op Operation) error {
	switch verdict.Decision {
	case DecisionAllow:
		return nil
	case DecisionBlock:
		return h.enforceBlock(ctx, verdict, op)
	case DecisionConfirm:
		return h.enforceConfirmation(ctx, verdict, op)
	case DecisionNeedMoreInfo:
		return h.needMoreInfoError(verdict, op)
	default:
		// Unknown verdicts deny; the policy service is authoritative.
		h.logger.Warn("unknown policy decision, denying",
			"decision", string(verdict.Decision), "event_id", op.EventID)
		return h.denyError(op)
	}
}

func (h *Handler) enforceBlock(ctx context.Context, verdict Verdict, op Operation) error {
	minSeverity := h.minBlockSeverity()
	severity := verdict.Severity
	if severity == "" {
		severity = "unknown"
	}

	// Critical always blocks; everything else respects the threshold.
	belowThreshold := severity != SeverityCritical &&
		severityRank(severity) < severityRank(minSeverity)
	if belowThreshold {
		h.logger.Info("block below severity threshold, auto-allowing",
			"severity", severity, "min_block_severity", minSeverity,
			"tool", op.Tool, "event_id", op.EventID)
		h.record(ctx, op, UserAllow, verdict.CallType)
		return nil
	}

	if !h.allowBlockOverride() || h.dialog == nil {
		h.record(ctx, op, UserBlock, verdict.CallType)
		return h.denyError(op)
	}

	userDecision, err := h.dialog.RequestBlockingConfirmation(ctx, h.confirmationRequest(verdict, op), op.PromptID, verdict.CallType)
	if err != nil {
		h.logger.Warn("blocking dialog failed, denying",
			"error", err, "event_id", op.EventID)
		userDecision = UserBlock
	}
	h.record(ctx, op, userDecision, verdict.CallType)
	if !userDecision.Allowed() {
		return h.denyError(op)
	}
	return nil
}

func (h *Handler) enforceConfirmation(ctx context.Context, verdict Verdict, op Operation) error {
	if h.dialog == nil {
		h.record(ctx, op, UserBlock, verdict.CallType)
		return h.denyError(op)
	}

	opts := Options{
		ShowAlwaysAllow: verdict.CallType != nil,
		ShowAlwaysBlock: false,
	}
	userDecision, err := h.dialog.RequestConfirmation(ctx, h.confirmationRequest(verdict, op), op.PromptID, verdict.CallType, opts)
	if err != nil {
		h.logger.Warn("confirmation dialog failed, denying",
			"error", err, "event_id", op.EventID)
		userDecision = UserBlock
	}
	h.record(ctx, op, userDecision, verdict.CallType)
	if !userDecision.Allowed() {
		return h.denyError(op)
	}
	return nil
}

func (h *Handler) confirmationRequest(verdict Verdict, op Operation) ConfirmationRequest {
	return ConfirmationRequest{
		EventID:       op.EventID,
		Tool:          op.Tool,
		Server:        op.Server,
		OperationType: op.OperationType,
		IsRequest:     op.IsRequest,
		Severity:      verdict.Severity,
		Reasons:       verdict.reasonsOrDefault(),
		Content:       op.Content,
	}
}

func (h *Handler) record(ctx context.Context, op Operation, userDecision UserDecision, callType *string) {
	if h.recorder == nil {
		return
	}
	confirmation := Confirmation{
		EventID:   op.EventID,
		Direction: op.direction(),
		Decision:  userDecision,
		CallType:  callType,
	}
	if err := h.recorder.RecordUserConfirmation(ctx, confirmation); err != nil {
		h.logger.Warn("failed to record user confirmation",
			"error", err, "event_id", op.EventID, "decision", string(userDecision))
	}
}

// denyError builds the deny message agents key their retry logic on. The
// text is fixed; verdict reasons reach the user through the dialog, never
// through this message.
func (h *Handler) denyError(op Operation) error {
	return &EnforcementError{
		Message: fmt.Sprintf("%s. User blocked the operation", op.errorPrefix()),
	}
}

// needMoreInfoError builds the actionable message telling the agent which
// advisory fields to populate before retrying. No dialog, no recording.
func (h *Handler) needMoreInfoError(verdict Verdict, op Operation) error {
	stage := "CLIENT REQUEST"
	if !op.IsRequest {
		stage = "TOOL RESPONSE"
	}
	fields := translateNeedFields(verdict.NeedFields)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SECURITY POLICY NEEDS MORE INFORMATION FOR REVIEWING %s:\n", stage)
	for _, reason := range verdict.reasonsOrDefault() {
		fmt.Fprintf(&sb, "- %s\n", reason)
	}
	fmt.Fprintf(&sb, "AFFECTED FIELDS: %s\n", strings.Join(fields, ", "))
	sb.WriteString("MANDATORY ACTIONS:\n")
	sb.WriteString("1. Add/Edit ALL affected fields according to the required information\n")
	sb.WriteString("2. Retry the tool call")
	return &EnforcementError{Message: sb.String()}
}

func (h *Handler) minBlockSeverity() string {
	switch v := os.Getenv(envMinBlockSeverity); v {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return v
	case "":
		return h.config.MinBlockSeverity
	default:
		h.logger.Warn("invalid severity threshold, using configured default",
			"value", v, "default", h.config.MinBlockSeverity)
		return h.config.MinBlockSeverity
	}
}

func (h *Handler) allowBlockOverride() bool {
	raw := os.Getenv(envAllowBlockOverride)
	if raw == "" {
		return h.config.AllowBlockOverride
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return h.config.AllowBlockOverride
	}
	return v
}
