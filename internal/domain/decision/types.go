// Package decision enforces policy verdicts: it routes each verdict into an
// auto-allow, an immediate deny, or a user confirmation dialog, and records
// the resulting user decision.
package decision

import "context"

// Decision is the verdict category returned by the policy service.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionBlock        Decision = "block"
	DecisionConfirm      Decision = "required_explicit_user_confirmation"
	DecisionNeedMoreInfo Decision = "need_more_info"
)

// Severity levels, ordered. Anything unrecognized ranks as high.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityRank orders severities for threshold comparison.
func severityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 3
	}
}

// UserDecision is what the user picked in a confirmation dialog.
type UserDecision string

const (
	UserAllow       UserDecision = "ALLOW"
	UserAllowAlways UserDecision = "ALLOW_ALWAYS"
	UserBlock       UserDecision = "BLOCK"
)

// Allowed reports whether the decision lets the operation proceed.
func (d UserDecision) Allowed() bool {
	return d == UserAllow || d == UserAllowAlways
}

// Verdict is a policy inspection result.
type Verdict struct {
	Decision     Decision `json:"decision"`
	Severity     string   `json:"severity,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	NeedFields   []string `json:"need_fields,omitempty"`
	CallType     *string  `json:"call_type,omitempty"`
}

// Operation carries the context of the inspected MCP operation.
type Operation struct {
	EventID       string
	PromptID      string
	Tool          string
	Server        string
	OperationType string
	IsRequest     bool
	Content       any

	// ErrorPrefix overrides the leading text of deny messages.
	// Empty means "Security Violation".
	ErrorPrefix string
}

func (op Operation) direction() string {
	if op.IsRequest {
		return "request"
	}
	return "response"
}

// EnforcementError denies an operation. Its message is the exact text shown
// to the calling agent.
type EnforcementError struct {
	Message string
}

func (e *EnforcementError) Error() string { return e.Message }

// ConfirmationRequest is the payload presented to the user in a dialog.
type ConfirmationRequest struct {
	EventID       string
	Tool          string
	Server        string
	OperationType string
	IsRequest     bool
	Severity      string
	Reasons       []string
	Content       any
}

// Options tune which buttons a confirmation dialog offers.
type Options struct {
	ShowAlwaysAllow bool
	ShowAlwaysBlock bool
}

// Dialog blocks until the user answers or the dialog times out. A timeout
// surfaces as UserBlock, not as an error.
type Dialog interface {
	RequestConfirmation(ctx context.Context, req ConfirmationRequest, promptID string, callType *string, opts Options) (UserDecision, error)
	RequestBlockingConfirmation(ctx context.Context, req ConfirmationRequest, promptID string, callType *string) (UserDecision, error)
}

// Confirmation is the record of a user (or automatic) decision.
type Confirmation struct {
	EventID   string       `json:"event_id"`
	Direction string       `json:"direction"`
	Decision  UserDecision `json:"user_decision"`
	CallType  *string      `json:"call_type,omitempty"`
}

// Recorder echoes user decisions back to the policy service. Best effort;
// failures must not change the operation outcome.
type Recorder interface {
	RecordUserConfirmation(ctx context.Context, confirmation Confirmation) error
}

func (v Verdict) reasonsOrDefault() []string {
	if len(v.Reasons) == 0 {
		return []string{"Policy violation"}
	}
	return v.Reasons
}

func (op Operation) errorPrefix() string {
	if op.ErrorPrefix != "" {
		return op.ErrorPrefix
	}
	return "Security Violation"
}
