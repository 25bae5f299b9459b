package policy

import (
	"time"
)

// LocalRule is one user-configured pre-filter rule. Rules are evaluated
// before the remote inspection: a matching allow rule skips the API call,
// a matching block rule denies without one.
type LocalRule struct {
	// Name identifies the rule in verdicts and logs.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Expr is the CEL expression. It must evaluate to a boolean.
	Expr string `yaml:"expr" mapstructure:"expr" validate:"required"`
	// Decision is "allow" or "block".
	Decision string `yaml:"decision" mapstructure:"decision" validate:"required,oneof=allow block"`
	// Severity applies to block rules (default high).
	Severity string `yaml:"severity,omitempty" mapstructure:"severity" validate:"omitempty,oneof=low medium high critical"`
	// Reason is the text shown when the rule matches.
	Reason string `yaml:"reason,omitempty" mapstructure:"reason"`
}

// EvaluationContext carries the operation attributes rules can match on.
type EvaluationContext struct {
	Tool          string
	Server        string
	OperationType string
	SessionID     string
	Arguments     map[string]any
	RequestTime   time.Time
}
