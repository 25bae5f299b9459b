// Package hook implements the short-lived IDE hook handlers. Each hook
// process reads one JSON object from stdin, runs one pipeline's worth of
// redaction, parsing and policy inspection, prints an IDE-shaped verdict on
// stdout and exits. Routers adapt the Claude Code and Cursor wire formats
// onto a shared handler layer.
package hook

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/identity"
	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

// maxStdinBytes bounds how much hook input is read before parsing.
const maxStdinBytes = 10 << 20

var validate = validator.New()

// Auditor records hook audit events. The trail satisfies this.
type Auditor interface {
	Record(event audit.Event)
	SetAppUID(appUID string)
}

// Config carries the IDE-specific handler settings.
type Config struct {
	// ServerName is the synthetic server name hooks report to the policy
	// service, e.g. "claude_code_tools".
	ServerName string
	// ClientName identifies the IDE, e.g. "claude-code".
	ClientName string
	// MaxContentLength truncates inspected content before redaction.
	MaxContentLength int
}

// Deps are the shared collaborators every handler uses.
type Deps struct {
	Inspector policy.Inspector
	Enforcer  *decision.Handler
	Trail     Auditor
	Logger    *slog.Logger
}

// IDs identify one hook invocation.
type IDs struct {
	SessionID string
	PromptID  string
	EventID   string
}

// Outcome is a handler verdict. Err marks a validation or internal failure,
// which routers surface as a deny-shaped body plus exit code 1; a policy
// deny is a normal outcome (Allowed=false, Err=nil).
type Outcome struct {
	Allowed      bool
	UserMessage  string
	AgentMessage string
	Err          error
}

// HookDescriptor names one IDE hook for policy-service registration.
type HookDescriptor struct {
	Name        string
	Description string
}

// Attachment is a prompt or file attachment passed by the IDE.
type Attachment struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// Handlers is the IDE-agnostic hook handler layer.
type Handlers struct {
	cfg       Config
	inspector policy.Inspector
	enforcer  *decision.Handler
	trail     Auditor
	logger    *slog.Logger
}

// NewHandlers builds the handler layer for one IDE configuration.
func NewHandlers(cfg Config, deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 100000
	}
	return &Handlers{
		cfg:       cfg,
		inspector: deps.Inspector,
		enforcer:  deps.Enforcer,
		trail:     deps.Trail,
		logger:    logger,
	}
}

// BindAppUID resolves the workspace app uid and attaches it to the audit
// trail. Failures are logged only; the hook still runs.
func (h *Handlers) BindAppUID(workspaceRoot string) {
	uid, err := identity.EnsureAppUID(workspaceRoot, h.logger)
	if err != nil {
		h.logger.Warn("app uid unavailable", "workspace", workspaceRoot, "error", err)
		return
	}
	h.trail.SetAppUID(uid)
}

func (h *Handlers) server() policy.Server {
	return policy.Server{Name: h.cfg.ServerName, Transport: "hook"}
}
