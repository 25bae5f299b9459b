package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mcpower-security/mcpower/internal/domain/identity"
)

// claudeHooks describe the hook points registered with the policy service.
var claudeHooks = []HookDescriptor{
	{
		Name: "UserPromptSubmit",
		Description: "Runs when the user submits a prompt, before the agent processes it. " +
			"Allows validating prompts or blocking certain types of prompts.",
	},
	{
		Name: "PreToolUse(Read)",
		Description: "Triggered before the agent reads a file. " +
			"Allows inspection and potential blocking of file read operations.",
	},
	{
		Name: "PreToolUse(Grep)",
		Description: "Triggered before the agent searches file contents. " +
			"Allows inspection and potential blocking of file search operations.",
	},
	{
		Name: "PreToolUse(Bash)",
		Description: "Triggered before a shell command is executed by the agent. " +
			"Allows inspection and potential blocking of shell commands.",
	},
}

// claudeInput is the JSON object Claude Code writes to the hook's stdin.
type claudeInput struct {
	HookEventName string          `json:"hook_event_name" validate:"required"`
	SessionID     string          `json:"session_id" validate:"required"`
	Cwd           string          `json:"cwd" validate:"required"`
	Prompt        string          `json:"prompt"`
	ToolName      string          `json:"tool_name"`
	ToolInput     claudeToolInput `json:"tool_input"`
}

type claudeToolInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	Command  string `json:"command"`
}

// ClaudeRouter adapts Claude Code hook invocations onto the shared
// handlers. Verdicts use Claude Code's structured output: permission hooks
// answer {"permissionDecision": ...}, UserPromptSubmit answers {} or a
// block object. Exit code 0 covers every produced verdict; 1 marks
// validation or internal failure.
type ClaudeRouter struct {
	handlers *Handlers
	logger   *slog.Logger
}

// NewClaudeRouter builds the Claude Code hook router.
func NewClaudeRouter(deps Deps) *ClaudeRouter {
	cfg := Config{
		ServerName:       "claude_code_tools",
		ClientName:       "claude-code",
		MaxContentLength: 100000,
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeRouter{handlers: NewHandlers(cfg, deps), logger: logger}
}

// Run handles one hook invocation end to end and returns the process exit
// code.
func (r *ClaudeRouter) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	raw, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
	if err != nil {
		r.logger.Error("failed to read hook input", "error", err)
		writeJSON(stdout, claudePermission(Outcome{AgentMessage: "failed to read hook input"}))
		return 1
	}

	var in claudeInput
	if err := json.Unmarshal(raw, &in); err != nil {
		r.logger.Error("failed to parse hook input", "error", err)
		writeJSON(stdout, claudePermission(Outcome{AgentMessage: "invalid hook input"}))
		return 1
	}
	if err := validate.Struct(in); err != nil {
		r.logger.Error("hook input validation failed", "error", err)
		writeJSON(stdout, claudePermission(Outcome{AgentMessage: "missing required hook field"}))
		return 1
	}

	ids := IDs{
		SessionID: in.SessionID,
		PromptID:  identity.DefaultPromptID(in.SessionID),
		EventID:   identity.NewEventID(),
	}
	roots := []string{in.Cwd}
	r.handlers.BindAppUID(in.Cwd)

	r.logger.Info("routing hook",
		"event", in.HookEventName, "prompt_id", ids.PromptID, "event_id", ids.EventID, "cwd", in.Cwd)

	switch in.HookEventName {
	case "SessionStart":
		r.handlers.Init(ctx, ids, roots, claudeHooks)
		writeJSON(stdout, map[string]any{})
		return 0

	case "UserPromptSubmit":
		out := r.handlers.PromptSubmit(ctx, ids, roots, in.Prompt, nil, "UserPromptSubmit")
		if out.Err != nil {
			r.logger.Error("prompt submit handler failed", "error", out.Err)
			writeJSON(stdout, claudeContinue(Outcome{AgentMessage: "internal error"}))
			return 1
		}
		writeJSON(stdout, claudeContinue(out))
		return 0

	case "PreToolUse":
		return r.runPreToolUse(ctx, ids, roots, in, stdout)

	default:
		r.logger.Error("unknown hook event", "event", in.HookEventName)
		writeJSON(stdout, claudePermission(Outcome{AgentMessage: "unknown hook event"}))
		return 1
	}
}

func (r *ClaudeRouter) runPreToolUse(ctx context.Context, ids IDs, roots []string, in claudeInput, stdout io.Writer) int {
	var out Outcome
	switch in.ToolName {
	case "Read", "Grep":
		if in.ToolInput.FilePath == "" {
			r.logger.Error("missing tool_input.file_path")
			writeJSON(stdout, claudePermission(Outcome{AgentMessage: "missing file_path"}))
			return 1
		}
		hookName := fmt.Sprintf("PreToolUse(%s)", in.ToolName)
		out = r.handlers.ReadFile(ctx, ids, roots, in.ToolInput.FilePath, in.ToolInput.Content, nil, hookName)

	case "Bash":
		if in.ToolInput.Command == "" {
			r.logger.Error("missing tool_input.command")
			writeJSON(stdout, claudePermission(Outcome{AgentMessage: "missing command"}))
			return 1
		}
		out = r.handlers.ShellExecution(ctx, ids, roots, in.ToolInput.Command, in.Cwd, "PreToolUse(Bash)")

	default:
		r.logger.Warn("unknown tool in PreToolUse, allowing", "tool", in.ToolName)
		writeJSON(stdout, map[string]any{"permissionDecision": "allow"})
		return 0
	}

	if out.Err != nil {
		r.logger.Error("hook handler failed", "tool", in.ToolName, "error", out.Err)
		writeJSON(stdout, claudePermission(Outcome{AgentMessage: "internal error"}))
		return 1
	}
	writeJSON(stdout, claudePermission(out))
	return 0
}

// claudePermission shapes a PreToolUse verdict.
func claudePermission(out Outcome) map[string]any {
	body := map[string]any{"permissionDecision": "deny"}
	if out.Allowed {
		body["permissionDecision"] = "allow"
	}
	if reason := firstNonEmpty(out.AgentMessage, out.UserMessage); reason != "" {
		body["permissionDecisionReason"] = reason
	}
	return body
}

// claudeContinue shapes a UserPromptSubmit verdict: empty object allows,
// a block object stops the prompt.
func claudeContinue(out Outcome) map[string]any {
	if out.Allowed {
		return map[string]any{}
	}
	reason := firstNonEmpty(out.AgentMessage, out.UserMessage)
	if reason == "" {
		reason = "Blocked by security policy"
	}
	return map[string]any{"decision": "block", "reason": reason}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w io.Writer, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
