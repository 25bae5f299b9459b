package hook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mcpower-security/mcpower/internal/domain/identity"
)

// cursorHooks describe the hook points registered with the policy service.
var cursorHooks = []HookDescriptor{
	{Name: "beforeSubmitPrompt", Description: "Runs before a user prompt is submitted to the agent."},
	{Name: "beforeMCPExecution", Description: "Runs before an MCP tool call is executed."},
	{Name: "beforeReadFile", Description: "Runs before the agent reads a file."},
	{Name: "beforeShellExecution", Description: "Runs before a shell command is executed."},
	{Name: "afterShellExecution", Description: "Runs after a shell command finished, inspecting its output."},
}

// cursorInput is the JSON object Cursor writes to the hook's stdin. Common
// fields are always present; hook-specific fields are pointers so missing
// ones are distinguishable from empty ones.
type cursorInput struct {
	ConversationID string   `json:"conversation_id" validate:"required"`
	GenerationID   string   `json:"generation_id" validate:"required"`
	HookEventName  string   `json:"hook_event_name" validate:"required"`
	WorkspaceRoots []string `json:"workspace_roots" validate:"required,min=1"`

	Prompt      *string      `json:"prompt"`
	Attachments []Attachment `json:"attachments"`
	FilePath    *string      `json:"file_path"`
	Content     *string      `json:"content"`
	Command     *string      `json:"command"`
	Cwd         *string      `json:"cwd"`
	Output      *string      `json:"output"`
	ToolName    *string      `json:"tool_name"`
	ToolInput   *string      `json:"tool_input"`
	URL         *string      `json:"url"`
}

// CursorRouter adapts Cursor hook invocations onto the shared handlers.
// Permission hooks answer {"permission": "allow"|"deny"} with optional
// user/agent messages; beforeSubmitPrompt answers {"continue": bool}.
type CursorRouter struct {
	handlers *Handlers
	logger   *slog.Logger
}

// NewCursorRouter builds the Cursor hook router.
func NewCursorRouter(deps Deps) *CursorRouter {
	cfg := Config{
		ServerName:       "cursor_tools",
		ClientName:       "cursor",
		MaxContentLength: 100000,
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CursorRouter{handlers: NewHandlers(cfg, deps), logger: logger}
}

// Run handles one hook invocation end to end and returns the process exit
// code.
func (r *CursorRouter) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
	raw, err := io.ReadAll(io.LimitReader(stdin, maxStdinBytes))
	if err != nil {
		r.logger.Error("failed to read hook input", "error", err)
		writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "failed to read hook input"}))
		return 1
	}

	var in cursorInput
	if err := json.Unmarshal(raw, &in); err != nil {
		r.logger.Error("failed to parse hook input", "error", err)
		writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "invalid hook input"}))
		return 1
	}
	if err := validate.Struct(in); err != nil {
		r.logger.Error("hook input validation failed", "error", err)
		writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "missing required hook field"}))
		return 1
	}

	ids := IDs{
		SessionID: in.ConversationID,
		PromptID:  identity.DefaultPromptID(in.ConversationID),
		EventID:   in.GenerationID,
	}
	roots := in.WorkspaceRoots
	r.handlers.BindAppUID(roots[0])

	r.logger.Info("routing hook",
		"event", in.HookEventName, "prompt_id", ids.PromptID, "event_id", ids.EventID)

	switch in.HookEventName {
	case "init":
		r.handlers.Init(ctx, ids, roots, cursorHooks)
		writeJSON(stdout, map[string]any{"success": true, "message": "MCPower hooks registered"})
		return 0

	case "beforeSubmitPrompt":
		if in.Prompt == nil {
			r.logger.Error("missing prompt field")
			writeJSON(stdout, map[string]any{"continue": false})
			return 1
		}
		out := r.handlers.PromptSubmit(ctx, ids, roots, *in.Prompt, in.Attachments, "beforeSubmitPrompt")
		if out.Err != nil {
			r.logger.Error("prompt submit handler failed", "error", out.Err)
			writeJSON(stdout, map[string]any{"continue": false})
			return 1
		}
		writeJSON(stdout, cursorContinue(out))
		return 0

	case "beforeReadFile":
		if in.FilePath == nil || in.Content == nil {
			r.logger.Error("missing file_path or content field")
			writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "missing file_path or content"}))
			return 1
		}
		return r.finish(stdout, r.handlers.ReadFile(ctx, ids, roots, *in.FilePath, *in.Content, in.Attachments, "beforeReadFile"))

	case "beforeShellExecution":
		if in.Command == nil || in.Cwd == nil {
			r.logger.Error("missing command or cwd field")
			writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "missing command or cwd"}))
			return 1
		}
		return r.finish(stdout, r.handlers.ShellExecution(ctx, ids, roots, *in.Command, *in.Cwd, "beforeShellExecution"))

	case "afterShellExecution":
		if in.Command == nil || in.Output == nil {
			r.logger.Error("missing command or output field")
			writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "missing command or output"}))
			return 1
		}
		return r.finish(stdout, r.handlers.ShellOutput(ctx, ids, roots, *in.Command, *in.Output, "afterShellExecution"))

	case "beforeMCPExecution":
		if in.ToolName == nil || in.ToolInput == nil {
			r.logger.Error("missing tool_name or tool_input field")
			writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "missing tool_name or tool_input"}))
			return 1
		}
		url, command := "", ""
		if in.URL != nil {
			url = *in.URL
		}
		if in.Command != nil {
			command = *in.Command
		}
		return r.finish(stdout, r.handlers.MCPExecution(ctx, ids, roots, *in.ToolName, *in.ToolInput, url, command, "beforeMCPExecution"))

	default:
		r.logger.Error("unknown hook event", "event", in.HookEventName)
		writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "unknown hook event"}))
		return 1
	}
}

func (r *CursorRouter) finish(stdout io.Writer, out Outcome) int {
	if out.Err != nil {
		r.logger.Error("hook handler failed", "error", out.Err)
		writeJSON(stdout, cursorPermission(Outcome{AgentMessage: "internal error"}))
		return 1
	}
	writeJSON(stdout, cursorPermission(out))
	return 0
}

// cursorPermission shapes a permission-hook verdict.
func cursorPermission(out Outcome) map[string]any {
	body := map[string]any{"permission": "deny"}
	if out.Allowed {
		body["permission"] = "allow"
	}
	if out.UserMessage != "" {
		body["user_message"] = out.UserMessage
	}
	if out.AgentMessage != "" {
		body["agent_message"] = out.AgentMessage
	}
	return body
}

// cursorContinue shapes a beforeSubmitPrompt verdict.
func cursorContinue(out Outcome) map[string]any {
	body := map[string]any{"continue": out.Allowed}
	if !out.Allowed {
		if out.UserMessage != "" {
			body["user_message"] = out.UserMessage
		}
		if out.AgentMessage != "" {
			body["agent_message"] = out.AgentMessage
		}
	}
	return body
}
