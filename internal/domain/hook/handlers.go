package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/policy"
	"github.com/mcpower-security/mcpower/internal/domain/redact"
	"github.com/mcpower-security/mcpower/internal/domain/shell"
)

// findingPattern matches redaction placeholders inserted by the redactor.
var findingPattern = regexp.MustCompile(`\[REDACTED-([A-Z-]+)\]`)

// typeCount counts occurrences of one sensitive-data type.
type typeCount struct {
	Occurrences int `json:"occurrences"`
}

// fileFinding reports the sensitive-data types detected in one file.
type fileFinding struct {
	FilePath           string               `json:"file_path"`
	SensitiveDataTypes map[string]typeCount `json:"sensitive_data_types"`
}

// Init registers the IDE's hooks with the policy service and audits the
// session start. Registration is best effort.
func (h *Handlers) Init(ctx context.Context, ids IDs, roots []string, hooks []HookDescriptor) {
	h.audit(ids, "session_start", map[string]any{
		"server_name": h.cfg.ServerName,
		"client":      h.cfg.ClientName,
		"hooks":       len(hooks),
	})

	tools := make([]policy.ToolDescriptor, 0, len(hooks))
	for _, hk := range hooks {
		tools = append(tools, policy.ToolDescriptor{Name: hk.Name, Description: hk.Description})
	}
	req := policy.InitRequest{
		Environment: h.envContext(ids, roots, nil),
		Server:      h.server(),
		Tools:       tools,
	}
	if err := h.inspector.InitTools(ctx, req); err != nil {
		h.logger.Warn("hook registration failed", "error", err)
	}
}

// PromptSubmit inspects a user prompt before the agent sees it. Prompts
// without sensitive data are allowed without a policy call.
func (h *Handlers) PromptSubmit(ctx context.Context, ids IDs, roots []string, prompt string, attachments []Attachment, hookName string) Outcome {
	truncated := truncateAt(prompt, h.cfg.MaxContentLength)
	redacted := redact.RedactString(truncated)

	findings := h.scanAttachments(attachments)
	promptTypes := diffFindings(truncated, redacted)
	if len(promptTypes) > 0 {
		findings = append([]fileFinding{{FilePath: "<prompt>", SensitiveDataTypes: promptTypes}}, findings...)
	}

	h.auditWithPrompt(ids, "agent_request", redacted, map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
		"params": map[string]any{"prompt": redacted, "attachments_count": len(attachments)},
	})

	if len(findings) == 0 {
		h.logger.Info("no sensitive data in prompt, allowing without policy call")
		h.audit(ids, "agent_request_forwarded", map[string]any{
			"server": h.cfg.ServerName,
			"tool":   hookName,
		})
		return Outcome{Allowed: true}
	}

	content := map[string]any{
		"security_alert":            "Sensitive data detected in user prompt",
		"user_prompt":               redacted,
		"files_with_secrets_or_pii": findings,
		"summary":                   findingSummary(findings),
	}
	_, err := h.inspectAndEnforce(ctx, ids, hookName, content, true, roots, nil)
	if err != nil {
		if enforced := asEnforcement(err); enforced != "" {
			return Outcome{
				UserMessage:  blockedMessage("Prompt", err),
				AgentMessage: enforced,
			}
		}
		return Outcome{Err: err}
	}

	h.audit(ids, "agent_request_forwarded", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
	})
	return Outcome{Allowed: true}
}

// ReadFile inspects a file the agent is about to read. The IDE-provided
// content is authoritative; the disk is not consulted.
func (h *Handlers) ReadFile(ctx context.Context, ids IDs, roots []string, filePath, content string, attachments []Attachment, hookName string) Outcome {
	h.audit(ids, "agent_request", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
		"params": map[string]any{"file_path": filePath, "attachments_count": len(attachments)},
	})

	findings := []fileFinding{}
	if types := diffFindings(content, redact.RedactString(truncateAt(content, h.cfg.MaxContentLength))); len(types) > 0 {
		findings = append(findings, fileFinding{FilePath: filePath, SensitiveDataTypes: types})
	}
	findings = append(findings, h.scanAttachments(attachments)...)

	if len(findings) == 0 {
		h.logger.Info("no sensitive data in files, allowing without policy call", "file", filePath)
		h.audit(ids, "agent_request_forwarded", map[string]any{
			"server": h.cfg.ServerName,
			"tool":   hookName,
			"params": map[string]any{"file_path": filePath, "redactions_found": false},
		})
		return Outcome{Allowed: true}
	}

	content2 := map[string]any{
		"security_alert":            "Sensitive data detected in files being read by IDE",
		"files_with_secrets_or_pii": findings,
		"summary":                   findingSummary(findings),
	}
	verdict, err := h.inspectAndEnforce(ctx, ids, hookName, content2, true, roots, []string{filePath})
	if err != nil {
		if enforced := asEnforcement(err); enforced != "" {
			return Outcome{
				UserMessage:  blockedMessage("File read", err),
				AgentMessage: enforced,
			}
		}
		return Outcome{Err: err}
	}

	h.audit(ids, "agent_request_forwarded", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
		"params": map[string]any{"file_path": filePath, "redactions_found": true},
	})
	agentMsg := "File read approved by security policy"
	if len(verdict.Reasons) > 0 {
		agentMsg = "File read approved: " + strings.Join(verdict.Reasons, "; ")
	}
	return Outcome{Allowed: true, UserMessage: "File read approved", AgentMessage: agentMsg}
}

// ShellExecution inspects a shell command before the IDE runs it. The
// command is parsed into sub-commands, referenced input files and package
// installs; referenced files are scanned for sensitive data when a working
// directory is known.
func (h *Handlers) ShellExecution(ctx context.Context, ids IDs, roots []string, command, cwd, hookName string) Outcome {
	parsed := shell.Parse(command)
	redactedCmd := redact.RedactString(truncateAt(command, h.cfg.MaxContentLength))

	content := map[string]any{
		"command":      redactedCmd,
		"sub_commands": parsed.SubCommands,
		"input_files":  parsed.InputFiles,
		"packages":     parsed.Packages,
	}
	if cwd != "" {
		if findings := h.scanInputFiles(cwd, parsed.InputFiles); len(findings) > 0 {
			content["files_with_secrets_or_pii"] = findings
		}
	}

	h.audit(ids, "agent_request", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
		"params": content,
	})

	verdict, err := h.inspectAndEnforce(ctx, ids, hookName, content, true, roots, parsed.InputFiles)
	if err != nil {
		if enforced := asEnforcement(err); enforced != "" {
			return Outcome{
				UserMessage:  blockedMessage("Shell command", err),
				AgentMessage: enforced,
			}
		}
		return Outcome{Err: err}
	}

	h.audit(ids, "agent_request_forwarded", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
	})
	agentMsg := "Shell command approved"
	if len(verdict.Reasons) > 0 {
		agentMsg += ": " + strings.Join(verdict.Reasons, "; ")
	}
	return Outcome{Allowed: true, UserMessage: "Shell command approved", AgentMessage: agentMsg}
}

// ShellOutput inspects the output of an already-executed shell command
// (response phase). Output without sensitive data is allowed without a
// policy call.
func (h *Handlers) ShellOutput(ctx context.Context, ids IDs, roots []string, command, output, hookName string) Outcome {
	truncated := truncateAt(output, h.cfg.MaxContentLength)
	redactedOut := redact.RedactString(truncated)

	h.audit(ids, "mcp_response", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
		"params": map[string]any{"command": redact.RedactString(command), "output": redactedOut},
	})

	if len(diffFindings(truncated, redactedOut)) == 0 {
		h.logger.Info("no sensitive data in command output, allowing without policy call")
		h.audit(ids, "mcp_response_forwarded", map[string]any{
			"server": h.cfg.ServerName,
			"tool":   hookName,
		})
		return Outcome{Allowed: true}
	}

	content := map[string]any{
		"security_alert": "Sensitive data detected in shell command output",
		"command":        redact.RedactString(command),
		"output":         redactedOut,
	}
	_, err := h.inspectAndEnforce(ctx, ids, hookName, content, false, roots, nil)
	if err != nil {
		if enforced := asEnforcement(err); enforced != "" {
			return Outcome{
				UserMessage:  blockedMessage("Shell output", err),
				AgentMessage: enforced,
			}
		}
		return Outcome{Err: err}
	}

	h.audit(ids, "mcp_response_forwarded", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
	})
	return Outcome{Allowed: true, UserMessage: "Shell output approved", AgentMessage: "Shell output approved"}
}

// MCPExecution inspects an MCP tool call issued through the IDE rather than
// through the wrapper proxy.
func (h *Handlers) MCPExecution(ctx context.Context, ids IDs, roots []string, mcpToolName, toolInputRaw, url, command, hookName string) Outcome {
	var toolInput any
	if err := json.Unmarshal([]byte(toolInputRaw), &toolInput); err != nil {
		return Outcome{Err: fmt.Errorf("invalid tool_input: %w", err)}
	}

	redactedInput := redact.Redact(toolInput)
	content := map[string]any{
		"tool_name":  mcpToolName,
		"tool_input": redactedInput,
	}
	if url != "" {
		content["url"] = redact.RedactString(url)
	}
	if command != "" {
		content["command"] = redact.RedactString(command)
	}

	h.audit(ids, "agent_request", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
		"params": content,
	})

	verdict, err := h.inspectAndEnforce(ctx, ids, hookName, content, true, roots, nil)
	if err != nil {
		if enforced := asEnforcement(err); enforced != "" {
			return Outcome{
				UserMessage:  blockedMessage(fmt.Sprintf("MCP tool %q", mcpToolName), err),
				AgentMessage: enforced,
			}
		}
		return Outcome{Err: err}
	}

	h.audit(ids, "agent_request_forwarded", map[string]any{
		"server": h.cfg.ServerName,
		"tool":   hookName,
	})
	agentMsg := fmt.Sprintf("MCP tool %q approved", mcpToolName)
	if len(verdict.Reasons) > 0 {
		agentMsg += ": " + strings.Join(verdict.Reasons, "; ")
	}
	return Outcome{Allowed: true, UserMessage: fmt.Sprintf("MCP tool %q approved", mcpToolName), AgentMessage: agentMsg}
}

// inspectAndEnforce runs one policy inspection plus enforcement. A returned
// error is the deny (or need-more-info) the router should surface.
func (h *Handlers) inspectAndEnforce(ctx context.Context, ids IDs, hookName string, content map[string]any, isRequest bool, roots, currentFiles []string) (decision.Verdict, error) {
	env := h.envContext(ids, roots, currentFiles)

	var verdict decision.Verdict
	if isRequest {
		verdict = h.inspector.InspectRequest(ctx, policy.Request{
			EventID:    ids.EventID,
			PromptID:   ids.PromptID,
			Server:     h.server(),
			Tool:       policy.Tool{Name: hookName},
			EnvContext: env,
			Arguments:  content,
		})
	} else {
		serialized, _ := json.Marshal(content)
		verdict = h.inspector.InspectResponse(ctx, policy.Response{
			EventID:         ids.EventID,
			PromptID:        ids.PromptID,
			Server:          h.server(),
			Tool:            policy.Tool{Name: hookName},
			EnvContext:      env,
			ResponseContent: string(serialized),
		})
	}

	op := decision.Operation{
		EventID:       ids.EventID,
		PromptID:      ids.PromptID,
		Tool:          hookName,
		Server:        h.cfg.ServerName,
		OperationType: "tool",
		IsRequest:     isRequest,
		Content:       content,
	}
	if err := h.enforcer.Enforce(ctx, verdict, op); err != nil {
		return verdict, err
	}
	return verdict, nil
}

func (h *Handlers) envContext(ids IDs, roots, currentFiles []string) policy.EnvContext {
	return policy.EnvContext{
		SessionID: ids.SessionID,
		Workspace: policy.Workspace{Roots: roots, CurrentFiles: currentFiles},
		Client:    h.cfg.ClientName,
	}
}

// scanAttachments extracts sensitive-data findings per attachment. Inline
// content is trusted; path-only attachments are read from disk.
func (h *Handlers) scanAttachments(attachments []Attachment) []fileFinding {
	var findings []fileFinding
	for _, att := range attachments {
		content := att.Content
		if content == "" && att.FilePath != "" {
			read, err := readFileBounded(att.FilePath, h.cfg.MaxContentLength)
			if err != nil {
				h.logger.Warn("attachment unreadable, skipping", "path", att.FilePath, "error", err)
				continue
			}
			content = read
		}
		if content == "" {
			continue
		}
		truncated := truncateAt(content, h.cfg.MaxContentLength)
		if types := diffFindings(truncated, redact.RedactString(truncated)); len(types) > 0 {
			findings = append(findings, fileFinding{FilePath: att.FilePath, SensitiveDataTypes: types})
		}
	}
	return findings
}

// scanInputFiles reads shell-referenced files relative to cwd and reports
// those containing sensitive data.
func (h *Handlers) scanInputFiles(cwd string, paths []string) []fileFinding {
	var findings []fileFinding
	for _, p := range paths {
		resolved := p
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(cwd, resolved)
		}
		content, err := readFileBounded(resolved, h.cfg.MaxContentLength)
		if err != nil {
			continue
		}
		if types := diffFindings(content, redact.RedactString(content)); len(types) > 0 {
			findings = append(findings, fileFinding{FilePath: p, SensitiveDataTypes: types})
		}
	}
	return findings
}

func (h *Handlers) audit(ids IDs, eventType string, data map[string]any) {
	if h.trail == nil {
		return
	}
	h.trail.Record(audit.Event{
		EventType: eventType,
		EventID:   ids.EventID,
		PromptID:  ids.PromptID,
		Data:      data,
	})
}

func (h *Handlers) auditWithPrompt(ids IDs, eventType, userPrompt string, data map[string]any) {
	if h.trail == nil {
		return
	}
	h.trail.Record(audit.Event{
		EventType:  eventType,
		EventID:    ids.EventID,
		PromptID:   ids.PromptID,
		UserPrompt: userPrompt,
		Data:       data,
	})
}

// diffFindings counts placeholders the redactor added that were not already
// present in the original text.
func diffFindings(original, redacted string) map[string]typeCount {
	if original == redacted {
		return nil
	}
	before := countPlaceholders(original)
	after := countPlaceholders(redacted)
	types := map[string]typeCount{}
	for name, n := range after {
		if added := n - before[name]; added > 0 {
			types[name] = typeCount{Occurrences: added}
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}

func countPlaceholders(text string) map[string]int {
	counts := map[string]int{}
	for _, m := range findingPattern.FindAllStringSubmatch(text, -1) {
		counts[m[1]]++
	}
	return counts
}

func findingSummary(findings []fileFinding) string {
	total := 0
	for _, f := range findings {
		for _, tc := range f.SensitiveDataTypes {
			total += tc.Occurrences
		}
	}
	return fmt.Sprintf("%d file(s) contain %d sensitive data item(s)", len(findings), total)
}

// blockedMessage picks the user-facing deny text: user blocks and policy
// blocks read differently.
func blockedMessage(what string, err error) string {
	msg := err.Error()
	if strings.Contains(msg, "User blocked") || strings.Contains(msg, "User denied") {
		return what + " blocked by user"
	}
	return what + " blocked by security policy"
}

// asEnforcement returns the enforcement error text, or "" when err is not a
// policy verdict (i.e. an internal failure).
func asEnforcement(err error) string {
	var enforceErr *decision.EnforcementError
	if errors.As(err, &enforceErr) {
		return enforceErr.Message
	}
	return ""
}

func truncateAt(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "... [truncated]"
}

func readFileBounded(path string, limit int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
