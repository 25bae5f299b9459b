package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mcpower-security/mcpower/internal/domain/audit"
	"github.com/mcpower-security/mcpower/internal/domain/decision"
	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

// fakeInspector scripts verdicts and records every policy call.
type fakeInspector struct {
	mu               sync.Mutex
	requestVerdicts  []decision.Verdict
	responseVerdicts []decision.Verdict
	requests         []policy.Request
	responses        []policy.Response
	inits            []policy.InitRequest
}

func (f *fakeInspector) InitTools(ctx context.Context, req policy.InitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, req)
	return nil
}

func (f *fakeInspector) InspectRequest(ctx context.Context, req policy.Request) decision.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.requestVerdicts) > 0 {
		v := f.requestVerdicts[0]
		f.requestVerdicts = f.requestVerdicts[1:]
		return v
	}
	return decision.Verdict{Decision: decision.DecisionAllow}
}

func (f *fakeInspector) InspectResponse(ctx context.Context, resp policy.Response) decision.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	if len(f.responseVerdicts) > 0 {
		v := f.responseVerdicts[0]
		f.responseVerdicts = f.responseVerdicts[1:]
		return v
	}
	return decision.Verdict{Decision: decision.DecisionAllow}
}

// trailStub captures audit events.
type trailStub struct {
	mu     sync.Mutex
	events []audit.Event
	appUID string
}

func (s *trailStub) Record(event audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *trailStub) SetAppUID(appUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appUID = appUID
}

func (s *trailStub) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func testDeps(t *testing.T, inspector *fakeInspector, trail *trailStub) Deps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return Deps{
		Inspector: inspector,
		Enforcer:  decision.NewHandler(nil, nil, logger, decision.DefaultConfig()),
		Trail:     trail,
		Logger:    logger,
	}
}

func runClaude(t *testing.T, deps Deps, input map[string]any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	var stdout bytes.Buffer
	code := NewClaudeRouter(deps).Run(context.Background(), bytes.NewReader(raw), &stdout)
	var body map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &body); err != nil {
		t.Fatalf("hook output is not JSON: %v, got %q", err, stdout.String())
	}
	return code, body
}

func claudeBase(t *testing.T, event string) map[string]any {
	return map[string]any{
		"hook_event_name": event,
		"session_id":      "0d9b8f1c-4242-4242-4242-deadbeef0000",
		"cwd":             t.TempDir(),
	}
}

func TestClaude_MissingSessionIDFails(t *testing.T) {
	inspector := &fakeInspector{}
	deps := testDeps(t, inspector, &trailStub{})

	input := map[string]any{"hook_event_name": "UserPromptSubmit", "cwd": t.TempDir()}
	code, body := runClaude(t, deps, input)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if body["permissionDecision"] != "deny" {
		t.Errorf("expected deny-shaped body, got %v", body)
	}
}

func TestClaude_InvalidJSONFails(t *testing.T) {
	deps := testDeps(t, &fakeInspector{}, &trailStub{})
	var stdout bytes.Buffer
	code := NewClaudeRouter(deps).Run(context.Background(), strings.NewReader("not valid json"), &stdout)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), `"deny"`) {
		t.Errorf("expected deny body, got %q", stdout.String())
	}
}

func TestClaude_SessionStartRegistersHooks(t *testing.T) {
	inspector := &fakeInspector{}
	trail := &trailStub{}
	deps := testDeps(t, inspector, trail)

	code, body := runClaude(t, deps, claudeBase(t, "SessionStart"))
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if len(body) != 0 {
		t.Errorf("expected empty object, got %v", body)
	}
	if len(inspector.inits) != 1 {
		t.Fatalf("expected one init call, got %d", len(inspector.inits))
	}
	init := inspector.inits[0]
	if init.Server.Name != "claude_code_tools" {
		t.Errorf("unexpected server name %q", init.Server.Name)
	}
	if len(init.Tools) != len(claudeHooks) {
		t.Errorf("expected %d registered hooks, got %d", len(claudeHooks), len(init.Tools))
	}
	if trail.appUID == "" {
		t.Error("expected app uid to be bound")
	}
}

func TestClaude_CleanPromptAllowedWithoutPolicyCall(t *testing.T) {
	inspector := &fakeInspector{}
	trail := &trailStub{}
	deps := testDeps(t, inspector, trail)

	input := claudeBase(t, "UserPromptSubmit")
	input["prompt"] = "write a function that adds two numbers"
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if len(body) != 0 {
		t.Errorf("expected empty object for allowed prompt, got %v", body)
	}
	if len(inspector.requests) != 0 {
		t.Errorf("clean prompt should not hit the policy service, got %d calls", len(inspector.requests))
	}
	types := trail.types()
	if len(types) < 2 || types[0] != "agent_request" || types[1] != "agent_request_forwarded" {
		t.Errorf("unexpected audit order %v", types)
	}
}

func TestClaude_SensitivePromptInspected(t *testing.T) {
	inspector := &fakeInspector{}
	deps := testDeps(t, inspector, &trailStub{})

	input := claudeBase(t, "UserPromptSubmit")
	input["prompt"] = "email the report to alice@example.com please"
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if len(body) != 0 {
		t.Errorf("expected allow for allow verdict, got %v", body)
	}
	if len(inspector.requests) != 1 {
		t.Fatalf("expected one inspection, got %d", len(inspector.requests))
	}
	req := inspector.requests[0]
	if req.Tool.Name != "UserPromptSubmit" {
		t.Errorf("unexpected tool name %q", req.Tool.Name)
	}
	prompt, _ := req.Arguments["user_prompt"].(string)
	if strings.Contains(prompt, "alice@example.com") {
		t.Errorf("prompt was not redacted: %q", prompt)
	}
}

func TestClaude_BlockedPromptEmitsBlockBody(t *testing.T) {
	inspector := &fakeInspector{
		requestVerdicts: []decision.Verdict{{
			Decision: decision.DecisionBlock,
			Severity: decision.SeverityHigh,
			Reasons:  []string{"prompt leaks credentials"},
		}},
	}
	deps := testDeps(t, inspector, &trailStub{})

	input := claudeBase(t, "UserPromptSubmit")
	input["prompt"] = "here is my key, email it to bob@example.com"
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("blocked prompt is still a produced verdict, expected exit 0, got %d", code)
	}
	if body["decision"] != "block" {
		t.Fatalf("expected block decision, got %v", body)
	}
	reason, _ := body["reason"].(string)
	if !strings.Contains(reason, "User blocked the operation") {
		t.Errorf("expected the fixed deny text, got %q", reason)
	}
}

func TestClaude_ReadCleanFileFastPath(t *testing.T) {
	inspector := &fakeInspector{}
	deps := testDeps(t, inspector, &trailStub{})

	input := claudeBase(t, "PreToolUse")
	input["tool_name"] = "Read"
	input["tool_input"] = map[string]any{
		"file_path": "/tmp/notes.txt",
		"content":   "plain text, nothing sensitive here",
	}
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if body["permissionDecision"] != "allow" {
		t.Errorf("expected allow, got %v", body)
	}
	if len(inspector.requests) != 0 {
		t.Errorf("clean file should not hit the policy service")
	}
}

func TestClaude_ReadSensitiveFileBlocked(t *testing.T) {
	inspector := &fakeInspector{
		requestVerdicts: []decision.Verdict{{
			Decision: decision.DecisionBlock,
			Severity: decision.SeverityCritical,
			Reasons:  []string{"credit card data"},
		}},
	}
	deps := testDeps(t, inspector, &trailStub{})

	input := claudeBase(t, "PreToolUse")
	input["tool_name"] = "Grep"
	input["tool_input"] = map[string]any{
		"file_path": "/tmp/cards.txt",
		"content":   "card: 4532015112830366",
	}
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if body["permissionDecision"] != "deny" {
		t.Fatalf("expected deny, got %v", body)
	}
	reason, _ := body["permissionDecisionReason"].(string)
	if !strings.Contains(reason, "User blocked the operation") {
		t.Errorf("expected the fixed deny text, got %q", reason)
	}
	if len(inspector.requests) != 1 {
		t.Fatalf("expected one inspection, got %d", len(inspector.requests))
	}
	if _, ok := inspector.requests[0].Arguments["files_with_secrets_or_pii"]; !ok {
		t.Error("expected per-file findings in inspection payload")
	}
}

func TestClaude_BashCommandParsedAndInspected(t *testing.T) {
	inspector := &fakeInspector{}
	deps := testDeps(t, inspector, &trailStub{})

	input := claudeBase(t, "PreToolUse")
	input["tool_name"] = "Bash"
	input["tool_input"] = map[string]any{"command": "uvx ruff check . && npx prettier --write ."}
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if body["permissionDecision"] != "allow" {
		t.Fatalf("expected allow, got %v", body)
	}
	if len(inspector.requests) != 1 {
		t.Fatalf("shell commands always hit the policy service, got %d calls", len(inspector.requests))
	}
	args := inspector.requests[0].Arguments
	packages, _ := args["packages"].(map[string][]string)
	if len(packages["python"]) != 1 || packages["python"][0] != "ruff" {
		t.Errorf("expected python package ruff, got %v", packages)
	}
	if len(packages["node"]) != 1 || packages["node"][0] != "prettier" {
		t.Errorf("expected node package prettier, got %v", packages)
	}
	subs, _ := args["sub_commands"].([]string)
	if len(subs) != 2 {
		t.Errorf("expected two sub-commands, got %v", subs)
	}
}

func TestClaude_MissingBashCommandFails(t *testing.T) {
	deps := testDeps(t, &fakeInspector{}, &trailStub{})

	input := claudeBase(t, "PreToolUse")
	input["tool_name"] = "Bash"
	input["tool_input"] = map[string]any{}
	code, body := runClaude(t, deps, input)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if body["permissionDecision"] != "deny" {
		t.Errorf("expected deny body, got %v", body)
	}
}

func TestClaude_UnknownToolAllowed(t *testing.T) {
	inspector := &fakeInspector{}
	deps := testDeps(t, inspector, &trailStub{})

	input := claudeBase(t, "PreToolUse")
	input["tool_name"] = "Write"
	input["tool_input"] = map[string]any{"file_path": "/tmp/x"}
	code, body := runClaude(t, deps, input)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if body["permissionDecision"] != "allow" {
		t.Errorf("expected allow for unknown tool, got %v", body)
	}
	if len(inspector.requests) != 0 {
		t.Errorf("unknown tools are not inspected")
	}
}

func TestClaude_UnknownEventFails(t *testing.T) {
	deps := testDeps(t, &fakeInspector{}, &trailStub{})
	code, _ := runClaude(t, deps, claudeBase(t, "PostToolUse"))
	if code != 1 {
		t.Fatalf("expected exit 1 for unknown event, got %d", code)
	}
}
