package decision

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeDialog struct {
	confirmCalls  int
	blockingCalls int
	decision      UserDecision
	err           error
	lastOpts      Options
	lastReq       ConfirmationRequest
}

func (d *fakeDialog) RequestConfirmation(_ context.Context, req ConfirmationRequest, _ string, _ *string, opts Options) (UserDecision, error) {
	d.confirmCalls++
	d.lastOpts = opts
	d.lastReq = req
	return d.decision, d.err
}

func (d *fakeDialog) RequestBlockingConfirmation(_ context.Context, req ConfirmationRequest, _ string, _ *string) (UserDecision, error) {
	d.blockingCalls++
	d.lastReq = req
	return d.decision, d.err
}

type fakeRecorder struct {
	confirmations []Confirmation
	err           error
}

func (r *fakeRecorder) RecordUserConfirmation(_ context.Context, c Confirmation) error {
	r.confirmations = append(r.confirmations, c)
	return r.err
}

func strPtr(s string) *string { return &s }

func testOperation() Operation {
	return Operation{
		EventID:       "evt-1",
		PromptID:      "prompt-1",
		Tool:          "test_tool",
		Server:        "test-server",
		OperationType: "tool",
		IsRequest:     true,
		Content:       map[string]any{"arg": "value"},
	}
}

func TestEnforce_AllowPassesWithoutRecording(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHandler(&fakeDialog{}, rec, nil, DefaultConfig())

	err := h.Enforce(context.Background(), Verdict{Decision: DecisionAllow}, testOperation())
	if err != nil {
		t.Fatalf("Enforce() = %v, want nil", err)
	}
	if len(rec.confirmations) != 0 {
		t.Errorf("allow recorded a confirmation: %v", rec.confirmations)
	}
}

func TestEnforce_BlockSeverityThreshold(t *testing.T) {
	tests := []struct {
		name      string
		severity  string
		threshold string
		wantAllow bool
	}{
		{"low below medium auto-allows", "low", "medium", true},
		{"medium at medium blocks", "medium", "medium", false},
		{"medium below high auto-allows", "medium", "high", true},
		{"high at high blocks", "high", "high", false},
		{"high below critical auto-allows", "high", "critical", true},
		{"unknown ranks as high and blocks at high", "weird", "high", false},
		{"unknown ranks below critical", "weird", "critical", true},
		{"missing severity ranks below critical", "", "critical", true},
		{"critical ignores threshold", "critical", "critical", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envMinBlockSeverity, tt.threshold)
			t.Setenv(envAllowBlockOverride, "false")
			rec := &fakeRecorder{}
			dialog := &fakeDialog{}
			h := NewHandler(dialog, rec, nil, DefaultConfig())

			verdict := Verdict{Decision: DecisionBlock, Severity: tt.severity, Reasons: []string{"concern"}}
			err := h.Enforce(context.Background(), verdict, testOperation())

			if tt.wantAllow {
				if err != nil {
					t.Fatalf("Enforce() = %v, want auto-allow", err)
				}
				wantRecorded(t, rec, UserAllow)
			} else {
				var denied *EnforcementError
				if !errors.As(err, &denied) {
					t.Fatalf("Enforce() = %v, want EnforcementError", err)
				}
				wantRecorded(t, rec, UserBlock)
			}
			if dialog.blockingCalls != 0 {
				t.Errorf("dialog shown %d times with override disabled", dialog.blockingCalls)
			}
		})
	}
}

func TestEnforce_CriticalAlwaysBlocks(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "false")
	rec := &fakeRecorder{}
	h := NewHandler(&fakeDialog{}, rec, nil, DefaultConfig())

	verdict := Verdict{Decision: DecisionBlock, Severity: "critical", Reasons: []string{"bad"}, CallType: strPtr("execute")}
	if err := h.Enforce(context.Background(), verdict, testOperation()); err == nil {
		t.Fatal("critical block was allowed")
	}
	wantRecorded(t, rec, UserBlock)
}

func TestEnforce_OverrideDialogUserBlocks(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "true")
	rec := &fakeRecorder{}
	dialog := &fakeDialog{decision: UserBlock}
	h := NewHandler(dialog, rec, nil, DefaultConfig())

	verdict := Verdict{Decision: DecisionBlock, Severity: "high", Reasons: []string{"overridable"}}
	err := h.Enforce(context.Background(), verdict, testOperation())
	var denied *EnforcementError
	if !errors.As(err, &denied) {
		t.Fatalf("Enforce() = %v, want EnforcementError", err)
	}
	if dialog.blockingCalls != 1 {
		t.Errorf("blocking dialog shown %d times, want 1", dialog.blockingCalls)
	}
	wantRecorded(t, rec, UserBlock)
}

func TestEnforce_OverrideDialogUserAllows(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "true")
	rec := &fakeRecorder{}
	dialog := &fakeDialog{decision: UserAllow}
	h := NewHandler(dialog, rec, nil, DefaultConfig())

	verdict := Verdict{Decision: DecisionBlock, Severity: "high", Reasons: []string{"overridable"}}
	if err := h.Enforce(context.Background(), verdict, testOperation()); err != nil {
		t.Fatalf("Enforce() = %v, want nil after user override", err)
	}
	if dialog.blockingCalls != 1 {
		t.Errorf("blocking dialog shown %d times, want 1", dialog.blockingCalls)
	}
	wantRecorded(t, rec, UserAllow)
}

func TestEnforce_ConfirmationButtons(t *testing.T) {
	t.Run("call_type set offers always allow", func(t *testing.T) {
		dialog := &fakeDialog{decision: UserAllow}
		rec := &fakeRecorder{}
		h := NewHandler(dialog, rec, nil, DefaultConfig())

		verdict := Verdict{Decision: DecisionConfirm, Severity: "medium", CallType: strPtr("execute")}
		if err := h.Enforce(context.Background(), verdict, testOperation()); err != nil {
			t.Fatalf("Enforce() = %v", err)
		}
		if dialog.confirmCalls != 1 {
			t.Fatalf("confirmation dialog shown %d times, want 1", dialog.confirmCalls)
		}
		if !dialog.lastOpts.ShowAlwaysAllow {
			t.Error("ShowAlwaysAllow = false, want true with call_type set")
		}
		if dialog.lastOpts.ShowAlwaysBlock {
			t.Error("ShowAlwaysBlock = true, want false")
		}
		wantRecorded(t, rec, UserAllow)
	})

	t.Run("no call_type hides always allow", func(t *testing.T) {
		dialog := &fakeDialog{decision: UserAllow}
		h := NewHandler(dialog, &fakeRecorder{}, nil, DefaultConfig())

		verdict := Verdict{Decision: DecisionConfirm, Severity: "medium"}
		if err := h.Enforce(context.Background(), verdict, testOperation()); err != nil {
			t.Fatalf("Enforce() = %v", err)
		}
		if dialog.lastOpts.ShowAlwaysAllow {
			t.Error("ShowAlwaysAllow = true, want false without call_type")
		}
	})

	t.Run("user blocks", func(t *testing.T) {
		dialog := &fakeDialog{decision: UserBlock}
		rec := &fakeRecorder{}
		h := NewHandler(dialog, rec, nil, DefaultConfig())

		verdict := Verdict{Decision: DecisionConfirm, Severity: "medium", CallType: strPtr("execute")}
		if err := h.Enforce(context.Background(), verdict, testOperation()); err == nil {
			t.Fatal("Enforce() = nil, want deny after user block")
		}
		wantRecorded(t, rec, UserBlock)
	})
}

func TestEnforce_NilDialogFailsClosed(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "true")
	rec := &fakeRecorder{}
	h := NewHandler(nil, rec, nil, DefaultConfig())

	verdict := Verdict{Decision: DecisionConfirm, Severity: "medium", CallType: strPtr("read")}
	if err := h.Enforce(context.Background(), verdict, testOperation()); err == nil {
		t.Fatal("Enforce() = nil, want deny without a dialog")
	}
	wantRecorded(t, rec, UserBlock)
}

func TestEnforce_DialogErrorDenies(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "true")
	rec := &fakeRecorder{}
	dialog := &fakeDialog{err: errors.New("helper crashed")}
	h := NewHandler(dialog, rec, nil, DefaultConfig())

	verdict := Verdict{Decision: DecisionBlock, Severity: "high"}
	if err := h.Enforce(context.Background(), verdict, testOperation()); err == nil {
		t.Fatal("Enforce() = nil, want deny after dialog failure")
	}
	wantRecorded(t, rec, UserBlock)
}

func TestEnforce_NeedMoreInfo(t *testing.T) {
	rec := &fakeRecorder{}
	dialog := &fakeDialog{}
	h := NewHandler(dialog, rec, nil, DefaultConfig())

	verdict := Verdict{
		Decision:   DecisionNeedMoreInfo,
		Severity:   "medium",
		Reasons:    []string{"Security policy requires additional context"},
		NeedFields: []string{"context.agent.intent", "context.agent.plan"},
	}
	err := h.Enforce(context.Background(), verdict, testOperation())
	var denied *EnforcementError
	if !errors.As(err, &denied) {
		t.Fatalf("Enforce() = %v, want EnforcementError", err)
	}
	msg := denied.Message
	for _, want := range []string{
		"SECURITY POLICY NEEDS MORE INFORMATION FOR REVIEWING CLIENT REQUEST:",
		"__wrapper_modelIntent",
		"__wrapper_modelPlan",
		"AFFECTED FIELDS:",
		"MANDATORY ACTIONS:",
		"Retry the tool call",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if dialog.confirmCalls+dialog.blockingCalls != 0 {
		t.Error("need_more_info showed a dialog")
	}
	if len(rec.confirmations) != 0 {
		t.Errorf("need_more_info recorded a confirmation: %v", rec.confirmations)
	}
}

func TestEnforce_NeedMoreInfoResponseStage(t *testing.T) {
	h := NewHandler(nil, nil, nil, DefaultConfig())

	verdict := Verdict{
		Decision:   DecisionNeedMoreInfo,
		NeedFields: []string{"context.workspace.current_files"},
	}
	op := testOperation()
	op.IsRequest = false
	err := h.Enforce(context.Background(), verdict, op)
	if err == nil {
		t.Fatal("Enforce() = nil, want error")
	}
	if !strings.Contains(err.Error(), "TOOL RESPONSE") {
		t.Errorf("message missing TOOL RESPONSE stage:\n%s", err.Error())
	}
	if !strings.Contains(err.Error(), "__wrapper_currentFiles") {
		t.Errorf("message missing translated field:\n%s", err.Error())
	}
}

func TestEnforce_DenyMessageExact(t *testing.T) {
	const want = "Security Violation. User blocked the operation"

	t.Run("policy block without override", func(t *testing.T) {
		t.Setenv(envMinBlockSeverity, "low")
		t.Setenv(envAllowBlockOverride, "false")
		h := NewHandler(nil, &fakeRecorder{}, nil, DefaultConfig())

		verdict := Verdict{Decision: DecisionBlock, Severity: "high", Reasons: []string{"exfiltration risk"}}
		err := h.Enforce(context.Background(), verdict, testOperation())
		if err == nil || err.Error() != want {
			t.Errorf("Enforce() = %q, want %q", err, want)
		}
	})

	t.Run("user block in dialog", func(t *testing.T) {
		t.Setenv(envMinBlockSeverity, "low")
		t.Setenv(envAllowBlockOverride, "true")
		dialog := &fakeDialog{decision: UserBlock}
		h := NewHandler(dialog, &fakeRecorder{}, nil, DefaultConfig())

		verdict := Verdict{Decision: DecisionBlock, Severity: "high", Reasons: []string{"exfiltration risk"}}
		err := h.Enforce(context.Background(), verdict, testOperation())
		if err == nil || err.Error() != want {
			t.Errorf("Enforce() = %q, want %q", err, want)
		}
	})
}

func TestEnforce_EmptyReasonsDefaultInDialog(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "true")
	dialog := &fakeDialog{decision: UserAllow}
	h := NewHandler(dialog, &fakeRecorder{}, nil, DefaultConfig())

	verdict := Verdict{Decision: DecisionBlock, Severity: "high"}
	if err := h.Enforce(context.Background(), verdict, testOperation()); err != nil {
		t.Fatalf("Enforce() = %v, want nil after user allow", err)
	}
	if len(dialog.lastReq.Reasons) != 1 || dialog.lastReq.Reasons[0] != "Policy violation" {
		t.Errorf("dialog reasons = %v, want default reason", dialog.lastReq.Reasons)
	}
}

func TestEnforce_CustomErrorPrefix(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "low")
	t.Setenv(envAllowBlockOverride, "false")
	h := NewHandler(nil, &fakeRecorder{}, nil, DefaultConfig())

	op := testOperation()
	op.ErrorPrefix = "Custom Security Error"
	verdict := Verdict{Decision: DecisionBlock, Severity: "high", Reasons: []string{"violation"}}
	err := h.Enforce(context.Background(), verdict, op)
	if err == nil || err.Error() != "Custom Security Error. User blocked the operation" {
		t.Errorf("Enforce() = %v, want custom prefix with fixed suffix", err)
	}
}

func TestEnforce_ConfigFallbackWhenEnvUnset(t *testing.T) {
	t.Setenv(envMinBlockSeverity, "")
	t.Setenv(envAllowBlockOverride, "")
	rec := &fakeRecorder{}
	h := NewHandler(nil, rec, nil, Config{MinBlockSeverity: SeverityCritical, AllowBlockOverride: false})

	verdict := Verdict{Decision: DecisionBlock, Severity: "high", Reasons: []string{"concern"}}
	if err := h.Enforce(context.Background(), verdict, testOperation()); err != nil {
		t.Fatalf("Enforce() = %v, want auto-allow via configured threshold", err)
	}
	wantRecorded(t, rec, UserAllow)
}

func TestTranslateNeedFields(t *testing.T) {
	got := translateNeedFields([]string{
		"context.agent.intent",
		"context.agent.user_prompt_id",
		"some.unknown.path",
	})
	want := []string{"__wrapper_modelIntent", "__wrapper_userPromptId", "some.unknown.path"}
	if len(got) != len(want) {
		t.Fatalf("translateNeedFields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("translateNeedFields[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func wantRecorded(t *testing.T, rec *fakeRecorder, want UserDecision) {
	t.Helper()
	if len(rec.confirmations) != 1 {
		t.Fatalf("recorded %d confirmations, want 1", len(rec.confirmations))
	}
	if rec.confirmations[0].Decision != want {
		t.Errorf("recorded decision %q, want %q", rec.confirmations[0].Decision, want)
	}
}
