package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

type captureSink struct {
	events []Event
	closed bool
}

func (s *captureSink) Write(event Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) Close() error {
	s.closed = true
	return nil
}

func TestTrail_PendingUntilAppUID(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)

	trail.Record(Event{EventType: "agent_request", EventID: "evt-1"})
	trail.Record(Event{EventType: "agent_request_forwarded", EventID: "evt-1"})
	if len(sink.events) != 0 {
		t.Fatalf("events written before app uid: %v", sink.events)
	}

	trail.SetAppUID("app-1")
	if len(sink.events) != 2 {
		t.Fatalf("flushed %d events, want 2", len(sink.events))
	}
	if sink.events[0].EventType != "agent_request" {
		t.Errorf("flush reordered events: %v", sink.events)
	}
	for _, e := range sink.events {
		if e.AppUID != "app-1" {
			t.Errorf("event missing app uid: %+v", e)
		}
		if e.SessionID != "session-1" {
			t.Errorf("event missing session id: %+v", e)
		}
		if e.Timestamp == "" {
			t.Errorf("event missing timestamp: %+v", e)
		}
	}

	trail.Record(Event{EventType: "mcp_response", EventID: "evt-1"})
	if len(sink.events) != 3 {
		t.Errorf("direct write after app uid failed: %d events", len(sink.events))
	}
}

func TestTrail_SecondAppUIDIgnored(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)
	trail.SetAppUID("first")
	trail.SetAppUID("second")

	trail.Record(Event{EventType: "agent_request"})
	if sink.events[0].AppUID != "first" {
		t.Errorf("app uid = %q, want first value kept", sink.events[0].AppUID)
	}
}

func TestTrail_UserPromptOncePerPromptID(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)
	trail.SetAppUID("app-1")

	trail.Record(Event{EventType: "agent_request", PromptID: "p1", UserPrompt: "do the thing"})
	trail.Record(Event{EventType: "agent_request", PromptID: "p1", UserPrompt: "do the thing"})
	trail.Record(Event{EventType: "agent_request", PromptID: "p2", UserPrompt: "another thing"})

	if sink.events[0].UserPrompt == "" {
		t.Error("first event lost its user prompt")
	}
	if sink.events[1].UserPrompt != "" {
		t.Errorf("repeat prompt id carried user prompt: %q", sink.events[1].UserPrompt)
	}
	if sink.events[2].UserPrompt == "" {
		t.Error("new prompt id lost its user prompt")
	}
}

func TestTrail_DataRedactedAndHashed(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)
	trail.SetAppUID("app-1")

	trail.Record(Event{
		EventType: "agent_request",
		Data:      map[string]any{"email": "a@b.com", "path": "x.txt"},
	})

	data := sink.events[0].Data.(map[string]any)
	if data["email"] != "[REDACTED-EMAIL]" {
		t.Errorf("data not redacted: %v", data)
	}
	if sink.events[0].ContentHash == "" {
		t.Error("content hash missing")
	}

	trail.Record(Event{
		EventType: "agent_request",
		Data:      map[string]any{"email": "a@b.com", "path": "x.txt"},
	})
	if sink.events[0].ContentHash != sink.events[1].ContentHash {
		t.Error("identical payloads produced different hashes")
	}
}

func TestTrail_IdentifierKeysNotRedacted(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)
	trail.SetAppUID("app-1")

	// resources/read operations audit the resource URI as the tool name
	trail.Record(Event{
		EventType: "agent_request",
		Data: map[string]any{
			"server_name": "files",
			"tool_name":   "https://internal.example.com/db/users",
			"arguments":   map[string]any{"notify": "ops@example.com"},
		},
	})

	data := sink.events[0].Data.(map[string]any)
	if data["tool_name"] != "https://internal.example.com/db/users" {
		t.Errorf("tool_name mangled: %v", data["tool_name"])
	}
	if data["server_name"] != "files" {
		t.Errorf("server_name mangled: %v", data["server_name"])
	}
	args := data["arguments"].(map[string]any)
	if args["notify"] != "[REDACTED-EMAIL]" {
		t.Errorf("payload under identifier-exempt sibling not redacted: %v", args)
	}
}

func TestTrail_EventOrderAppUIDFirst(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)
	trail.SetAppUID("app-1")
	trail.Record(Event{EventType: "agent_request", EventID: "evt-1"})

	line, err := json.Marshal(sink.events[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(line), `{"app_uid":"app-1"`) {
		t.Errorf("serialized event does not lead with app_uid: %s", line)
	}
}

func TestTrail_CloseDropsPendingAndClosesSinks(t *testing.T) {
	sink := &captureSink{}
	trail := NewTrail("session-1", nil, sink)
	trail.Record(Event{EventType: "agent_request"})

	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	if len(sink.events) != 0 {
		t.Errorf("pending events written on close: %v", sink.events)
	}
}
