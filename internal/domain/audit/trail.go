// Package audit emits the append-only trail of inspected operations.
// Events are queued until the workspace app UID is known, then flushed in
// order; every event's data passes through redaction before it is written.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpower-security/mcpower/internal/domain/redact"
)

// identifierKeys are data paths that carry correlation identifiers, never
// payload content. Resource URIs double as tool names, so pattern redaction
// on these would break trail correlation.
var identifierKeys = []string{"server_name", "tool_name", "server", "tool"}

// Event is one audit trail entry. Field order matters: app_uid leads every
// serialized line.
type Event struct {
	AppUID      string `json:"app_uid"`
	SessionID   string `json:"session_id"`
	Timestamp   string `json:"timestamp"`
	EventType   string `json:"event_type"`
	Data        any    `json:"data,omitempty"`
	PromptID    string `json:"prompt_id,omitempty"`
	UserPrompt  string `json:"user_prompt,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Sink persists events. Write failures are logged by the trail, never
// surfaced to the pipeline.
type Sink interface {
	Write(event Event) error
	Close() error
}

// Trail is the process-wide audit logger.
type Trail struct {
	sessionID string
	logger    *slog.Logger

	mu          sync.Mutex
	appUID      string
	pending     []Event
	seenPrompts map[string]bool
	sinks       []Sink
}

func NewTrail(sessionID string, logger *slog.Logger, sinks ...Sink) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		sessionID:   sessionID,
		logger:      logger,
		seenPrompts: map[string]bool{},
		sinks:       sinks,
	}
}

// SetAppUID binds the workspace identity and flushes queued events. Only the
// first call takes effect; later calls are ignored with a warning.
func (t *Trail) SetAppUID(appUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appUID != "" {
		if t.appUID != appUID {
			t.logger.Warn("app uid already set, ignoring new value",
				"current", t.appUID, "ignored", appUID)
		}
		return
	}
	t.appUID = appUID
	for i := range t.pending {
		t.pending[i].AppUID = appUID
		t.writeLocked(t.pending[i])
	}
	t.pending = nil
}

// Record emits one event. The caller fills EventType, Data, EventID,
// PromptID and UserPrompt; the trail adds identity, timestamp, redaction and
// the content hash. UserPrompt is written once per prompt id.
func (t *Trail) Record(event Event) {
	event.SessionID = t.sessionID
	event.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if event.Data != nil {
		event.Data, _ = redact.RedactWithKeys(event.Data, identifierKeys, nil)
		event.ContentHash = contentHash(event.Data)
	}
	if event.UserPrompt != "" {
		event.UserPrompt, _ = redact.Redact(event.UserPrompt).(string)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if event.UserPrompt != "" && event.PromptID != "" {
		if t.seenPrompts[event.PromptID] {
			event.UserPrompt = ""
		} else {
			t.seenPrompts[event.PromptID] = true
		}
	}

	if t.appUID == "" {
		t.pending = append(t.pending, event)
		return
	}
	event.AppUID = t.appUID
	t.writeLocked(event)
}

// Event lets the policy client log its API call pairs through the trail.
func (t *Trail) Event(eventType string, data map[string]any) {
	t.Record(Event{EventType: eventType, Data: data})
}

// Close flushes nothing further and closes all sinks. Events still pending
// without an app UID are dropped with a warning.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		t.logger.Warn("dropping audit events queued without app uid",
			"count", len(t.pending))
		t.pending = nil
	}
	var firstErr error
	for _, sink := range t.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Trail) writeLocked(event Event) {
	for _, sink := range t.sinks {
		if err := sink.Write(event); err != nil {
			t.logger.Warn("audit sink write failed",
				"error", err, "event_type", event.EventType)
		}
	}
}

// contentHash digests the redacted payload for tamper-evident correlation.
func contentHash(data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}
