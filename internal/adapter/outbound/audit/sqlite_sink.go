package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mcpower-security/mcpower/internal/domain/audit"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	app_uid      TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	event_id     TEXT,
	prompt_id    TEXT,
	content_hash TEXT,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_event_id ON audit_events(event_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id);
`

// SQLiteSink writes the same events as the JSONL sink into a local SQLite
// database for structured queries.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
}

var _ audit.Sink = (*SQLiteSink)(nil)

// NewSQLiteSink opens (or creates) the database at path and prepares the
// events table.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// the sink serializes writes through a single prepared statement
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createEventsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit tables: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO audit_events
		(app_uid, session_id, timestamp, event_type, event_id, prompt_id, content_hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare audit insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: insert}, nil
}

// Write stores one event row with the full serialized payload.
func (s *SQLiteSink) Write(event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = s.insert.Exec(
		event.AppUID, event.SessionID, event.Timestamp, event.EventType,
		event.EventID, event.PromptID, event.ContentHash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Close releases the prepared statement and the database handle.
func (s *SQLiteSink) Close() error {
	_ = s.insert.Close()
	return s.db.Close()
}
