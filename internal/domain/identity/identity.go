// Package identity mints the identifiers every inspected operation carries:
// the per-process session id, per-operation event ids, prompt ids, and the
// persisted app/user UIDs.
package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns the process-lifetime session identifier. Callers
// create it once at startup and never replace it.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEventID returns a unique operation identifier: epoch milliseconds plus
// the first eight hex characters of a fresh UUID.
func NewEventID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// DefaultPromptID derives a prompt identifier from the session when the IDE
// did not supply one.
func DefaultPromptID(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return sessionID[:8]
}
