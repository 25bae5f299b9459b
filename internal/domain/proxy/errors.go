package proxy

import (
	"encoding/json"
	"errors"

	"github.com/mcpower-security/mcpower/internal/domain/decision"
)

// ErrPolicyDenied is the sentinel all policy denials unwrap to.
var ErrPolicyDenied = errors.New("policy denied")

// PolicyError blocks a message. Message is the exact text the client sees.
type PolicyError struct {
	Message string
	EventID string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return e.Message
}

// Unwrap returns ErrPolicyDenied so errors.Is(err, ErrPolicyDenied) works.
func (e *PolicyError) Unwrap() error {
	return ErrPolicyDenied
}

// SafeErrorMessage returns a client-safe error message.
// Enforcement errors carry text meant for the agent verbatim; everything
// else collapses to a generic message so internals never leak.
func SafeErrorMessage(err error) string {
	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return policyErr.Message
	}
	var enforceErr *decision.EnforcementError
	if errors.As(err, &enforceErr) {
		return enforceErr.Message
	}
	if errors.Is(err, ErrPolicyDenied) {
		return "Access denied by policy"
	}
	return "Internal error"
}

// CreateJSONRPCError creates a JSON-RPC 2.0 error response.
// id: request ID (may be nil for notifications)
// code: JSON-RPC error code (e.g., -32600 for invalid request)
// message: human-readable error message
func CreateJSONRPCError(id interface{}, code int, message string) []byte {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}
	b, _ := json.Marshal(resp)
	return b
}
