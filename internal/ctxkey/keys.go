// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used to carry a logger annotated with session_id and message direction
// through the proxy pump.
type LoggerKey struct{}
