// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger.
// Set by HTTP middleware with request_id and remote_ip fields; read by the
// session server so session logs carry the request that opened them.
type LoggerKey struct{}
