// Package relay contains the per-session relay state, the error taxonomy
// surfaced to front-end sessions, and the request/response correlator used
// for the agent login handshake.
package relay

import "errors"

// Sentinel errors for relay operations.
var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoCredential is returned when no credential is stored for an agent.
	ErrNoCredential = errors.New("no stored credential for agent")
	// ErrReconnectionExhausted is reported when both native and fallback
	// reconnection gave up.
	ErrReconnectionExhausted = errors.New("reconnection exhausted")
	// ErrReservedEvent is returned when a session tries to forward a
	// transport or gateway event name.
	ErrReservedEvent = errors.New("event name is reserved")
	// ErrMissingEvent is returned when a forward request has no event name.
	ErrMissingEvent = errors.New("event name is required")
	// ErrLoginTimeout is the cause of a LoginError when no reply arrived.
	ErrLoginTimeout = errors.New("login timed out")
)

// SelectionError reports a failed tenant selection: missing tenant id,
// unknown tenant, misconfigured authorization or a link that never came up.
type SelectionError struct {
	TenantID string
	Reason   string
	Err      error
}

func (e *SelectionError) Error() string {
	msg := "select tenant"
	if e.TenantID != "" {
		msg += " " + e.TenantID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SelectionError) Unwrap() error { return e.Err }

// LinkUnavailableError reports a forward that found no usable link. Nothing
// was emitted on the link when this error is returned.
type LinkUnavailableError struct {
	Reason string
	Err    error
}

func (e *LinkUnavailableError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *LinkUnavailableError) Unwrap() error { return e.Err }

// LoginError reports a failed agent login. The link is left intact.
type LoginError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *LoginError) Error() string {
	msg := "login failed"
	if e.AgentID != "" {
		msg += " for agent " + e.AgentID
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && (e.Reason == "" || e.Reason != e.Err.Error()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoginError) Unwrap() error { return e.Err }
