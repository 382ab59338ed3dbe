// Package inbound defines the inbound port interfaces for the relay core.
// Inbound adapters (websocket) call these interfaces.
package inbound

import (
	"context"
	"encoding/json"
)

// SessionChannel is the gateway's view of one front-end connection.
type SessionChannel interface {
	// Emit sends a named event to the front-end.
	Emit(name string, payload json.RawMessage) error

	// Open reports whether the front-end connection is still open.
	Open() bool
}

// RelayService is the inbound port for the relay core.
type RelayService interface {
	// Connect registers a new session for ch and returns its id.
	Connect(ch SessionChannel) string

	// Dispatch handles one named request from the session. Failures are
	// reported to the session as an error event, never returned.
	Dispatch(ctx context.Context, sessionID, name string, payload json.RawMessage)

	// Disconnect tears down the session's link and purges its state.
	Disconnect(sessionID string)
}
