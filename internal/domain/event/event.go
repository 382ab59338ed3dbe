// Package event defines the events that travel over a tenant link and the
// notifications the gateway produces for front-end sessions.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind separates transport-internal events from application traffic.
type Kind int

const (
	// KindApplication is an application event that is forwarded verbatim.
	KindApplication Kind = iota
	// KindControl is a transport lifecycle event consumed by the gateway.
	KindControl
)

// ControlKind identifies a transport lifecycle event.
type ControlKind string

// Transport lifecycle events. These are never forwarded to a session.
const (
	ControlConnect          ControlKind = "connect"
	ControlDisconnect       ControlKind = "disconnect"
	ControlConnectError     ControlKind = "connect_error"
	ControlReconnect        ControlKind = "reconnect"
	ControlReconnectAttempt ControlKind = "reconnect_attempt"
	ControlReconnecting     ControlKind = "reconnecting"
	ControlReconnectError   ControlKind = "reconnect_error"
	ControlReconnectFailed  ControlKind = "reconnect_failed"
	ControlPing             ControlKind = "ping"
	ControlPong             ControlKind = "pong"
	// ControlError is a channel-level error raised by the transport itself.
	// It is swallowed, never surfaced to a session. A peer frame named
	// "error" is application traffic and decodes as such.
	ControlError ControlKind = "error"
)

var controlKinds = map[string]ControlKind{
	string(ControlConnect):          ControlConnect,
	string(ControlDisconnect):       ControlDisconnect,
	string(ControlConnectError):     ControlConnectError,
	string(ControlReconnect):        ControlReconnect,
	string(ControlReconnectAttempt): ControlReconnectAttempt,
	string(ControlReconnecting):     ControlReconnecting,
	string(ControlReconnectError):   ControlReconnectError,
	string(ControlReconnectFailed):  ControlReconnectFailed,
	string(ControlPing):             ControlPing,
	string(ControlPong):             ControlPong,
}

// Event is one item received from a link: either a control event or an
// application event. Exactly one of Control or Name is meaningful, selected
// by Kind.
type Event struct {
	Kind    Kind
	Control ControlKind

	// Name and Payload carry an application event.
	Name    string
	Payload json.RawMessage

	// Attempt is set on reconnect_attempt and reconnecting.
	Attempt int
	// Reason is set on disconnect.
	Reason string
	// Err is set on connect_error, reconnect_error and transport errors.
	Err error
}

// Application builds an application event.
func Application(name string, payload json.RawMessage) Event {
	return Event{Kind: KindApplication, Name: name, Payload: payload}
}

// Control builds a control event of the given kind.
func Control(kind ControlKind) Event {
	return Event{Kind: KindControl, Control: kind}
}

// ControlWithError builds a control event that carries an error.
func ControlWithError(kind ControlKind, err error) Event {
	return Event{Kind: KindControl, Control: kind, Err: err}
}

// ControlWithAttempt builds a reconnect progress event.
func ControlWithAttempt(kind ControlKind, attempt int) Event {
	return Event{Kind: KindControl, Control: kind, Attempt: attempt}
}

// Disconnected builds a disconnect event with the transport's reason.
func Disconnected(reason string) Event {
	return Event{Kind: KindControl, Control: ControlDisconnect, Reason: reason}
}

// IsControl reports whether the event is transport-internal.
func (e Event) IsControl() bool {
	return e.Kind == KindControl
}

// ErrorMessage returns the carried error text, or fallback when there is none.
func (e Event) ErrorMessage(fallback string) string {
	if e.Err == nil {
		return fallback
	}
	return e.Err.Error()
}

// String implements fmt.Stringer for log fields.
func (e Event) String() string {
	if e.IsControl() {
		return fmt.Sprintf("control:%s", e.Control)
	}
	return e.Name
}

// Decode classifies a named event arriving on the wire. Names that collide
// with transport lifecycle events are decoded as control events so that a
// remote peer can never inject them into the application namespace.
func Decode(name string, payload json.RawMessage) Event {
	if kind, ok := controlKinds[name]; ok {
		return Control(kind)
	}
	return Application(name, payload)
}

// IsReserved reports whether name may not be forwarded by a front-end
// session: transport lifecycle names and gateway notifications.
func IsReserved(name string) bool {
	if name == NotifyError {
		return true
	}
	if _, ok := controlKinds[name]; ok {
		return true
	}
	_, ok := notifications[name]
	return ok
}
