package event

import "encoding/json"

// Inbound requests sent by a front-end session.
const (
	RequestSelectTenant = "select-tenant"
	RequestForward      = "forward"
)

// Notifications produced for the owning session only.
const (
	NotifySelectSuccess        = "select-success"
	NotifyError                = "error"
	NotifyForwardAck           = "forward-ack"
	NotifyRemoteReconnecting   = "remote-reconnecting"
	NotifyRemoteReconnected    = "remote-reconnected"
	NotifyRemoteReconnectError = "remote-reconnect-error"
	NotifyRemoteReconnectFail  = "remote-reconnect-failed"
	NotifyRemoteDisconnected   = "remote-disconnected"
)

var notifications = map[string]struct{}{
	NotifySelectSuccess:        {},
	NotifyForwardAck:           {},
	NotifyRemoteReconnecting:   {},
	NotifyRemoteReconnected:    {},
	NotifyRemoteReconnectError: {},
	NotifyRemoteReconnectFail:  {},
	NotifyRemoteDisconnected:   {},
}

// Agent login handshake events on a tenant link.
const (
	Login        = "login"
	LoginSuccess = "login_success"
	LoginError   = "login_error"
)

// SelectTenantRequest is the payload of select-tenant.
type SelectTenantRequest struct {
	TenantID string `json:"tenantId"`
}

// ForwardRequest is the payload of forward.
type ForwardRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
}

// LoginPayload is the only payload ever emitted with a login event.
type LoginPayload struct {
	AgentID  string `json:"agentId"`
	Password string `json:"password"`
}

// LoginReply is the subset of a login_success/login_error payload the
// gateway inspects.
type LoginReply struct {
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TenantNotice is the payload of select-success, remote-reconnected and
// remote-disconnected.
type TenantNotice struct {
	TenantID string `json:"tenantId"`
}

// ReconnectingNotice is the payload of remote-reconnecting.
type ReconnectingNotice struct {
	TenantID string `json:"tenantId"`
	Attempt  int    `json:"attempt"`
}

// ReconnectErrorNotice is the payload of remote-reconnect-error and
// remote-reconnect-failed.
type ReconnectErrorNotice struct {
	TenantID string `json:"tenantId"`
	Error    string `json:"error"`
}

// ErrorNotice is the payload of error.
type ErrorNotice struct {
	Message string `json:"message"`
}

// ForwardAck is the payload of forward-ack.
type ForwardAck struct {
	Event string `json:"event"`
}
