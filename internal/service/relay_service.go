package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
	"github.com/Sentinel-Gate/relaygate/internal/port/inbound"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

// RelayConfig holds the relay's timing and addressing parameters.
type RelayConfig struct {
	Link         LinkConfig
	ForwardWait  time.Duration
	LoginTimeout time.Duration
}

// Dependencies are the collaborators the relay consumes.
type Dependencies struct {
	Profiles    tenant.ProfileStore
	Credentials tenant.CredentialStore
	Transport   outbound.Transport
	// Tokens is required only for oauth-client-credentials tenants.
	Tokens outbound.TokenProvider
	// Metrics and Tracer are optional.
	Metrics *Metrics
	Tracer  trace.Tracer
}

// RelayService is the entry point for front-end sessions. It implements
// inbound.RelayService.
type RelayService struct {
	sessions  *registry
	links     *LinkManager
	login     *LoginService
	forwarder *Forwarder
	metrics   *Metrics
	logger    *slog.Logger
}

// NewRelayService wires the registry, link manager, login protocol and
// forwarder.
func NewRelayService(cfg RelayConfig, deps Dependencies, logger *slog.Logger) *RelayService {
	if deps.Tracer == nil {
		deps.Tracer = defaultTracer()
	}
	sessions := newRegistry()
	login := newLoginService(sessions, deps.Credentials, cfg.LoginTimeout, deps.Metrics, deps.Tracer, logger)
	forwarder := newForwarder(sessions, login, cfg.ForwardWait, deps.Metrics, deps.Tracer, logger)
	links := newLinkManager(cfg.Link, sessions, deps, login, forwarder, logger)

	return &RelayService{
		sessions:  sessions,
		links:     links,
		login:     login,
		forwarder: forwarder,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Connect registers a session for ch and returns its id.
func (r *RelayService) Connect(ch inbound.SessionChannel) string {
	id := uuid.NewString()
	r.sessions.add(newSession(id, ch, r.logger))
	r.metrics.sessionOpened()
	r.logger.Debug("session connected", "session_id", id)
	return id
}

// Dispatch handles one named request from a session. Every failure becomes
// exactly one error event for that session.
func (r *RelayService) Dispatch(ctx context.Context, sessionID, name string, payload json.RawMessage) {
	s, ok := r.sessions.get(sessionID)
	if !ok {
		r.logger.Debug("dispatch for unknown session", "session_id", sessionID, "event", name)
		return
	}

	var err error
	switch name {
	case event.RequestSelectTenant:
		var req event.SelectTenantRequest
		if err = decodeRequest(payload, &req); err == nil {
			err = r.links.Select(ctx, sessionID, req.TenantID)
		}
	case event.RequestForward:
		var req event.ForwardRequest
		if err = decodeRequest(payload, &req); err == nil {
			err = r.forwarder.Forward(ctx, sessionID, req)
		}
	default:
		err = fmt.Errorf("unknown request %q", name)
	}

	if err != nil {
		s.logger.Debug("request failed", "event", name, "error", err)
		s.notify(event.NotifyError, event.ErrorNotice{Message: err.Error()})
	}
}

func decodeRequest(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid request payload: %w", err)
	}
	return nil
}

// Disconnect closes the session's link and removes all of its state.
func (r *RelayService) Disconnect(sessionID string) {
	if r.links.Close(sessionID) {
		r.metrics.sessionClosed()
	}
}

// Authenticate logs an agent in on the session's link. Exposed for callers
// that authenticate outside a forward.
func (r *RelayService) Authenticate(ctx context.Context, sessionID, agentID string) error {
	return r.login.Authenticate(ctx, sessionID, agentID)
}

// SessionCount returns the number of connected sessions.
func (r *RelayService) SessionCount() int {
	return r.sessions.size()
}

// Close disconnects every session and waits for background work to stop.
func (r *RelayService) Close() error {
	for _, id := range r.sessions.ids() {
		r.Disconnect(id)
	}
	r.links.shutdown()
	return nil
}

// Compile-time check that RelayService implements inbound.RelayService.
var _ inbound.RelayService = (*RelayService)(nil)
