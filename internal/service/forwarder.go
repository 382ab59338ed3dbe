package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/domain/relay"
)

const (
	forwardPollInitial = 25 * time.Millisecond
	forwardPollMax     = 500 * time.Millisecond
)

// Forwarder relays application events between sessions and their links.
type Forwarder struct {
	sessions *registry
	login    *LoginService
	wait     time.Duration
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

func newForwarder(sessions *registry, login *LoginService, wait time.Duration, metrics *Metrics, tracer trace.Tracer, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		sessions: sessions,
		login:    login,
		wait:     wait,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
	}
}

// Forward emits req on the session's link and acknowledges it with
// forward-ack. Agent-scoped events log the agent in first. A login event
// always carries the stored credential, never the caller's payload.
func (f *Forwarder) Forward(ctx context.Context, sessionID string, req event.ForwardRequest) error {
	ctx, span := f.tracer.Start(ctx, "relay.forward", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("event.name", req.Event),
		attribute.String("agent.id", req.AgentID),
	))
	start := time.Now()
	err := f.forward(ctx, sessionID, req)
	f.metrics.observeForward(time.Since(start))
	endSpan(span, err)
	return err
}

func (f *Forwarder) forward(ctx context.Context, sessionID string, req event.ForwardRequest) error {
	if req.Event == "" {
		return relay.ErrMissingEvent
	}
	if event.IsReserved(req.Event) {
		return fmt.Errorf("%w: %q", relay.ErrReservedEvent, req.Event)
	}
	s, ok := f.sessions.get(sessionID)
	if !ok {
		return relay.ErrSessionNotFound
	}

	h, err := f.awaitLink(ctx, s)
	if err != nil {
		return err
	}

	if req.Event == event.Login {
		if req.AgentID == "" {
			return &relay.LoginError{Reason: "agentId is required"}
		}
		// The login round trip emits the credential-resolved payload.
		if err := f.login.Authenticate(ctx, sessionID, req.AgentID); err != nil {
			if errors.Is(err, relay.ErrNoCredential) {
				return &relay.LoginError{AgentID: req.AgentID, Err: relay.ErrNoCredential}
			}
			return err
		}
		f.metrics.forwarded("to_link")
		s.notify(event.NotifyForwardAck, event.ForwardAck{Event: req.Event})
		return nil
	}

	if req.AgentID != "" && !s.isAuthenticated(req.AgentID) {
		err := f.login.Authenticate(ctx, sessionID, req.AgentID)
		switch {
		case errors.Is(err, relay.ErrNoCredential):
			s.logger.Warn("no stored credential, forwarding unauthenticated", "agent_id", req.AgentID, "event", req.Event)
		case err != nil:
			return err
		}
		// The link may have been replaced during the login round trip.
		if h, err = f.awaitLink(ctx, s); err != nil {
			return err
		}
	}

	if err := h.link.Emit(ctx, req.Event, req.Payload); err != nil {
		return &relay.LinkUnavailableError{Reason: "emit failed", Err: err}
	}
	f.metrics.forwarded("to_link")
	s.notify(event.NotifyForwardAck, event.ForwardAck{Event: req.Event})
	return nil
}

// awaitLink returns the session's link once it is connected, polling with
// a growing interval for at most the forward wait window.
func (f *Forwarder) awaitLink(ctx context.Context, s *session) (*linkHandle, error) {
	deadline := time.Now().Add(f.wait)
	interval := forwardPollInitial
	for {
		s.mu.Lock()
		closed, tenantID, h, pending := s.closed, s.tenantID, s.link, s.pending != nil
		s.mu.Unlock()

		switch {
		case closed:
			return nil, relay.ErrSessionNotFound
		case h == nil && !pending:
			if tenantID == "" {
				return nil, &relay.LinkUnavailableError{Reason: "no tenant selected"}
			}
			return nil, &relay.LinkUnavailableError{Reason: "no link for session"}
		case h != nil && h.link.Connected():
			return h, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &relay.LinkUnavailableError{Reason: "remote not established"}
		}
		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, &relay.LinkUnavailableError{Reason: "remote not established", Err: ctx.Err()}
		}
		interval = min(interval*2, forwardPollMax)
	}
}

// deliver forwards an application event from h to its owning session.
// Failures are logged and never affect the link.
func (f *Forwarder) deliver(s *session, h *linkHandle, ev event.Event) {
	s.mu.Lock()
	owned := s.link == h && !s.closed
	s.mu.Unlock()
	if !owned {
		return
	}
	if !s.ch.Open() {
		s.logger.Debug("session channel closed, dropping link event", "event", ev.Name)
		return
	}
	if err := s.ch.Emit(ev.Name, ev.Payload); err != nil {
		s.logger.Warn("failed to forward link event to session", "event", ev.Name, "error", err)
		return
	}
	f.metrics.forwarded("to_session")
}
