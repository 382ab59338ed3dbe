package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/domain/relay"
	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
)

// LoginService authenticates agents on a session's link and replays those
// logins after the link recovers.
type LoginService struct {
	sessions    *registry
	credentials tenant.CredentialStore
	timeout     time.Duration
	inflight    singleflight.Group
	metrics     *Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
}

func newLoginService(sessions *registry, credentials tenant.CredentialStore, timeout time.Duration, metrics *Metrics, tracer trace.Tracer, logger *slog.Logger) *LoginService {
	return &LoginService{
		sessions:    sessions,
		credentials: credentials,
		timeout:     timeout,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger,
	}
}

// Authenticate logs agentID in on the session's link with the stored
// credential. Concurrent calls for the same session and agent share one
// round trip, which is bounded by the login timeout rather than by any one
// caller's ctx. Returns an error wrapping relay.ErrNoCredential when no
// credential is stored.
func (l *LoginService) Authenticate(ctx context.Context, sessionID, agentID string) error {
	ctx, span := l.tracer.Start(ctx, "relay.authenticate", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("agent.id", agentID),
	))
	shared := context.WithoutCancel(ctx)
	ch := l.inflight.DoChan(sessionID+"\x00"+agentID, func() (any, error) {
		return nil, l.authenticate(shared, sessionID, agentID)
	})

	var err error
	select {
	case res := <-ch:
		err = res.Err
		span.SetAttributes(attribute.Bool("login.shared", res.Shared))
	case <-ctx.Done():
		err = &relay.LoginError{AgentID: agentID, Err: ctx.Err()}
	}
	endSpan(span, err)
	return err
}

func (l *LoginService) authenticate(ctx context.Context, sessionID, agentID string) error {
	s, ok := l.sessions.get(sessionID)
	if !ok {
		return relay.ErrSessionNotFound
	}
	s.mu.Lock()
	tenantID, h := s.tenantID, s.link
	s.mu.Unlock()
	if h == nil || tenantID == "" {
		return &relay.LinkUnavailableError{Reason: "no tenant link for session"}
	}
	logger := s.logger.With("tenant_id", tenantID, "agent_id", agentID)

	cred, err := l.credentials.Find(ctx, tenantID, agentID)
	if err != nil {
		return &relay.LoginError{AgentID: agentID, Reason: "resolve credential", Err: err}
	}
	if cred == nil {
		return fmt.Errorf("agent %s on tenant %s: %w", agentID, tenantID, relay.ErrNoCredential)
	}

	payload, err := json.Marshal(event.LoginPayload{AgentID: agentID, Password: cred.Password})
	if err != nil {
		return &relay.LoginError{AgentID: agentID, Reason: "encode login", Err: err}
	}

	w := h.corr.Expect(loginReply(agentID))
	if err := h.link.Emit(ctx, event.Login, payload); err != nil {
		w.Cancel()
		l.metrics.login("error")
		return &relay.LoginError{AgentID: agentID, Reason: "emit login", Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := w.Wait(waitCtx); err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			err = relay.ErrLoginTimeout
			result = "timeout"
		}
		l.metrics.login(result)
		logger.Warn("agent login failed", "error", err)
		return &relay.LoginError{AgentID: agentID, Err: err}
	}

	s.mu.Lock()
	if s.link == h {
		s.agents.Add(agentID)
	}
	s.mu.Unlock()
	l.metrics.login("ok")
	logger.Info("agent logged in")
	return nil
}

// RestoreAll replays Authenticate for agentIDs one at a time, in order.
// A failed replay removes that agent from the session's logged-in set and
// does not stop the others.
func (l *LoginService) RestoreAll(ctx context.Context, sessionID string, agentIDs []string) error {
	var errs []error
	for _, agentID := range agentIDs {
		err := l.Authenticate(ctx, sessionID, agentID)
		if err == nil {
			continue
		}
		if errors.Is(err, relay.ErrSessionNotFound) {
			return err
		}
		if s, ok := l.sessions.get(sessionID); ok {
			s.mu.Lock()
			s.agents.Remove(agentID)
			s.mu.Unlock()
			s.logger.Warn("login restoration failed", "agent_id", agentID, "error", err)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// routeReply offers ev to a link's waiters. A login reply that names no
// agent answers only the oldest outstanding login.
func routeReply(corr *relay.Correlator, ev event.Event) {
	if isLoginReply(ev) && decodeLoginReply(ev.Payload).AgentID == "" {
		corr.DeliverFirst(ev)
		return
	}
	corr.Deliver(ev)
}

func isLoginReply(ev event.Event) bool {
	return !ev.IsControl() && (ev.Name == event.LoginSuccess || ev.Name == event.LoginError)
}

// loginReply matches login_success and login_error events for agentID.
// Replies that carry a different agentId are ignored.
func loginReply(agentID string) relay.MatchFunc {
	return func(ev event.Event) (bool, error) {
		if !isLoginReply(ev) {
			return false, nil
		}
		reply := decodeLoginReply(ev.Payload)
		if reply.AgentID != "" && reply.AgentID != agentID {
			return false, nil
		}
		if ev.Name == event.LoginSuccess {
			return true, nil
		}
		switch {
		case reply.Error != "":
			return true, errors.New(reply.Error)
		case reply.Message != "":
			return true, errors.New(reply.Message)
		default:
			return true, errors.New("login rejected by remote")
		}
	}
}

// decodeLoginReply accepts an object reply or a bare string message.
func decodeLoginReply(payload json.RawMessage) event.LoginReply {
	var reply event.LoginReply
	if len(payload) == 0 {
		return reply
	}
	if err := json.Unmarshal(payload, &reply); err == nil {
		return reply
	}
	var msg string
	if err := json.Unmarshal(payload, &msg); err == nil {
		reply.Message = msg
	}
	return reply
}
