package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/domain/relay"
	"github.com/Sentinel-Gate/relaygate/internal/domain/tenant"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

// errSelectTimeout is the cause of a selection whose link never came up.
var errSelectTimeout = errors.New("timed out waiting for remote")

// LinkConfig configures link establishment and supervision.
type LinkConfig struct {
	DefaultAgentPort int
	AgentPath        string
	SelectTimeout    time.Duration
	Reconnect        outbound.ReconnectPolicy

	// Fallback reconnection after native reconnection is exhausted.
	FallbackAttempts  int
	FallbackBaseDelay time.Duration
	FallbackMaxDelay  time.Duration
}

// linkHandle is one link owned by a session together with its pump.
type linkHandle struct {
	link     outbound.Link
	profile  *tenant.Profile
	policy   outbound.ReconnectPolicy
	corr     *relay.Correlator
	fallback int // fallback attempt that opened this link, 0 for a selected link

	// Guarded by the owning session's mu.
	everConnected bool
	attemptNoted  bool

	pumping  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// LinkManager creates, replaces and tears down tenant links and runs the
// reconnection state machine for each of them.
type LinkManager struct {
	cfg       LinkConfig
	sessions  *registry
	profiles  tenant.ProfileStore
	tokens    outbound.TokenProvider
	transport outbound.Transport
	login     *LoginService
	forwarder *Forwarder
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLinkManager(cfg LinkConfig, sessions *registry, deps Dependencies, login *LoginService, forwarder *Forwarder, logger *slog.Logger) *LinkManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LinkManager{
		cfg:       cfg,
		sessions:  sessions,
		profiles:  deps.Profiles,
		tokens:    deps.Tokens,
		transport: deps.Transport,
		login:     login,
		forwarder: forwarder,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Select binds the session to tenantID, opening a link if needed, and
// emits select-success once the link is connected.
func (m *LinkManager) Select(ctx context.Context, sessionID, tenantID string) error {
	ctx, span := m.tracer.Start(ctx, "relay.select", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("tenant.id", tenantID),
	))
	err := m.selectTenant(ctx, sessionID, tenantID)
	endSpan(span, err)
	return err
}

func (m *LinkManager) selectTenant(ctx context.Context, sessionID, tenantID string) error {
	if tenantID == "" {
		return &relay.SelectionError{Reason: "tenant id is required"}
	}
	s, ok := m.sessions.get(sessionID)
	if !ok {
		return relay.ErrSessionNotFound
	}
	logger := s.logger.With("tenant_id", tenantID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return relay.ErrSessionNotFound
	}
	if s.pending != nil && s.pending.tenantID == tenantID {
		s.mu.Unlock()
		logger.Debug("selection already in flight")
		return nil
	}
	// A dead or recovering link to the same tenant is replaced below.
	if s.pending == nil && s.tenantID == tenantID && s.link != nil &&
		s.reconnect.State == relay.StateStable && s.link.link.Connected() {
		s.mu.Unlock()
		s.notify(event.NotifySelectSuccess, event.TenantNotice{TenantID: tenantID})
		return nil
	}
	sel := newSelection(tenantID)
	if s.pending != nil {
		s.pending.resolve(errSuperseded)
	}
	s.pending = sel
	s.mu.Unlock()

	profile, err := m.profiles.Resolve(ctx, tenantID)
	if err != nil {
		m.abandon(s, sel)
		m.metrics.selection("error")
		return &relay.SelectionError{TenantID: tenantID, Reason: "resolve tenant", Err: err}
	}

	old, current := m.detach(s, sel)
	m.teardown(old)
	if !current {
		return nil
	}

	h, err := m.open(ctx, s, profile, m.cfg.Reconnect, 0)
	if err != nil {
		m.abandon(s, sel)
		m.metrics.selection("error")
		return err
	}

	s.mu.Lock()
	if s.pending != sel || s.closed {
		s.mu.Unlock()
		m.teardown(h)
		return nil
	}
	s.link = h
	s.tenantID = tenantID
	s.reconnect.Reset()
	s.mu.Unlock()
	m.startPump(s, h)

	if h.link.Connected() {
		sel.resolve(nil)
	}

	timer := time.NewTimer(m.cfg.SelectTimeout)
	defer timer.Stop()
	select {
	case err = <-sel.result:
	case <-timer.C:
		err = errSelectTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if errors.Is(err, errSuperseded) {
		logger.Debug("selection superseded")
		return nil
	}

	s.mu.Lock()
	owned := s.pending == sel
	if owned {
		s.pending = nil
	}
	var dropped *linkHandle
	if owned && err != nil && s.link == h {
		dropped = h
		s.link = nil
		s.tenantID = ""
	}
	s.mu.Unlock()
	if !owned {
		return nil
	}
	if err != nil {
		m.teardown(dropped)
		m.metrics.selection("error")
		return &relay.SelectionError{TenantID: tenantID, Reason: "link not established", Err: err}
	}

	m.metrics.selection("ok")
	logger.Info("tenant selected")
	s.notify(event.NotifySelectSuccess, event.TenantNotice{TenantID: tenantID})
	return nil
}

// abandon clears sel if it is still the session's pending selection.
func (m *LinkManager) abandon(s *session, sel *selection) {
	s.mu.Lock()
	if s.pending == sel {
		s.pending = nil
	}
	s.mu.Unlock()
}

// detach unregisters the session's current link and purges the state bound
// to it, unless sel is no longer pending. The caller must teardown the
// returned handle.
func (m *LinkManager) detach(s *session, sel *selection) (*linkHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != sel {
		return nil, false
	}
	h := s.link
	s.link = nil
	s.tenantID = ""
	s.agents.Clear()
	s.snapshot = nil
	s.reconnect.Reset()
	return h, true
}

// open resolves the authorization header and URL for profile and opens a
// link. Errors are *relay.SelectionError.
func (m *LinkManager) open(ctx context.Context, s *session, profile *tenant.Profile, policy outbound.ReconnectPolicy, fallback int) (*linkHandle, error) {
	header, err := m.authHeader(ctx, profile)
	if err != nil {
		return nil, &relay.SelectionError{TenantID: profile.ID, Reason: "authorize", Err: err}
	}
	url, err := tenant.LinkURL(profile, m.cfg.DefaultAgentPort, m.cfg.AgentPath)
	if err != nil {
		return nil, &relay.SelectionError{TenantID: profile.ID, Reason: "endpoint", Err: err}
	}
	link, err := m.transport.Open(ctx, url, header, policy)
	if err != nil {
		return nil, &relay.SelectionError{TenantID: profile.ID, Reason: "open link", Err: err}
	}
	m.metrics.linkOpened()
	s.logger.Info("link opened", "tenant_id", profile.ID, "url", url, "fallback_attempt", fallback)

	return &linkHandle{
		link:     link,
		profile:  profile,
		policy:   policy,
		corr:     relay.NewCorrelator(),
		fallback: fallback,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// authHeader builds the Authorization header for the tenant's auth mode.
func (m *LinkManager) authHeader(ctx context.Context, p *tenant.Profile) (http.Header, error) {
	var token string
	switch p.AuthMode {
	case tenant.AuthModeStaticKey:
		if p.StaticKey == "" {
			return nil, fmt.Errorf("%w: static key not configured", tenant.ErrMissingSecret)
		}
		token = p.StaticKey
	case tenant.AuthModeOAuthClientCredentials:
		if m.tokens == nil {
			return nil, errors.New("no oauth token provider configured")
		}
		t, err := m.tokens.AccessToken(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("fetch access token: %w", err)
		}
		token = t
	default:
		return nil, fmt.Errorf("%w: %q", tenant.ErrUnsupportedAuthMode, p.AuthMode)
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	return header, nil
}

// startPump starts the goroutine that drains h's events.
func (m *LinkManager) startPump(s *session, h *linkHandle) {
	h.pumping.Store(true)
	m.wg.Add(1)
	go m.pump(s, h)
}

// pump delivers h's events in arrival order: control events to the
// reconnection state machine, application events to the correlator and
// then to the owning session.
func (m *LinkManager) pump(s *session, h *linkHandle) {
	defer m.wg.Done()
	defer close(h.done)

	events := h.link.Events()
	for {
		select {
		case <-h.stop:
			return
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case <-h.stop:
				return
			default:
			}
			if ev.IsControl() {
				m.handleControl(s, h, ev)
				continue
			}
			routeReply(h.corr, ev)
			m.forwarder.deliver(s, h, ev)
		}
	}
}

// teardown stops h's pump and closes its link. It must not be called from
// h's own pump or while holding the session's mu.
func (m *LinkManager) teardown(h *linkHandle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		close(h.stop)
		if err := h.link.Close(); err != nil {
			m.logger.Debug("link close returned error", "tenant_id", h.profile.ID, "error", err)
		}
		m.metrics.linkClosed()
	})
	if h.pumping.Load() {
		<-h.done
	}
}

// Close tears down the session's link and purges every trace of the
// session from the relay. It reports whether the session existed.
func (m *LinkManager) Close(sessionID string) bool {
	s, ok := m.sessions.remove(sessionID)
	if !ok {
		return false
	}

	s.mu.Lock()
	s.closed = true
	close(s.done)
	h := s.link
	s.link = nil
	s.tenantID = ""
	s.agents.Clear()
	s.snapshot = nil
	s.reconnect = relay.Reconnection{}
	sel := s.pending
	s.pending = nil
	s.mu.Unlock()

	if sel != nil {
		sel.resolve(errSuperseded)
	}
	m.teardown(h)
	s.logger.Debug("session closed")
	return true
}

// shutdown stops background work after all sessions are closed.
func (m *LinkManager) shutdown() {
	m.cancel()
	m.wg.Wait()
}
