package service

import (
	"fmt"
	"time"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
	"github.com/Sentinel-Gate/relaygate/internal/domain/relay"
	"github.com/Sentinel-Gate/relaygate/internal/port/outbound"
)

// handleControl advances the reconnection state machine of the session
// owning h. It runs on h's pump and never blocks on the network.
func (m *LinkManager) handleControl(s *session, h *linkHandle, ev event.Event) {
	switch ev.Control {
	case event.ControlConnect:
		m.onConnect(s, h)
	case event.ControlReconnect:
		m.onRecovered(s, h)
	case event.ControlReconnectAttempt:
		m.onAttempt(s, h, ev.Attempt)
	case event.ControlReconnecting:
		m.onReconnecting(s, h)
	case event.ControlConnectError:
		m.onConnectError(s, h, ev)
	case event.ControlReconnectError:
		m.onReconnectError(s, h, ev)
	case event.ControlReconnectFailed:
		m.onReconnectFailed(s, h, ev)
	case event.ControlDisconnect:
		m.onDisconnect(s, h, ev)
	case event.ControlError:
		s.logger.Debug("transport error suppressed", "tenant_id", h.profile.ID, "error", ev.Err)
	case event.ControlPing, event.ControlPong:
	}
}

func (m *LinkManager) onConnect(s *session, h *linkHandle) {
	if h.fallback > 0 {
		m.onRecovered(s, h)
		return
	}
	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	h.everConnected = true
	s.reconnect.Reset()
	sel := s.pendingFor(h)
	s.mu.Unlock()

	s.logger.Debug("link connected", "tenant_id", h.profile.ID)
	if sel != nil {
		sel.resolve(nil)
	}
}

// onRecovered handles a successful reconnect: counters reset, the session
// is told, a pending selection completes, and agents logged in before the
// drop are restored.
func (m *LinkManager) onRecovered(s *session, h *linkHandle) {
	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	h.everConnected = true
	recovering := s.reconnect.Recovering()
	s.reconnect.Reset()
	snapshot := s.snapshot
	s.snapshot = nil
	if snapshot == nil && recovering {
		snapshot = s.agents.Snapshot()
	}
	sel := s.pendingFor(h)
	s.mu.Unlock()

	tenantID := h.profile.ID
	s.logger.Info("link reconnected", "tenant_id", tenantID, "restoring", len(snapshot))
	s.notify(event.NotifyRemoteReconnected, event.TenantNotice{TenantID: tenantID})
	if sel != nil {
		sel.resolve(nil)
	}
	if len(snapshot) > 0 {
		m.restore(s, snapshot)
	}
}

// restore replays logins on a separate goroutine so h's pump keeps
// delivering the login replies.
func (m *LinkManager) restore(s *session, agentIDs []string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.login.RestoreAll(m.ctx, s.id, agentIDs); err != nil {
			s.logger.Warn("session restoration incomplete", "error", err)
		}
	}()
}

func (m *LinkManager) onAttempt(s *session, h *linkHandle, n int) {
	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	n = s.reconnect.Attempt(n)
	h.attemptNoted = true
	s.mu.Unlock()

	m.metrics.reconnectAttempt()
	s.logger.Info("link reconnecting", "tenant_id", h.profile.ID, "attempt", n)
	s.notify(event.NotifyRemoteReconnecting, event.ReconnectingNotice{TenantID: h.profile.ID, Attempt: n})
}

func (m *LinkManager) onReconnecting(s *session, h *linkHandle) {
	s.mu.Lock()
	if s.link == h {
		s.reconnect.State = relay.StateReconnecting
		s.reconnect.InProgress = true
	}
	s.mu.Unlock()
}

// onConnectError treats a connect error after a drop as an implicit attempt
// unless an attempt event already accounted for it.
func (m *LinkManager) onConnectError(s *session, h *linkHandle, ev event.Event) {
	msg := ev.ErrorMessage("connect error")

	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	s.reconnect.LastError = msg

	switch {
	case h.everConnected && !h.link.Connected():
		if h.attemptNoted {
			h.attemptNoted = false
			s.mu.Unlock()
			return
		}
		n := s.reconnect.Attempt(0)
		s.mu.Unlock()
		m.metrics.reconnectAttempt()
		s.notify(event.NotifyRemoteReconnecting, event.ReconnectingNotice{TenantID: h.profile.ID, Attempt: n})

	case h.fallback > 0:
		s.mu.Unlock()
		s.logger.Warn("fallback link failed to connect", "tenant_id", h.profile.ID, "attempt", h.fallback, "error", msg)
		m.scheduleFallback(s, h, h.fallback+1)

	case !h.policy.Enabled:
		sel := s.pendingFor(h)
		s.mu.Unlock()
		if sel != nil {
			sel.resolve(fmt.Errorf("connect error: %s", msg))
		}

	default:
		s.mu.Unlock()
		s.logger.Debug("initial connect failed, transport will retry", "tenant_id", h.profile.ID, "error", msg)
	}
}

func (m *LinkManager) onReconnectError(s *session, h *linkHandle, ev event.Event) {
	msg := ev.ErrorMessage("reconnect error")
	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	s.reconnect.LastError = msg
	h.attemptNoted = false
	s.mu.Unlock()

	s.notify(event.NotifyRemoteReconnectError, event.ReconnectErrorNotice{TenantID: h.profile.ID, Error: msg})
}

// onReconnectFailed handles native reconnection exhaustion: a pending
// selection fails, otherwise the fallback path takes over.
func (m *LinkManager) onReconnectFailed(s *session, h *linkHandle, ev event.Event) {
	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	s.reconnect.State = relay.StateFailed
	s.reconnect.InProgress = false
	msg := s.reconnect.LastError
	if msg == "" {
		msg = ev.ErrorMessage(relay.ErrReconnectionExhausted.Error())
	}
	sel := s.pendingFor(h)
	s.mu.Unlock()

	s.logger.Warn("native reconnection exhausted", "tenant_id", h.profile.ID, "error", msg)
	s.notify(event.NotifyRemoteReconnectFail, event.ReconnectErrorNotice{TenantID: h.profile.ID, Error: msg})
	if sel != nil {
		sel.resolve(fmt.Errorf("%w: %s", relay.ErrReconnectionExhausted, msg))
		return
	}
	m.scheduleFallback(s, h, 1)
}

// onDisconnect keeps the session open, resets counters and snapshots the
// logged-in agents for restoration. Links without native reconnection go
// straight to the fallback path.
func (m *LinkManager) onDisconnect(s *session, h *linkHandle, ev event.Event) {
	s.mu.Lock()
	if s.link != h {
		s.mu.Unlock()
		return
	}
	s.reconnect.AttemptCount = 0
	s.reconnect.InProgress = false
	s.reconnect.LastError = ""
	h.attemptNoted = false
	if s.agents.Len() > 0 {
		s.snapshot = s.agents.Snapshot()
	}
	native := h.policy.Enabled
	if !native {
		s.reconnect.State = relay.StateFailed
	}
	s.mu.Unlock()

	s.logger.Warn("link disconnected", "tenant_id", h.profile.ID, "reason", ev.Reason)
	s.notify(event.NotifyRemoteDisconnected, event.TenantNotice{TenantID: h.profile.ID})
	if !native {
		m.scheduleFallback(s, h, 1)
	}
}

// fallbackDelay returns min(base * 2^(attempt-1), max).
func (m *LinkManager) fallbackDelay(attempt int) time.Duration {
	return outbound.ReconnectPolicy{
		BaseDelay: m.cfg.FallbackBaseDelay,
		MaxDelay:  m.cfg.FallbackMaxDelay,
	}.Delay(attempt, 0)
}

// scheduleFallback opens a fresh link to replace old after a backoff.
// Attempts beyond FallbackAttempts leave the session in the failed state.
func (m *LinkManager) scheduleFallback(s *session, old *linkHandle, attempt int) {
	if attempt > m.cfg.FallbackAttempts {
		s.mu.Lock()
		current := s.link == old
		if current {
			s.reconnect.State = relay.StateFailed
			s.reconnect.InProgress = false
		}
		s.mu.Unlock()
		if current {
			s.logger.Error("fallback reconnection exhausted", "tenant_id", old.profile.ID, "attempts", m.cfg.FallbackAttempts)
			s.notify(event.NotifyRemoteReconnectFail, event.ReconnectErrorNotice{
				TenantID: old.profile.ID,
				Error:    relay.ErrReconnectionExhausted.Error(),
			})
		}
		return
	}

	delay := m.fallbackDelay(attempt)
	s.logger.Info("scheduling fallback reconnection", "tenant_id", old.profile.ID, "attempt", attempt, "delay", delay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.done:
			return
		case <-m.ctx.Done():
			return
		}
		m.fallbackReconnect(s, old, attempt)
	}()
}

// fallbackReconnect fully tears down old and opens a new link without
// native reconnection. The new link's connect or connect_error decides
// what happens next.
func (m *LinkManager) fallbackReconnect(s *session, old *linkHandle, attempt int) {
	s.mu.Lock()
	if s.link != old || s.closed || s.pending != nil {
		s.mu.Unlock()
		return
	}
	n := s.reconnect.Attempt(0)
	s.mu.Unlock()

	m.metrics.reconnectAttempt()
	s.notify(event.NotifyRemoteReconnecting, event.ReconnectingNotice{TenantID: old.profile.ID, Attempt: n})

	m.teardown(old)

	policy := m.cfg.Reconnect
	policy.Enabled = false
	h, err := m.open(m.ctx, s, old.profile, policy, attempt)
	if err != nil {
		s.logger.Warn("fallback reconnection failed", "tenant_id", old.profile.ID, "attempt", attempt, "error", err)
		s.mu.Lock()
		if s.link == old {
			s.reconnect.LastError = err.Error()
		}
		s.mu.Unlock()
		m.scheduleFallback(s, old, attempt+1)
		return
	}

	s.mu.Lock()
	if s.link != old || s.closed || s.pending != nil {
		s.mu.Unlock()
		m.teardown(h)
		return
	}
	s.link = h
	s.mu.Unlock()
	m.startPump(s, h)
}
