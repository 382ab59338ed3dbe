package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/Sentinel-Gate/relaygate/internal/domain/relay"
	"github.com/Sentinel-Gate/relaygate/internal/port/inbound"
)

// errSuperseded resolves a pending selection replaced by a newer one or by
// session closure. It is never reported to the session.
var errSuperseded = errors.New("selection superseded")

// session is the per-connection context handed to every relay operation.
// All mutable fields are guarded by mu, which is never held across a
// network call or while waiting for a link pump.
type session struct {
	id     string
	ch     inbound.SessionChannel
	logger *slog.Logger

	mu        sync.Mutex
	tenantID  string
	link      *linkHandle
	pending   *selection
	agents    relay.AgentSet
	snapshot  []string // agents believed logged in when the link dropped
	reconnect relay.Reconnection
	closed    bool

	done chan struct{} // closed when the session is closed
}

func newSession(id string, ch inbound.SessionChannel, logger *slog.Logger) *session {
	s := &session{
		id:     id,
		ch:     ch,
		logger: logger.With("session_id", id),
		done:   make(chan struct{}),
	}
	s.reconnect.Reset()
	return s
}

// notify marshals v and sends it to the front-end. Failures are logged.
func (s *session) notify(name string, v any) {
	if !s.ch.Open() {
		s.logger.Debug("session channel closed, dropping notification", "event", name)
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode notification", "event", name, "error", err)
		return
	}
	if err := s.ch.Emit(name, payload); err != nil {
		s.logger.Warn("failed to emit to session", "event", name, "error", err)
	}
}

// pendingFor returns the pending selection completed by h. Callers hold mu.
func (s *session) pendingFor(h *linkHandle) *selection {
	if s.pending != nil && s.link == h && s.pending.tenantID == h.profile.ID {
		return s.pending
	}
	return nil
}

// isAuthenticated reports whether agentID is believed logged in.
func (s *session) isAuthenticated(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents.Has(agentID)
}

// selection is one in-flight select-tenant request.
type selection struct {
	tenantID string
	result   chan error
	once     sync.Once
}

func newSelection(tenantID string) *selection {
	return &selection{tenantID: tenantID, result: make(chan error, 1)}
}

// resolve delivers the outcome. Only the first call has an effect.
func (sel *selection) resolve(err error) {
	sel.once.Do(func() { sel.result <- err })
}

