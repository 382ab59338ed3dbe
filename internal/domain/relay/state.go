package relay

import "slices"

// ReconnectState is the state of a session's link supervision.
type ReconnectState string

const (
	StateStable       ReconnectState = "stable"
	StateReconnecting ReconnectState = "reconnecting"
	// StateFailed is not terminal; a later attempt re-enters reconnecting.
	StateFailed ReconnectState = "failed"
)

// Reconnection tracks reconnect progress for the link owned by a session.
type Reconnection struct {
	State        ReconnectState
	InProgress   bool
	AttemptCount int
	LastError    string
}

// Attempt records reconnect attempt n. A zero n counts one more attempt.
// It returns the recorded attempt number.
func (r *Reconnection) Attempt(n int) int {
	if n <= 0 {
		n = r.AttemptCount + 1
	}
	r.State = StateReconnecting
	r.InProgress = true
	r.AttemptCount = n
	return n
}

// Reset clears counters and marks the link stable.
func (r *Reconnection) Reset() {
	*r = Reconnection{State: StateStable}
}

// Recovering reports whether the link is between a drop and a recovery.
func (r *Reconnection) Recovering() bool {
	return r.State == StateReconnecting || r.State == StateFailed
}

// AgentSet is an insertion-ordered set of agent ids.
type AgentSet struct {
	ids []string
}

// Add appends id if it is not present.
func (s *AgentSet) Add(id string) {
	if !s.Has(id) {
		s.ids = append(s.ids, id)
	}
}

// Remove deletes id, keeping the order of the others.
func (s *AgentSet) Remove(id string) {
	if i := slices.Index(s.ids, id); i >= 0 {
		s.ids = slices.Delete(s.ids, i, i+1)
	}
}

// Has reports whether id is in the set.
func (s *AgentSet) Has(id string) bool {
	return slices.Contains(s.ids, id)
}

// Len returns the number of ids.
func (s *AgentSet) Len() int { return len(s.ids) }

// Snapshot returns a copy of the ids in insertion order.
func (s *AgentSet) Snapshot() []string {
	return slices.Clone(s.ids)
}

// Clear removes all ids.
func (s *AgentSet) Clear() { s.ids = nil }
