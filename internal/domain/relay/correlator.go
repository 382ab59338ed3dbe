package relay

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
)

// MatchFunc inspects an incoming event. It returns ok=true when the event
// answers the waiter, with err set when the answer is a rejection.
type MatchFunc func(ev event.Event) (ok bool, err error)

// Correlator pairs replies arriving on a fire-and-forget event stream with
// the requests waiting for them. Each waiter is resolved at most once.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*Waiter
}

// NewCorrelator creates an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[uint64]*Waiter)}
}

// Waiter is one outstanding expectation registered with Expect.
type Waiter struct {
	id     uint64
	c      *Correlator
	match  MatchFunc
	result chan error
}

// Expect registers a waiter. Register before emitting the request so a fast
// reply cannot be missed.
func (c *Correlator) Expect(match MatchFunc) *Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	w := &Waiter{id: c.nextID, c: c, match: match, result: make(chan error, 1)}
	c.waiters[w.id] = w
	return w
}

// Deliver offers ev to every outstanding waiter and resolves the ones that
// match. It returns the number of waiters resolved.
func (c *Correlator) Deliver(ev event.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	resolved := 0
	for id, w := range c.waiters {
		ok, err := w.match(ev)
		if !ok {
			continue
		}
		delete(c.waiters, id)
		w.result <- err
		resolved++
	}
	return resolved
}

// DeliverFirst offers ev to outstanding waiters in registration order and
// resolves only the oldest one that matches. It reports whether a waiter
// was resolved.
func (c *Correlator) DeliverFirst(ev event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest *Waiter
	var outcome error
	for _, w := range c.waiters {
		if oldest != nil && w.id > oldest.id {
			continue
		}
		ok, err := w.match(ev)
		if !ok {
			continue
		}
		oldest, outcome = w, err
	}
	if oldest == nil {
		return false
	}
	delete(c.waiters, oldest.id)
	oldest.result <- outcome
	return true
}

// Pending returns the number of outstanding waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Wait blocks until the waiter is resolved or ctx is done. The waiter is
// unregistered on every return path.
func (w *Waiter) Wait(ctx context.Context) error {
	defer w.Cancel()
	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
		// A reply may have raced the deadline.
		select {
		case err := <-w.result:
			return err
		default:
		}
		return ctx.Err()
	}
}

// Cancel unregisters the waiter without waiting. Safe to call repeatedly.
func (w *Waiter) Cancel() {
	w.c.mu.Lock()
	delete(w.c.waiters, w.id)
	w.c.mu.Unlock()
}
