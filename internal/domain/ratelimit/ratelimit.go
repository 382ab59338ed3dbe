// Package ratelimit defines admission limits for new front-end sessions.
package ratelimit

import (
	"context"
	"time"
)

// Policy allows Rate admissions per Period with up to Burst at once.
type Policy struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is when the next admission will be allowed. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a client identified by key may open a session.
//
// Implementations use GCRA so admissions spread evenly over the period
// instead of resetting at window boundaries.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy) (Decision, error)
}

// ClientKey returns the limiter key for a client address.
func ClientKey(ip string) string {
	return "session:ip:" + ip
}
