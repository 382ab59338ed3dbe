// Package outbound defines the outbound port interfaces the relay core uses
// to reach tenant endpoints and their supporting services.
package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/relaygate/internal/domain/event"
)

// Transport opens persistent duplex event channels to tenant endpoints.
// Adapters: socket (gorilla/websocket).
type Transport interface {
	// Open starts a link to url with the given request header. It returns
	// before the link is established; the outcome arrives on Events() as a
	// connect or connect_error control event.
	Open(ctx context.Context, url string, header http.Header, policy ReconnectPolicy) (Link, error)
}

// Link is one open duplex event channel.
type Link interface {
	// Emit sends a named application event. Safe for concurrent use.
	Emit(ctx context.Context, name string, payload json.RawMessage) error

	// Events delivers control and application events in arrival order.
	// The channel is closed after Close.
	Events() <-chan event.Event

	// Connected reports whether the underlying connection is currently up.
	Connected() bool

	// Close stops reconnection and closes the connection. Idempotent.
	Close() error
}

// ReconnectPolicy bounds the transport's native reconnection.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1] applied to each delay.
	Jitter float64
}

// Delay returns the wait before reconnect attempt n (1-based):
// min(base * 2^(n-1), max) scaled by a factor in [1-Jitter, 1+Jitter]
// chosen by r in [0,1), and capped at max again.
func (p ReconnectPolicy) Delay(n int, r float64) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		delay = time.Duration(float64(delay) * (1 - p.Jitter + 2*p.Jitter*r))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
