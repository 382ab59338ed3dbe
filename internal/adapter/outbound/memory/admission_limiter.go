package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/relaygate/internal/domain/ratelimit"
)

// AdmissionLimiter implements ratelimit.Limiter using GCRA in memory.
// Thread-safe. Idle keys are dropped by the cleanup loop.
type AdmissionLimiter struct {
	cells           map[string]time.Time // theoretical arrival time per key
	mu              sync.Mutex
	now             func() time.Time
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	logger          *slog.Logger
}

// NewAdmissionLimiter creates a limiter that forgets keys idle for maxTTL,
// checking every cleanupInterval once StartCleanup runs.
func NewAdmissionLimiter(cleanupInterval, maxTTL time.Duration, logger *slog.Logger) *AdmissionLimiter {
	return &AdmissionLimiter{
		cells:           make(map[string]time.Time),
		now:             time.Now,
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		logger:          logger,
	}
}

// Allow admits key when its theoretical arrival time is within the burst
// tolerance of now.
func (l *AdmissionLimiter) Allow(ctx context.Context, key string, p ratelimit.Policy) (ratelimit.Decision, error) {
	if p.Rate <= 0 {
		p.Rate = 1
	}
	if p.Burst <= 0 {
		p.Burst = p.Rate
	}
	emission := p.Period / time.Duration(p.Rate)
	tolerance := time.Duration(p.Burst-1) * emission

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tat, ok := l.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	if allowAt := tat.Add(-tolerance); now.Before(allowAt) {
		return ratelimit.Decision{RetryAfter: allowAt.Sub(now)}, nil
	}
	l.cells[key] = tat.Add(emission)
	return ratelimit.Decision{Allowed: true}, nil
}

// StartCleanup runs the cleanup loop until ctx is cancelled or Stop is
// called.
func (l *AdmissionLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

func (l *AdmissionLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.maxTTL)
	cleaned := 0
	for key, tat := range l.cells {
		if tat.Before(cutoff) {
			delete(l.cells, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		l.logger.Debug("admission limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(l.cells))
	}
}

// Stop stops the cleanup loop and waits for it to exit. Safe to call
// multiple times.
func (l *AdmissionLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked keys.
func (l *AdmissionLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cells)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*AdmissionLimiter)(nil)
