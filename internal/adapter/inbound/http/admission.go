package http

import (
	"math"
	"net/http"
	"strconv"

	"github.com/Sentinel-Gate/relaygate/internal/domain/ratelimit"
)

// AdmissionMiddleware limits how often one client address may open a
// session. Denied requests get 429 with Retry-After in whole seconds.
// Limiter errors are logged and the request is admitted.
func AdmissionMiddleware(limiter ratelimit.Limiter, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealIP(r)
			d, err := limiter.Allow(r.Context(), ratelimit.ClientKey(ip), policy)
			if err != nil {
				LoggerFromContext(r.Context()).Warn("admission check failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				LoggerFromContext(r.Context()).Debug("session admission denied", "retry_after", d.RetryAfter)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
