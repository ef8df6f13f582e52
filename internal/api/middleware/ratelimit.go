package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/sparlohq/sparlo/internal/api/response"
	"github.com/sparlohq/sparlo/internal/ratelimit"
)

// RateLimit gates metered endpoints through a shared Limiter, keyed by the
// authenticated tenant.
type RateLimit struct {
	limiter ratelimit.Limiter
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(l ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: l}
}

// Limit denies the request with 429 and a Retry-After header when any of the
// identity's windows is exhausted. Limiter backend errors fail open: the LLM
// spend cap should not take the whole API down with it.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := GetTenantID(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := rl.limiter.Check(r.Context(), tenantID.String())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
