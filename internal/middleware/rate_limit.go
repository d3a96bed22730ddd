package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/metrics"
	"github.com/ts03085781/silent-letter/internal/ratelimit"

	"github.com/rs/zerolog/log"
)

// KeyFunc chooses the rate limit key of a request
type KeyFunc func(r *http.Request) string

// ByUser keys on the authenticated principal; it must run after Auth
func ByUser(r *http.Request) string {
	if id := GetUserID(r.Context()); id != "" {
		return id
	}
	return "anonymous"
}

// ByClientAddress keys on the forwarded client address
func ByClientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return "anonymous"
}

// RateLimit admits at most policy.MaxRequests per window for each key.
// Limiter failures let the request through.
func RateLimit(limiter ratelimit.Limiter, policy ratelimit.Policy, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			decision, err := limiter.Allow(r.Context(), policy, k)
			if err != nil {
				log.Warn().Err(err).Str("policy", policy.Name).Msg("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				retryAfter := decision.RetryAfter(time.Now())
				metrics.RateLimitRejections.WithLabelValues(policy.Name).Inc()
				log.Warn().
					Str("policy", policy.Name).
					Str("key", k).
					Int("retry_after", retryAfter).
					Msg("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Error:      "Too many requests",
					Code:       apperror.CodeRateLimitExceeded,
					RetryAfter: retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
