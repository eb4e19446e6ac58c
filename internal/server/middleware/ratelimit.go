package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/markgate/markgate/internal/ratelimit"
)

// FloodGuard caps raw requests per client IP ahead of credential
// verification, which scans and hashes and is the expensive step.
func FloodGuard(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
		}),
	)
}

// RateLimit admits requests through limiter, keyed by the verified
// credential or, without one, by client IP. Admitted responses carry
// X-RateLimit-* headers; denials get 429 with Retry-After. Failed
// authentication is charged earlier, in Authenticate.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := ratelimit.Caller{
				CredentialID: CredentialID(r.Context()),
				Origin:       ClientIP(r),
			}
			d := limiter.Check(r.Context(), caller, r.URL.Path)
			if d.Bypassed {
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				writeRateLimited(w, d)
				return
			}
			setRateHeaders(w, d)
			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Bypassed {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeRateLimited answers a denied request with 429, the rate headers,
// Retry-After and the same values in the error context.
func writeRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	setRateHeaders(w, d)
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", map[string]interface{}{
		"limit":       d.Limit,
		"remaining":   0,
		"reset_at":    d.ResetAt.UTC().Format(time.RFC3339),
		"retry_after": d.RetryAfterSeconds(),
	})
}
