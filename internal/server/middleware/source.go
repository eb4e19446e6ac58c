package middleware

import (
	"net"
	"net/http"

	"github.com/markgate/markgate/internal/audit"
)

// ClientIP returns the caller's address without a port. Run chi's RealIP
// first to honour X-Forwarded-For and X-Real-IP.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// AuditSource tags the request context with the caller origin, path and
// request ID so every audit event recorded while serving it carries them.
func AuditSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithSource(r.Context(), audit.Source{
			Origin:    ClientIP(r),
			Route:     r.URL.Path,
			RequestID: GetRequestID(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
