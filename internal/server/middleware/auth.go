package middleware

import (
	"context"
	"net/http"

	"github.com/markgate/markgate/internal/apierr"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/ratelimit"
	"github.com/markgate/markgate/internal/service"
)

type credentialKey struct{}

// WithCredential attaches a verified credential to ctx.
func WithCredential(ctx context.Context, cred *model.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFrom returns the verified credential for the request, or nil when
// the request is unauthenticated (authentication disabled).
func CredentialFrom(ctx context.Context) *model.Credential {
	if c, ok := ctx.Value(credentialKey{}).(*model.Credential); ok {
		return c
	}
	return nil
}

// CredentialID returns the verified credential's id, or "".
func CredentialID(ctx context.Context) string {
	if c := CredentialFrom(ctx); c != nil {
		return c.ID
	}
	return ""
}

// Authenticate verifies the secret in header and attaches the matching
// credential to the request context. Failures are answered with 401, or 500
// when the store cannot be read. With authentication disabled every request
// passes through with no credential.
//
// When limiter is set, unauthenticated attempts are charged to the client IP
// on the request route. An IP that has used up its window is refused with 429
// before any secret is hashed, so guessing keys costs a slot per attempt.
func Authenticate(authSvc *service.AuthService, header string, limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authSvc.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			anon := ratelimit.Caller{Origin: ClientIP(r)}
			if limiter != nil {
				if d, blocked := limiter.Blocked(r.Context(), anon, r.URL.Path); blocked {
					writeRateLimited(w, d)
					return
				}
			}

			cred, err := authSvc.VerifyCredential(r.Context(), r.Header.Get(header))
			if err != nil {
				if limiter != nil && apierr.Is(err, apierr.KindAuthFailure) {
					d := limiter.Check(r.Context(), anon, r.URL.Path)
					if !d.Allowed {
						writeRateLimited(w, d)
						return
					}
					setRateHeaders(w, d)
				}
				writeKindError(w, err)
				return
			}
			annotate(r.Context(), cred.ID)
			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
		})
	}
}

// RequireAdmin rejects requests whose credential lacks the admin role. It
// must run after Authenticate.
func RequireAdmin(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := authSvc.RequireAdmin(r.Context(), CredentialFrom(r.Context())); err != nil {
				writeKindError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
