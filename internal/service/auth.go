package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/markgate/markgate/internal/apierr"
	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/metrics"
	"github.com/markgate/markgate/internal/model"
)

// AuthOptions configures an AuthService.
type AuthOptions struct {
	// Enabled turns verification on. When false every request is treated as
	// an unauthenticated success with no role.
	Enabled bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// AuthService verifies presented secrets and enforces the admin role.
type AuthService struct {
	store   CredentialStore
	hasher  Hasher
	audit   audit.Recorder
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	enabled bool
}

// NewAuthService creates an AuthService.
func NewAuthService(store CredentialStore, hasher Hasher, rec audit.Recorder, opts AuthOptions) *AuthService {
	s := &AuthService{
		store:   store,
		hasher:  hasher,
		audit:   rec,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		enabled: opts.Enabled,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Enabled reports whether authentication is enforced.
func (s *AuthService) Enabled() bool {
	return s.enabled
}

// VerifyCredential finds the active, unexpired credential whose hash matches
// secret. Secrets carry no lookup identifier, so every active credential is
// compared until the first match. With authentication disabled it returns
// (nil, nil) without touching the store.
func (s *AuthService) VerifyCredential(ctx context.Context, secret string) (*model.Credential, error) {
	const op = "verify credential"

	if !s.enabled {
		return nil, nil
	}

	start := time.Now()
	if secret == "" {
		s.fail(ctx, "missing", 0, start)
		return nil, apierr.E(apierr.KindAuthFailure, op, "API key required")
	}

	creds, err := s.store.ListActiveCredentials(ctx)
	if err != nil {
		s.metrics.Verification("error", 0, time.Since(start))
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}

	now := s.now()
	scanned := 0
	for i := range creds {
		c := &creds[i]
		if c.Expired(now) {
			continue
		}
		scanned++
		if !s.hasher.Verify(secret, c.SecretHash) {
			continue
		}

		if err := s.store.TouchCredential(ctx, c.ID, now); err != nil {
			s.logger.Warn("failed to update credential last used", "credential_id", c.ID, "error", err)
		} else {
			t := now.UTC()
			c.LastUsedAt = &t
		}
		s.audit.Record(ctx, model.ActionCredentialVerified, c.ID, model.OutcomeSuccess, map[string]interface{}{
			"role": string(c.Role),
		})
		s.metrics.Verification("success", scanned, time.Since(start))
		return c, nil
	}

	s.fail(ctx, "no matching active credential", scanned, start)
	return nil, apierr.E(apierr.KindAuthFailure, op, "invalid API key")
}

func (s *AuthService) fail(ctx context.Context, reason string, scanned int, start time.Time) {
	s.audit.Record(ctx, model.ActionCredentialInvalid, "", model.OutcomeFailure, map[string]interface{}{
		"reason": reason,
	})
	s.metrics.Verification("failure", scanned, time.Since(start))
}

// RequireAdmin returns cred when it carries the ADMIN role. A missing
// credential is an AuthFailure; a non-admin one is an Authorization failure.
// Both are audited. With authentication disabled every caller passes.
func (s *AuthService) RequireAdmin(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	const op = "require admin"

	if !s.enabled {
		return cred, nil
	}
	if cred == nil {
		s.audit.Record(ctx, model.ActionAdminAccessDenied, "", model.OutcomeFailure, map[string]interface{}{
			"reason": "unauthenticated",
		})
		return nil, apierr.E(apierr.KindAuthFailure, op, "API key required")
	}
	if !cred.IsAdmin() {
		s.audit.Record(ctx, model.ActionAdminAccessDenied, cred.ID, model.OutcomeFailure, map[string]interface{}{
			"reason": "insufficient role",
			"role":   string(cred.Role),
		})
		return nil, apierr.E(apierr.KindAuthorization, op, "admin role required")
	}
	return cred, nil
}
