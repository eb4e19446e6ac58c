package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/markgate/markgate/internal/apierr"
	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/model"
)

// CredentialOptions configures a CredentialService.
type CredentialOptions struct {
	// SecretLength is the number of random bytes in each issued secret.
	SecretLength int
	// DefaultTTL sets expires_at on new credentials when positive.
	DefaultTTL time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// CredentialService issues, rotates, deactivates and reactivates
// credentials. Mutations of the same credential are serialized; the store
// runs each one in its own transaction.
type CredentialService struct {
	store        CredentialStore
	hasher       Hasher
	audit        audit.Recorder
	logger       *slog.Logger
	now          func() time.Time
	secretLength int
	defaultTTL   time.Duration

	locks stripedLock
}

// NewCredentialService creates a CredentialService.
func NewCredentialService(store CredentialStore, hasher Hasher, rec audit.Recorder, opts CredentialOptions) *CredentialService {
	s := &CredentialService{
		store:        store,
		hasher:       hasher,
		audit:        rec,
		logger:       opts.Logger,
		now:          opts.Now,
		secretLength: opts.SecretLength,
		defaultTTL:   opts.DefaultTTL,
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
	if s.secretLength <= 0 {
		s.secretLength = 32
	}
	return s
}

// IssueRequest describes a credential to issue.
type IssueRequest struct {
	Name      string
	Role      model.Role
	OwnerID   string
	ExpiresAt *time.Time
	// ActorID is the credential performing the issuance, if any.
	ActorID string
}

// Issue creates a credential and returns it with its plaintext secret. The
// plaintext is returned exactly once and is never stored or logged.
func (s *CredentialService) Issue(ctx context.Context, req IssueRequest) (*model.Credential, string, error) {
	const op = "issue credential"

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, "", apierr.E(apierr.KindInvalid, op, "name is required")
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	if !role.Valid() {
		return nil, "", apierr.E(apierr.KindInvalid, op, fmt.Sprintf("unknown role %q", req.Role))
	}

	var owner *string
	if req.OwnerID != "" {
		if _, err := s.store.GetUser(ctx, req.OwnerID); err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return nil, "", apierr.E(apierr.KindNotFound, op, fmt.Sprintf("owner %q not found", req.OwnerID))
			}
			return nil, "", apierr.Wrap(apierr.KindStoreUnavailable, op, err)
		}
		ownerID := req.OwnerID
		owner = &ownerID
	}

	unlock := s.locks.lock("name:" + name)
	defer unlock()

	secret, hash, err := s.newSecret()
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindUnknown, op, err)
	}

	now := s.now()
	expires := req.ExpiresAt
	if expires == nil && s.defaultTTL > 0 {
		t := now.Add(s.defaultTTL)
		expires = &t
	}

	cred := &model.Credential{
		Name:       name,
		SecretHash: hash,
		Role:       role,
		OwnerID:    owner,
		IsActive:   true,
		CreatedAt:  now,
		ExpiresAt:  expires,
	}
	if err := s.store.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, config.ErrDuplicate) {
			return nil, "", &apierr.Error{
				Kind: apierr.KindDuplicateName,
				Op:   op,
				Msg:  fmt.Sprintf("credential name %q already exists", name),
				Err:  err,
			}
		}
		return nil, "", apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}

	s.audit.Record(ctx, model.ActionCredentialCreated, req.ActorID, model.OutcomeSuccess, map[string]interface{}{
		"credential_id": cred.ID,
		"name":          cred.Name,
		"role":          string(cred.Role),
	})
	s.logger.Info("credential issued", "credential_id", cred.ID, "name", cred.Name, "role", cred.Role)
	return cred, secret, nil
}

// Rotate replaces the secret of credential id and returns the new plaintext.
// Identifier, name, role and status are unchanged.
func (s *CredentialService) Rotate(ctx context.Context, id, actorID string) (string, error) {
	const op = "rotate credential"

	unlock := s.locks.lock(id)
	defer unlock()

	if _, err := s.get(ctx, op, id); err != nil {
		return "", err
	}

	secret, hash, err := s.newSecret()
	if err != nil {
		return "", apierr.Wrap(apierr.KindUnknown, op, err)
	}
	if err := s.store.UpdateCredentialHash(ctx, id, hash); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return "", notFound(op, id)
		}
		return "", apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}

	s.audit.Record(ctx, model.ActionCredentialRotated, actorID, model.OutcomeSuccess, map[string]interface{}{
		"credential_id": id,
	})
	s.logger.Info("credential rotated", "credential_id", id)
	return secret, nil
}

// Deactivate marks credential id inactive. It returns false, with no error
// and no audit event, when the credential was already inactive.
func (s *CredentialService) Deactivate(ctx context.Context, id, actorID string) (bool, error) {
	return s.setActive(ctx, "deactivate credential", id, actorID, false, model.ActionCredentialDeactivated)
}

// Reactivate marks credential id active. It returns false, with no error and
// no audit event, when the credential was already active.
func (s *CredentialService) Reactivate(ctx context.Context, id, actorID string) (bool, error) {
	return s.setActive(ctx, "reactivate credential", id, actorID, true, model.ActionCredentialReactivated)
}

func (s *CredentialService) setActive(ctx context.Context, op, id, actorID string, active bool, action model.AuditAction) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	changed, err := s.store.SetCredentialActive(ctx, id, active)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return false, notFound(op, id)
		}
		return false, apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}
	if !changed {
		return false, nil
	}

	s.audit.Record(ctx, action, actorID, model.OutcomeSuccess, map[string]interface{}{
		"credential_id": id,
	})
	s.logger.Info("credential status changed", "credential_id", id, "active", active)
	return true, nil
}

// Get returns credential id.
func (s *CredentialService) Get(ctx context.Context, id string) (*model.Credential, error) {
	return s.get(ctx, "get credential", id)
}

// GetByName returns the credential with the given name.
func (s *CredentialService) GetByName(ctx context.Context, name string) (*model.Credential, error) {
	const op = "get credential"
	c, err := s.store.GetCredentialByName(ctx, name)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, apierr.E(apierr.KindNotFound, op, fmt.Sprintf("credential %q not found", name))
		}
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}
	return c, nil
}

// Lookup resolves ref as a credential ID first and then as a name.
func (s *CredentialService) Lookup(ctx context.Context, ref string) (*model.Credential, error) {
	c, err := s.Get(ctx, ref)
	if apierr.Is(err, apierr.KindNotFound) {
		return s.GetByName(ctx, ref)
	}
	return c, err
}

// List returns credentials matching f.
func (s *CredentialService) List(ctx context.Context, f model.CredentialFilter) ([]model.Credential, error) {
	creds, err := s.store.ListCredentials(ctx, f)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "list credentials", err)
	}
	return creds, nil
}

// EnsureAdmin guarantees an active ADMIN credential exists. When none does,
// it issues one named name and returns it with its plaintext secret. When a
// credential with that name already exists as an inactive admin, it is
// reactivated and rotated instead. A nil credential means nothing was done.
func (s *CredentialService) EnsureAdmin(ctx context.Context, name string) (*model.Credential, string, error) {
	const op = "bootstrap admin"

	has, err := s.store.HasActiveAdmin(ctx)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}
	if has {
		return nil, "", nil
	}

	cred, secret, err := s.Issue(ctx, IssueRequest{Name: name, Role: model.RoleAdmin})
	if !apierr.Is(err, apierr.KindDuplicateName) {
		return cred, secret, err
	}

	existing, err := s.GetByName(ctx, name)
	if err != nil {
		return nil, "", err
	}
	if !existing.IsAdmin() {
		return nil, "", apierr.E(apierr.KindDuplicateName, op,
			fmt.Sprintf("credential %q exists without the admin role", name))
	}
	if _, err := s.Reactivate(ctx, existing.ID, ""); err != nil {
		return nil, "", err
	}
	secret, err = s.Rotate(ctx, existing.ID, "")
	if err != nil {
		return nil, "", err
	}
	existing.IsActive = true
	return existing, secret, nil
}

func (s *CredentialService) get(ctx context.Context, op, id string) (*model.Credential, error) {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, notFound(op, id)
		}
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}
	return c, nil
}

func (s *CredentialService) newSecret() (secret, hash string, err error) {
	secret, err = GenerateSecret(s.secretLength)
	if err != nil {
		return "", "", err
	}
	hash, err = s.hasher.Hash(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

func notFound(op, id string) error {
	return apierr.E(apierr.KindNotFound, op, fmt.Sprintf("credential %q not found", id))
}
