package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/markgate/markgate/internal/apierr"
	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/model"
)

// UserService manages the users that own credentials.
type UserService struct {
	store UserStore
	audit audit.Recorder
}

// NewUserService creates a UserService.
func NewUserService(store UserStore, rec audit.Recorder) *UserService {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &UserService{store: store, audit: rec}
}

// Create adds a user. Email addresses are unique.
func (s *UserService) Create(ctx context.Context, name, email, actorID string) (*model.User, error) {
	const op = "create user"

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.E(apierr.KindInvalid, op, "name is required")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, apierr.E(apierr.KindInvalid, op, fmt.Sprintf("invalid email %q", email))
	}

	u := &model.User{Name: name, Email: strings.ToLower(addr.Address), Status: model.UserActive}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, config.ErrDuplicate) {
			return nil, &apierr.Error{
				Kind: apierr.KindDuplicateName,
				Op:   op,
				Msg:  fmt.Sprintf("email %q already registered", u.Email),
				Err:  err,
			}
		}
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}

	s.audit.Record(ctx, model.ActionUserCreated, actorID, model.OutcomeSuccess, map[string]interface{}{
		"user_id": u.ID,
		"email":   u.Email,
	})
	return u, nil
}

// Get returns user id.
func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, apierr.E(apierr.KindNotFound, "get user", fmt.Sprintf("user %q not found", id))
		}
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "get user", err)
	}
	return u, nil
}

// List returns all users.
func (s *UserService) List(ctx context.Context) ([]model.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "list users", err)
	}
	return users, nil
}

// SetStatus activates or deactivates a user. It returns false when the user
// was already in that state.
func (s *UserService) SetStatus(ctx context.Context, id string, status model.UserStatus, actorID string) (bool, error) {
	const op = "update user status"

	if status != model.UserActive && status != model.UserInactive {
		return false, apierr.E(apierr.KindInvalid, op, fmt.Sprintf("unknown status %q", status))
	}
	changed, err := s.store.SetUserStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return false, apierr.E(apierr.KindNotFound, op, fmt.Sprintf("user %q not found", id))
		}
		return false, apierr.Wrap(apierr.KindStoreUnavailable, op, err)
	}
	if changed {
		s.audit.Record(ctx, model.ActionUserStatusUpdated, actorID, model.OutcomeSuccess, map[string]interface{}{
			"user_id": id,
			"status":  string(status),
		})
	}
	return changed, nil
}
