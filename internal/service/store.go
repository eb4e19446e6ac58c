package service

import (
	"context"
	"time"

	"github.com/markgate/markgate/internal/model"
)

// CredentialStore is the persistence surface the credential services need.
// *config.Store implements it.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *model.Credential) error
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	GetCredentialByName(ctx context.Context, name string) (*model.Credential, error)
	ListActiveCredentials(ctx context.Context) ([]model.Credential, error)
	ListCredentials(ctx context.Context, f model.CredentialFilter) ([]model.Credential, error)
	UpdateCredentialHash(ctx context.Context, id, hash string) error
	SetCredentialActive(ctx context.Context, id string, active bool) (bool, error)
	TouchCredential(ctx context.Context, id string, at time.Time) error
	HasActiveAdmin(ctx context.Context) (bool, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// UserStore is the persistence surface UserService needs.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SetUserStatus(ctx context.Context, id string, status model.UserStatus) (bool, error)
}
