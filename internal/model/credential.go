package model

import (
	"fmt"
	"strings"
	"time"
)

// Role is the authorization level bound to a credential. ADMIN implies every
// USER capability plus credential management and privileged routes.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole converts a user-supplied role name (case-insensitive) into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q (want %q or %q)", s, RoleUser, RoleAdmin)
	}
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Credential is one issued API key. The plaintext secret is never stored;
// only a salted one-way hash is persisted. Credentials are soft-deleted via
// IsActive so audit references stay valid.
type Credential struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	SecretHash string     `json:"-" db:"secret_hash"` // bcrypt digest, never expose
	Role       Role       `json:"role" db:"role"`
	OwnerID    *string    `json:"owner_id,omitempty" db:"owner_id"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// IsAdmin reports whether the credential carries the ADMIN role.
func (c *Credential) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// Expired reports whether the credential has an expiry at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// CredentialFilter narrows credential listings.
type CredentialFilter struct {
	IncludeInactive bool
	Role            Role
	OwnerID         string
}
