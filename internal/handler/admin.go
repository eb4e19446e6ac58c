package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/markgate/markgate/internal/apierr"
	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/server/middleware"
	"github.com/markgate/markgate/internal/service"
)

// Audit query limits.
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AdminHandler serves credential, user and audit administration. Every route
// sits behind Authenticate and RequireAdmin.
type AdminHandler struct {
	creds  *service.CredentialService
	users  *service.UserService
	events audit.Querier
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(creds *service.CredentialService, users *service.UserService, events audit.Querier) *AdminHandler {
	return &AdminHandler{creds: creds, users: users, events: events}
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

type createKeyRequest struct {
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	OwnerID   string     `json:"owner_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateKey issues a credential and returns its secret, once.
// POST /api/v1/admin/api-keys
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	role := model.RoleUser
	if req.Role != "" {
		parsed, err := model.ParseRole(req.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = parsed
	}

	cred, secret, err := h.creds.Issue(r.Context(), service.IssueRequest{
		Name:      req.Name,
		Role:      role,
		OwnerID:   req.OwnerID,
		ExpiresAt: req.ExpiresAt,
		ActorID:   middleware.CredentialID(r.Context()),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	m := credentialToMap(cred)
	m["api_key"] = secret
	writeJSON(w, http.StatusCreated, m)
}

// ListKeys returns credentials without secrets or hashes.
// GET /api/v1/admin/api-keys?include_inactive=&role=&owner_id=
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	f := model.CredentialFilter{
		IncludeInactive: queryBool(r, "include_inactive"),
		OwnerID:         queryString(r, "owner_id"),
	}
	if v := queryString(r, "role"); v != "" {
		role, err := model.ParseRole(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Role = role
	}

	creds, err := h.creds.List(r.Context(), f)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resources(creds, credentialToMap))
}

// GetKey returns one credential by id or name.
// GET /api/v1/admin/api-keys/{keyRef}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	cred, err := h.creds.Lookup(r.Context(), chi.URLParam(r, "keyRef"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialToMap(cred))
}

// RotateKey replaces a credential's secret and returns the new one, once.
// POST /api/v1/admin/api-keys/{keyRef}/rotate
func (h *AdminHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	cred, err := h.creds.Lookup(r.Context(), chi.URLParam(r, "keyRef"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	secret, err := h.creds.Rotate(r.Context(), cred.ID, middleware.CredentialID(r.Context()))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      cred.ID,
		"name":    cred.Name,
		"api_key": secret,
	})
}

// DeactivateKey revokes a credential.
// POST /api/v1/admin/api-keys/{keyRef}/deactivate
func (h *AdminHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	h.setKeyActive(w, r, false)
}

// ReactivateKey restores a revoked credential.
// POST /api/v1/admin/api-keys/{keyRef}/reactivate
func (h *AdminHandler) ReactivateKey(w http.ResponseWriter, r *http.Request) {
	h.setKeyActive(w, r, true)
}

func (h *AdminHandler) setKeyActive(w http.ResponseWriter, r *http.Request, active bool) {
	cred, err := h.creds.Lookup(r.Context(), chi.URLParam(r, "keyRef"))
	if err != nil {
		writeAPIError(w, err)
		return
	}

	actor := middleware.CredentialID(r.Context())
	var changed bool
	if active {
		changed, err = h.creds.Reactivate(r.Context(), cred.ID, actor)
	} else {
		changed, err = h.creds.Deactivate(r.Context(), cred.ID, actor)
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        cred.ID,
		"is_active": active,
		"changed":   changed,
	})
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type createUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateUser adds a credential owner.
// POST /api/v1/admin/users
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	u, err := h.users.Create(r.Context(), req.Name, req.Email, middleware.CredentialID(r.Context()))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// ListUsers returns all users.
// GET /api/v1/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resources(users, userToMap))
}

// GetUser returns one user.
// GET /api/v1/admin/users/{userId}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Get(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ActivateUser sets a user's status to active.
// POST /api/v1/admin/users/{userId}/activate
func (h *AdminHandler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	h.setUserStatus(w, r, model.UserActive)
}

// DeactivateUser sets a user's status to inactive.
// POST /api/v1/admin/users/{userId}/deactivate
func (h *AdminHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	h.setUserStatus(w, r, model.UserInactive)
}

func (h *AdminHandler) setUserStatus(w http.ResponseWriter, r *http.Request, status model.UserStatus) {
	id := chi.URLParam(r, "userId")
	changed, err := h.users.SetStatus(r.Context(), id, status, middleware.CredentialID(r.Context()))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"status":  status,
		"changed": changed,
	})
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// ListAudit returns audit events in canonical order. With a limit, the most
// recent events are returned, still oldest first.
// GET /api/v1/admin/audit?action=&actor=&since=&limit=
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	const op = "list audit events"

	f := model.AuditFilter{
		ActorID: queryString(r, "actor"),
		Limit:   clampInt(queryInt(r, "limit", defaultAuditLimit), 1, maxAuditLimit),
	}
	if v := queryString(r, "action"); v != "" {
		f.Action = model.AuditAction(v)
		if !f.Action.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown audit action: "+v)
			return
		}
	}
	if v := queryString(r, "since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}

	events, err := h.events.ListAuditEvents(r.Context(), f)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.KindStoreUnavailable, op, err))
		return
	}
	resp := resources(events, auditEventToMap)
	resp.Meta.Limit = f.Limit
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Serialization helpers (never expose secret hashes)
// ---------------------------------------------------------------------------

func credentialToMap(c *model.Credential) map[string]interface{} {
	m := map[string]interface{}{
		"id":         c.ID,
		"name":       c.Name,
		"role":       c.Role,
		"is_active":  c.IsActive,
		"created_at": c.CreatedAt,
	}
	if c.OwnerID != nil {
		m["owner_id"] = *c.OwnerID
	}
	if c.LastUsedAt != nil {
		m["last_used_at"] = c.LastUsedAt
	}
	if c.ExpiresAt != nil {
		m["expires_at"] = c.ExpiresAt
	}
	return m
}

func userToMap(u *model.User) map[string]interface{} {
	return map[string]interface{}{
		"id":         u.ID,
		"name":       u.Name,
		"email":      u.Email,
		"status":     u.Status,
		"created_at": u.CreatedAt,
	}
}

func auditEventToMap(e *model.AuditEvent) map[string]interface{} {
	m := map[string]interface{}{
		"id":          e.ID,
		"seq":         e.Seq,
		"action":      e.Action,
		"outcome":     e.Outcome,
		"occurred_at": e.OccurredAt,
	}
	if e.ActorID != "" {
		m["actor_id"] = e.ActorID
	}
	if len(e.Detail) > 0 {
		m["detail"] = e.Detail
	}
	return m
}
