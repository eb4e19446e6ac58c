package model

import "time"

// AuditAction tags a security-relevant occurrence. The set is closed.
type AuditAction string

const (
	ActionCredentialCreated     AuditAction = "credential_created"
	ActionCredentialVerified    AuditAction = "credential_verified"
	ActionCredentialInvalid     AuditAction = "credential_invalid"
	ActionCredentialRotated     AuditAction = "credential_rotated"
	ActionCredentialDeactivated AuditAction = "credential_deactivated"
	ActionCredentialReactivated AuditAction = "credential_reactivated"
	ActionAdminAccessDenied     AuditAction = "admin_access_denied"
	ActionRateLimitExceeded     AuditAction = "rate_limit_exceeded"
	ActionServiceStartup        AuditAction = "service_startup"
	ActionServiceShutdown       AuditAction = "service_shutdown"
	ActionHealthCheck           AuditAction = "health_check"
	ActionUserCreated           AuditAction = "user_created"
	ActionUserStatusUpdated     AuditAction = "user_status_updated"
	ActionConvertText           AuditAction = "convert_text"
	ActionConvertFile           AuditAction = "convert_file"
	ActionConvertURL            AuditAction = "convert_url"
)

// AuditActions lists every known action, in declaration order.
var AuditActions = []AuditAction{
	ActionCredentialCreated,
	ActionCredentialVerified,
	ActionCredentialInvalid,
	ActionCredentialRotated,
	ActionCredentialDeactivated,
	ActionCredentialReactivated,
	ActionAdminAccessDenied,
	ActionRateLimitExceeded,
	ActionServiceStartup,
	ActionServiceShutdown,
	ActionHealthCheck,
	ActionUserCreated,
	ActionUserStatusUpdated,
	ActionConvertText,
	ActionConvertFile,
	ActionConvertURL,
}

// Valid reports whether a is a member of the closed action set.
func (a AuditAction) Valid() bool {
	for _, known := range AuditActions {
		if a == known {
			return true
		}
	}
	return false
}

// Outcome is the result recorded with an audit event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AuditEvent is an immutable record of a security-relevant occurrence.
// Events are append-only; the canonical read order is (OccurredAt, Seq).
type AuditEvent struct {
	ID         string                 `json:"id"`
	Seq        int64                  `json:"seq"`
	Action     AuditAction            `json:"action"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Outcome    Outcome                `json:"outcome"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// AuditFilter narrows audit queries. Zero values mean "no constraint".
type AuditFilter struct {
	Action  AuditAction
	ActorID string
	Since   time.Time
	Limit   int
}
