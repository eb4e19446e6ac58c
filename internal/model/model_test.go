package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"ADMIN", RoleAdmin, false},
		{"  Admin ", RoleAdmin, false},
		{"root", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCredentialSecretHashNotInJSON(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	c := Credential{
		ID:         "0190f1d2-0000-7000-8000-000000000001",
		Name:       "ci",
		SecretHash: "$2a$12$abcdefghijklmnopqrstuv",
		Role:       RoleUser,
		IsActive:   true,
		CreatedAt:  now,
	}

	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if strings.Contains(string(b), "$2a$") {
		t.Errorf("secret hash leaked into JSON: %s", b)
	}

	var m map[string]interface{}
	json.Unmarshal(b, &m)
	if _, ok := m["secret_hash"]; ok {
		t.Error("secret_hash key present in JSON")
	}
	for _, key := range []string{"last_used_at", "expires_at", "owner_id"} {
		if _, ok := m[key]; ok {
			t.Errorf("%s should be omitted when nil", key)
		}
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"no expiry", nil, false},
		{"in the past", &past, true},
		{"exactly now", &now, true},
		{"in the future", &future, false},
	}
	for _, tt := range tests {
		c := &Credential{ExpiresAt: tt.expires}
		if got := c.Expired(now); got != tt.want {
			t.Errorf("%s: Expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCredentialIsAdmin(t *testing.T) {
	var nilCred *Credential
	if nilCred.IsAdmin() {
		t.Error("nil credential reported admin")
	}
	if (&Credential{Role: RoleUser}).IsAdmin() {
		t.Error("user credential reported admin")
	}
	if !(&Credential{Role: RoleAdmin}).IsAdmin() {
		t.Error("admin credential not reported admin")
	}
}

func TestAuditActionValid(t *testing.T) {
	for _, a := range AuditActions {
		if !a.Valid() {
			t.Errorf("%q should be valid", a)
		}
	}
	if AuditAction("credential_deleted").Valid() {
		t.Error("unknown action reported valid")
	}
}

func TestAuditActionsUnique(t *testing.T) {
	seen := make(map[AuditAction]bool)
	for _, a := range AuditActions {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
}

func TestErrorResponseJSON(t *testing.T) {
	er := ErrorResponse{
		Error: ErrorDetail{
			Code:    429,
			Message: "rate limit exceeded",
			Context: map[string]interface{}{"retry_after": 12},
		},
	}

	b, err := json.Marshal(er)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if m["error"]["code"] != float64(429) {
		t.Errorf("code = %v, want 429", m["error"]["code"])
	}
	ctx, ok := m["error"]["context"].(map[string]interface{})
	if !ok || ctx["retry_after"] != float64(12) {
		t.Errorf("context = %v", m["error"]["context"])
	}

	b, _ = json.Marshal(ErrorResponse{Error: ErrorDetail{Code: 401, Message: "invalid API key"}})
	if strings.Contains(string(b), "context") {
		t.Errorf("empty context should be omitted: %s", b)
	}
}

func TestListResponseOmitsZeroLimit(t *testing.T) {
	b, _ := json.Marshal(ListResponse{
		Resource: []map[string]interface{}{{"id": "a"}},
		Meta:     &ResponseMeta{Count: 1},
	})
	if strings.Contains(string(b), "limit") {
		t.Errorf("zero limit should be omitted: %s", b)
	}
}
