package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/markgate/markgate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(StorageConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(StorageConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestOpenDataDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dir, err)
	}
	s.Close()

	// Re-opening runs migrations again against the existing file.
	s, err = NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if s.Driver() != "sqlite" {
		t.Errorf("Driver() = %q, want sqlite", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func TestCredentialCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &model.Credential{
		Name:       "svc-a",
		SecretHash: "$2a$04$hash",
		Role:       model.RoleUser,
		IsActive:   true,
	}
	if err := s.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if c.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if c.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be assigned")
	}

	got, err := s.GetCredential(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.Name != "svc-a" || got.Role != model.RoleUser || !got.IsActive {
		t.Errorf("got %+v", got)
	}
	if got.SecretHash != "$2a$04$hash" {
		t.Errorf("got hash %q", got.SecretHash)
	}
	if got.LastUsedAt != nil || got.ExpiresAt != nil || got.OwnerID != nil {
		t.Errorf("nullable fields should be nil: %+v", got)
	}

	byName, err := s.GetCredentialByName(ctx, "svc-a")
	if err != nil {
		t.Fatalf("GetCredentialByName: %v", err)
	}
	if byName.ID != c.ID {
		t.Errorf("got ID %q, want %q", byName.ID, c.ID)
	}

	if _, err := s.GetCredential(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCredential(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetCredentialByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCredentialByName(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCreateCredentialDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &model.Credential{Name: "dup", SecretHash: "h1", Role: model.RoleUser, IsActive: true}
	if err := s.CreateCredential(ctx, first); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	// Inactive credentials still hold their name.
	if _, err := s.SetCredentialActive(ctx, first.ID, false); err != nil {
		t.Fatalf("SetCredentialActive: %v", err)
	}

	second := &model.Credential{Name: "dup", SecretHash: "h2", Role: model.RoleAdmin, IsActive: true}
	if err := s.CreateCredential(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	all, err := s.ListCredentials(ctx, model.CredentialFilter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d credentials, want 1 (no partial record)", len(all))
	}
}

func TestSetCredentialActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &model.Credential{Name: "k", SecretHash: "h", Role: model.RoleUser, IsActive: true}
	if err := s.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	steps := []struct {
		active  bool
		changed bool
	}{
		{false, true},
		{false, false},
		{true, true},
		{true, false},
	}
	for i, st := range steps {
		changed, err := s.SetCredentialActive(ctx, c.ID, st.active)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != st.changed {
			t.Errorf("step %d: changed = %v, want %v", i, changed, st.changed)
		}
		got, _ := s.GetCredential(ctx, c.ID)
		if got.IsActive != st.active {
			t.Errorf("step %d: IsActive = %v, want %v", i, got.IsActive, st.active)
		}
	}

	if _, err := s.SetCredentialActive(ctx, "nope", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateHashAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &model.Credential{Name: "rot", SecretHash: "old", Role: model.RoleAdmin, IsActive: true}
	if err := s.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if err := s.UpdateCredentialHash(ctx, c.ID, "new"); err != nil {
		t.Fatalf("UpdateCredentialHash: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchCredential(ctx, c.ID, at); err != nil {
		t.Fatalf("TouchCredential: %v", err)
	}

	got, _ := s.GetCredential(ctx, c.ID)
	if got.SecretHash != "new" {
		t.Errorf("hash = %q, want new", got.SecretHash)
	}
	if got.Name != "rot" || got.Role != model.RoleAdmin || got.ID != c.ID {
		t.Errorf("identity changed: %+v", got)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(at) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, at)
	}

	if err := s.UpdateCredentialHash(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateCredentialHash(nope) err = %v", err)
	}
	if err := s.TouchCredential(ctx, "nope", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchCredential(nope) err = %v", err)
	}
}

func TestListCredentialsAndAdmin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasActiveAdmin(ctx)
	if err != nil || has {
		t.Fatalf("HasActiveAdmin on empty store = %v, %v", has, err)
	}

	u := &model.User{Name: "Ada", Email: "ada@example.com"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	exp := time.Now().Add(time.Hour)
	creds := []*model.Credential{
		{Name: "a", SecretHash: "h", Role: model.RoleUser, IsActive: true, OwnerID: &u.ID},
		{Name: "b", SecretHash: "h", Role: model.RoleAdmin, IsActive: true, ExpiresAt: &exp},
		{Name: "c", SecretHash: "h", Role: model.RoleUser, IsActive: false},
	}
	for _, c := range creds {
		if err := s.CreateCredential(ctx, c); err != nil {
			t.Fatalf("CreateCredential(%s): %v", c.Name, err)
		}
	}

	active, err := s.ListActiveCredentials(ctx)
	if err != nil {
		t.Fatalf("ListActiveCredentials: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("got %d active, want 2", len(active))
	}

	tests := []struct {
		name   string
		filter model.CredentialFilter
		want   int
	}{
		{"default", model.CredentialFilter{}, 2},
		{"all", model.CredentialFilter{IncludeInactive: true}, 3},
		{"admins", model.CredentialFilter{Role: model.RoleAdmin}, 1},
		{"owner", model.CredentialFilter{OwnerID: u.ID, IncludeInactive: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCredentials(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListCredentials: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d, want %d", len(got), tt.want)
			}
		})
	}

	b, _ := s.GetCredentialByName(ctx, "b")
	if b.ExpiresAt == nil {
		t.Error("expected ExpiresAt to round-trip")
	}
	a, _ := s.GetCredentialByName(ctx, "a")
	if a.OwnerID == nil || *a.OwnerID != u.ID {
		t.Errorf("OwnerID = %v, want %q", a.OwnerID, u.ID)
	}

	has, err = s.HasActiveAdmin(ctx)
	if err != nil || !has {
		t.Errorf("HasActiveAdmin = %v, %v; want true", has, err)
	}
}

func TestCredentialOwnerMustExist(t *testing.T) {
	s := newTestStore(t)
	ghost := "no-such-user"
	c := &model.Credential{Name: "orphan", SecretHash: "h", Role: model.RoleUser, IsActive: true, OwnerID: &ghost}
	if err := s.CreateCredential(context.Background(), c); err == nil {
		t.Fatal("expected foreign key failure for unknown owner")
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &model.User{Name: "Grace", Email: "grace@example.com"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Status != model.UserActive {
		t.Errorf("default status = %q, want active", u.Status)
	}

	dup := &model.User{Name: "Other", Email: "grace@example.com"}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate email err = %v, want ErrDuplicate", err)
	}

	got, err := s.GetUserByEmail(ctx, "grace@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("got ID %q, want %q", got.ID, u.ID)
	}

	changed, err := s.SetUserStatus(ctx, u.ID, model.UserInactive)
	if err != nil || !changed {
		t.Fatalf("SetUserStatus = %v, %v", changed, err)
	}
	changed, err = s.SetUserStatus(ctx, u.ID, model.UserInactive)
	if err != nil || changed {
		t.Errorf("repeat SetUserStatus = %v, %v; want false, nil", changed, err)
	}
	if _, err := s.SetUserStatus(ctx, "nope", model.UserActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	got, _ = s.GetUser(ctx, u.ID)
	if got.Status != model.UserInactive {
		t.Errorf("status = %q", got.Status)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("got %d users, want 1", len(users))
	}
	if _, err := s.GetUser(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(nope) err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

func TestAuditEventsOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	events := []model.AuditEvent{
		{Seq: 1, Action: model.ActionCredentialCreated, ActorID: "admin", Outcome: model.OutcomeSuccess, OccurredAt: base,
			Detail: map[string]interface{}{"name": "svc-a"}},
		// Same timestamp: seq decides.
		{Seq: 3, Action: model.ActionCredentialVerified, ActorID: "svc-a", Outcome: model.OutcomeSuccess, OccurredAt: base.Add(time.Second)},
		{Seq: 2, Action: model.ActionCredentialInvalid, Outcome: model.OutcomeFailure, OccurredAt: base.Add(time.Second)},
		{Seq: 4, Action: model.ActionRateLimitExceeded, ActorID: "svc-a", Outcome: model.OutcomeFailure, OccurredAt: base.Add(2 * time.Second)},
	}
	for i := range events {
		if err := s.InsertAuditEvent(ctx, &events[i]); err != nil {
			t.Fatalf("InsertAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, model.AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	wantSeq := []int64{1, 2, 3, 4}
	if len(all) != len(wantSeq) {
		t.Fatalf("got %d events, want %d", len(all), len(wantSeq))
	}
	for i, e := range all {
		if e.Seq != wantSeq[i] {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, wantSeq[i])
		}
	}
	if all[0].Detail["name"] != "svc-a" {
		t.Errorf("detail = %v", all[0].Detail)
	}
	if all[1].ActorID != "" {
		t.Errorf("anonymous actor = %q, want empty", all[1].ActorID)
	}

	latest, err := s.ListAuditEvents(ctx, model.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListAuditEvents(limit): %v", err)
	}
	if len(latest) != 2 || latest[0].Seq != 3 || latest[1].Seq != 4 {
		t.Errorf("limited = %+v, want seq 3 then 4", latest)
	}

	byActor, _ := s.ListAuditEvents(ctx, model.AuditFilter{ActorID: "svc-a"})
	if len(byActor) != 2 {
		t.Errorf("by actor = %d, want 2", len(byActor))
	}
	byAction, _ := s.ListAuditEvents(ctx, model.AuditFilter{Action: model.ActionCredentialInvalid})
	if len(byAction) != 1 {
		t.Errorf("by action = %d, want 1", len(byAction))
	}
	since, _ := s.ListAuditEvents(ctx, model.AuditFilter{Since: base.Add(2 * time.Second)})
	if len(since) != 1 || since[0].Seq != 4 {
		t.Errorf("since = %+v", since)
	}
}

func TestDeleteAuditEventsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{100 * 24 * time.Hour, 91 * 24 * time.Hour, time.Hour} {
		e := &model.AuditEvent{Seq: int64(i), Action: model.ActionHealthCheck, Outcome: model.OutcomeSuccess, OccurredAt: now.Add(-age)}
		if err := s.InsertAuditEvent(ctx, e); err != nil {
			t.Fatalf("InsertAuditEvent: %v", err)
		}
	}

	n, err := s.DeleteAuditEventsBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteAuditEventsBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	left, _ := s.ListAuditEvents(ctx, model.AuditFilter{})
	if len(left) != 1 {
		t.Errorf("left %d, want 1", len(left))
	}
}
