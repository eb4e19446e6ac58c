package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/model"
)

// recordedEvent is one call to captureRecorder.Record.
type recordedEvent struct {
	Action  model.AuditAction
	ActorID string
	Outcome model.Outcome
	Detail  map[string]interface{}
}

// captureRecorder is an audit.Recorder that keeps events in memory.
type captureRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *captureRecorder) Record(_ context.Context, action model.AuditAction, actorID string, outcome model.Outcome, detail map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{action, actorID, outcome, detail})
}

func (r *captureRecorder) count(action model.AuditAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func (r *captureRecorder) last(action model.AuditAction) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Action == action {
			return r.events[i], true
		}
	}
	return recordedEvent{}, false
}

type fixture struct {
	store *config.Store
	rec   *captureRecorder
	creds *CredentialService
	auth  *AuthService
	users *UserService
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store: store,
		rec:   &captureRecorder{},
		now:   time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	hasher := NewBcryptHasher(bcrypt.MinCost)

	f.creds = NewCredentialService(store, hasher, f.rec, CredentialOptions{SecretLength: 32, Now: clock})
	f.auth = NewAuthService(store, hasher, f.rec, AuthOptions{Enabled: true, Now: clock})
	f.users = NewUserService(store, f.rec)
	return f
}

func (f *fixture) issue(t *testing.T, name string, role model.Role) (*model.Credential, string) {
	t.Helper()
	cred, secret, err := f.creds.Issue(context.Background(), IssueRequest{Name: name, Role: role})
	if err != nil {
		t.Fatalf("Issue(%s): %v", name, err)
	}
	return cred, secret
}
