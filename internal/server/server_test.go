package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/converter"
	"github.com/markgate/markgate/internal/handler"
	"github.com/markgate/markgate/internal/metrics"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/ratelimit"
	"github.com/markgate/markgate/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const textRateLimit = 3

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *config.Store
	creds   *service.CredentialService
	limiter *ratelimit.Limiter
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// fully wired Server. /api/v1/convert/text is limited to textRateLimit
// requests per minute.
func newTestEnv(t *testing.T, authEnabled bool) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	settings := config.DefaultSettings()
	settings.Auth.Enabled = authEnabled
	settings.RateLimit.Routes = []config.RateRule{
		{Path: "/api/v1/convert/text", Rate: textRateLimit, Period: time.Minute},
	}

	m := metrics.New()
	trail := audit.NewTrail(store, audit.Options{Logger: logger, Metrics: m})
	hasher := service.NewBcryptHasher(bcrypt.MinCost)
	limiter := ratelimit.New(ratelimit.PolicyFromConfig(settings.RateLimit), ratelimit.Options{
		Audit:   trail,
		Metrics: m,
		Logger:  logger,
	})
	creds := service.NewCredentialService(store, hasher, trail, service.CredentialOptions{Logger: logger})

	srv := New(ConfigFrom(settings), Deps{
		Store:       store,
		Auth:        service.NewAuthService(store, hasher, trail, service.AuthOptions{Enabled: authEnabled, Logger: logger, Metrics: m}),
		Credentials: creds,
		Users:       service.NewUserService(store, trail),
		Limiter:     limiter,
		Converter:   converter.New(settings.Converter, logger, m),
		ConvertCfg:  settings.Converter,
		Audit:       trail,
		Metrics:     m,
		Info:        handler.SystemInfo{Version: "test", Environment: "test", AuthEnabled: authEnabled},
	}, logger)

	return &testEnv{server: srv, store: store, creds: creds, limiter: limiter}
}

// issue creates a credential directly through the service.
func (e *testEnv) issue(t *testing.T, name string, role model.Role) string {
	t.Helper()
	_, secret, err := e.creds.Issue(context.Background(), service.IssueRequest{Name: name, Role: role})
	if err != nil {
		t.Fatalf("issue %s: %v", name, err)
	}
	return secret
}

// do executes an HTTP request against the test server and returns the recorder.
// headers is an optional map of header key-value pairs.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

func (e *testEnv) events(t *testing.T, action model.AuditAction) []model.AuditEvent {
	t.Helper()
	events, err := e.store.ListAuditEvents(context.Background(), model.AuditFilter{Action: action})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	return events
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertContentType(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	got := rr.Header().Get("Content-Type")
	if got != want {
		t.Errorf("Content-Type = %q, want %q", got, want)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func textBody(t *testing.T) *bytes.Buffer {
	return jsonBody(t, map[string]string{"content": "<p>hello</p>"})
}

// ---------------------------------------------------------------------------
// Public endpoints
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, true)
	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	assertContentType(t, rr, "application/json")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, true)
	rr := env.do(t, "GET", "/health", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var body map[string]interface{}
	decodeJSON(t, rr, &body)
	if body["status"] != "healthy" || body["auth_enabled"] != true || body["rate_limit_enabled"] != true {
		t.Errorf("health = %v", body)
	}
}

func TestOpenAPIAndMetricsArePublic(t *testing.T) {
	env := newTestEnv(t, true)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"/api/v1/convert/text"`) {
		t.Error("openapi document missing convert path")
	}

	env.do(t, "GET", "/healthz", nil, nil)
	rr = env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "markgate_http_requests_total") {
		t.Error("metrics missing request counter")
	}
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestConvertRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, true)

	assertStatus(t, env.do(t, "POST", "/api/v1/convert/text", textBody(t), nil), http.StatusUnauthorized)
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), "wrong"), http.StatusUnauthorized)

	if got := len(env.events(t, model.ActionCredentialInvalid)); got != 2 {
		t.Errorf("credential_invalid events = %d, want 2", got)
	}
}

func TestInvalidKeysAreRateLimitedByOrigin(t *testing.T) {
	env := newTestEnv(t, true)

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		rr := env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), "wrong-secret")
		codes[rr.Code]++
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After")
		}
	}
	if codes[http.StatusUnauthorized] != textRateLimit || codes[http.StatusTooManyRequests] != 10-textRateLimit {
		t.Fatalf("status counts = %v, want %d x 401 then 429", codes, textRateLimit)
	}

	if got := len(env.events(t, model.ActionCredentialInvalid)); got != textRateLimit {
		t.Errorf("credential_invalid events = %d, want %d", got, textRateLimit)
	}
	denials := env.events(t, model.ActionRateLimitExceeded)
	if len(denials) != 10-textRateLimit {
		t.Fatalf("rate_limit_exceeded events = %d, want %d", len(denials), 10-textRateLimit)
	}
	if denials[0].ActorID != "" || denials[0].Detail["route"] != "/api/v1/convert/text" {
		t.Errorf("denial event = %+v", denials[0])
	}
}

func TestConvertWithValidKey(t *testing.T) {
	env := newTestEnv(t, true)
	secret := env.issue(t, "reader", model.RoleUser)

	rr := env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), secret)
	assertStatus(t, rr, http.StatusOK)
	if strings.TrimSpace(rr.Body.String()) != "hello" {
		t.Errorf("markdown = %q", rr.Body.String())
	}
	if rr.Header().Get("X-RateLimit-Limit") != "3" || rr.Header().Get("X-RateLimit-Remaining") != "2" {
		t.Errorf("rate headers = %v", rr.Header())
	}

	events := env.events(t, model.ActionConvertText)
	if len(events) != 1 || events[0].ActorID == "" {
		t.Fatalf("convert events = %+v", events)
	}
	if events[0].Detail["route"] != "/api/v1/convert/text" {
		t.Errorf("event detail missing route: %v", events[0].Detail)
	}
}

func TestRateLimitPerCredential(t *testing.T) {
	env := newTestEnv(t, true)
	first := env.issue(t, "first", model.RoleUser)
	second := env.issue(t, "second", model.RoleUser)

	for i := 0; i < textRateLimit; i++ {
		assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), first), http.StatusOK)
	}
	rr := env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), first)
	assertStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on 429")
	}

	// A different credential has its own window.
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), second), http.StatusOK)

	// A different route has its own window.
	rr = env.doAPIKey(t, "POST", "/api/v1/convert/url", jsonBody(t, map[string]string{"url": ""}), first)
	assertStatus(t, rr, http.StatusBadRequest)

	denied := env.events(t, model.ActionRateLimitExceeded)
	if len(denied) != 1 {
		t.Fatalf("rate_limit_exceeded events = %d, want 1", len(denied))
	}
	if denied[0].ActorID == "" || denied[0].Detail["route"] != "/api/v1/convert/text" {
		t.Errorf("denial event = %+v", denied[0])
	}
}

func TestRateLimitPolicyReload(t *testing.T) {
	env := newTestEnv(t, true)
	secret := env.issue(t, "reload", model.RoleUser)

	p := env.limiter.Policy()
	p.Enabled = false
	env.limiter.SetPolicy(p)

	for i := 0; i < textRateLimit+2; i++ {
		rr := env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), secret)
		assertStatus(t, rr, http.StatusOK)
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("disabled limiter should not emit rate headers")
		}
	}
}

func TestAuthDisabledKeysByIP(t *testing.T) {
	env := newTestEnv(t, false)

	for i := 0; i < textRateLimit; i++ {
		assertStatus(t, env.do(t, "POST", "/api/v1/convert/text", textBody(t), nil), http.StatusOK)
	}
	assertStatus(t, env.do(t, "POST", "/api/v1/convert/text", textBody(t), nil), http.StatusTooManyRequests)

	denied := env.events(t, model.ActionRateLimitExceeded)
	if len(denied) != 1 || denied[0].ActorID != "" {
		t.Errorf("denial events = %+v", denied)
	}
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdminRequiresAdminRole(t *testing.T) {
	env := newTestEnv(t, true)
	user := env.issue(t, "plain", model.RoleUser)
	admin := env.issue(t, "root", model.RoleAdmin)

	assertStatus(t, env.do(t, "GET", "/api/v1/admin/api-keys", nil, nil), http.StatusUnauthorized)
	assertStatus(t, env.doAPIKey(t, "GET", "/api/v1/admin/api-keys", nil, user), http.StatusForbidden)

	rr := env.doAPIKey(t, "GET", "/api/v1/admin/api-keys", nil, admin)
	assertStatus(t, rr, http.StatusOK)
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("admin routes are excluded from rate limiting by default")
	}

	if got := len(env.events(t, model.ActionAdminAccessDenied)); got != 1 {
		t.Errorf("admin_access_denied events = %d, want 1", got)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	admin := env.issue(t, "root", model.RoleAdmin)

	// Issue through the API.
	rr := env.doAPIKey(t, "POST", "/api/v1/admin/api-keys", jsonBody(t, map[string]string{"name": "worker"}), admin)
	assertStatus(t, rr, http.StatusCreated)
	var created struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	decodeJSON(t, rr, &created)

	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), created.APIKey), http.StatusOK)

	// Rotation invalidates the old secret.
	rr = env.doAPIKey(t, "POST", "/api/v1/admin/api-keys/worker/rotate", nil, admin)
	assertStatus(t, rr, http.StatusOK)
	var rotated struct {
		APIKey string `json:"api_key"`
	}
	decodeJSON(t, rr, &rotated)
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), created.APIKey), http.StatusUnauthorized)
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), rotated.APIKey), http.StatusOK)

	// Deactivation blocks it; reactivation restores it.
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/admin/api-keys/"+created.ID+"/deactivate", nil, admin), http.StatusOK)
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), rotated.APIKey), http.StatusUnauthorized)
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/admin/api-keys/"+created.ID+"/reactivate", nil, admin), http.StatusOK)
	// The text route allows three per minute and two have been used.
	assertStatus(t, env.doAPIKey(t, "POST", "/api/v1/convert/text", textBody(t), rotated.APIKey), http.StatusOK)

	// The trail holds the whole story in order.
	rr = env.doAPIKey(t, "GET", "/api/v1/admin/audit?actor="+created.ID, nil, admin)
	assertStatus(t, rr, http.StatusOK)
	var list model.ListResponse
	decodeJSON(t, rr, &list)
	var actions []string
	for _, e := range list.Resource {
		actions = append(actions, e["action"].(string))
	}
	want := []string{
		"credential_verified", "convert_text",
		"credential_verified", "convert_text",
		"credential_verified", "convert_text",
	}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("actor actions = %v, want %v", actions, want)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.cfg.MaxBodySize = 16
	env.server.setupRouter()

	rr := env.do(t, "POST", "/api/v1/convert/text", strings.NewReader(`{"content":"<p>far too long for the limit</p>"}`), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}
