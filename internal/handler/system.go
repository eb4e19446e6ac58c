package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/ratelimit"
	"github.com/markgate/markgate/internal/server/middleware"
)

// Pinger reports whether the credential store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
	Driver() string
}

// SystemInfo is static service metadata reported by the health endpoint.
type SystemInfo struct {
	Version     string
	Environment string
	AuthEnabled bool
}

// SystemHandler serves liveness and health checks.
type SystemHandler struct {
	store   Pinger
	limiter *ratelimit.Limiter
	audit   audit.Recorder
	info    SystemInfo
	started time.Time
}

// NewSystemHandler creates a SystemHandler. limiter may be nil.
func NewSystemHandler(store Pinger, limiter *ratelimit.Limiter, rec audit.Recorder, info SystemInfo) *SystemHandler {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &SystemHandler{store: store, limiter: limiter, audit: rec, info: info, started: time.Now()}
}

// Healthz is a liveness probe. Returns 200 if the process is running.
// GET /healthz
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health checks the credential store and reports the admission settings in
// force. It answers 503 when the store is unreachable.
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, httpStatus := "healthy", http.StatusOK
	storage := "ok"
	outcome := model.OutcomeSuccess
	if err := h.store.Ping(ctx); err != nil {
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
		storage = "unreachable"
		outcome = model.OutcomeFailure
	}

	rateLimited := false
	if h.limiter != nil {
		rateLimited = h.limiter.Policy().Enabled
	}

	h.audit.Record(r.Context(), model.ActionHealthCheck, middleware.CredentialID(r.Context()), outcome, map[string]interface{}{
		"status": status,
	})

	writeJSON(w, httpStatus, map[string]interface{}{
		"status":             status,
		"version":            h.info.Version,
		"environment":        h.info.Environment,
		"uptime_seconds":     int64(time.Since(h.started).Seconds()),
		"auth_enabled":       h.info.AuthEnabled,
		"rate_limit_enabled": rateLimited,
		"storage": map[string]string{
			"driver": h.store.Driver(),
			"status": storage,
		},
	})
}
