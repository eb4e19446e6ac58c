package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/converter"
	"github.com/markgate/markgate/internal/handler"
	"github.com/markgate/markgate/internal/metrics"
	"github.com/markgate/markgate/internal/openapi"
	"github.com/markgate/markgate/internal/ratelimit"
	"github.com/markgate/markgate/internal/server/middleware"
	"github.com/markgate/markgate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes, JSON endpoints
	FloodPerMinute  int
	APIKeyHeader    string
	BaseURL         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultSettings())
}

// ConfigFrom derives the server configuration from service settings.
func ConfigFrom(s *config.Settings) Config {
	return Config{
		Host:            s.Server.Host,
		Port:            s.Server.Port,
		ShutdownTimeout: s.Server.ShutdownTimeout,
		CORSOrigins:     s.Server.CORSOrigins,
		MaxBodySize:     s.Server.MaxBodySize,
		FloodPerMinute:  s.Server.FloodLimitPerMinute,
		APIKeyHeader:    s.Auth.APIKeyHeader,
	}
}

// Store is the persistence the HTTP surface reads directly.
type Store interface {
	handler.Pinger
	audit.Querier
}

// Deps are the components the server routes to.
type Deps struct {
	Store       Store
	Auth        *service.AuthService
	Credentials *service.CredentialService
	Users       *service.UserService
	Limiter     *ratelimit.Limiter
	Converter   converter.Converter
	ConvertCfg  config.ConverterConfig
	Audit       audit.Recorder
	Metrics     *metrics.Metrics
	Info        handler.SystemInfo
}

// Server is the top-level HTTP server for markgate. Every request to the
// conversion and admin APIs passes the flood guard, credential verification
// and the rate limiter, in that order.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Policy{}, ratelimit.Options{Audit: deps.Audit, Logger: logger})
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	d := s.deps

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger, d.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.AuditSource)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", s.cfg.APIKeyHeader, "X-Request-ID", "X-Requested-With"},
		ExposedHeaders: []string{
			"X-Request-ID", "Retry-After",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		},
		MaxAge: 300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.FloodPerMinute > 0 {
		r.Use(middleware.FloodGuard(s.cfg.FloodPerMinute))
	}

	sysHandler := handler.NewSystemHandler(d.Store, d.Limiter, d.Audit, d.Info)
	openAPIHandler := handler.NewOpenAPIHandler(openapi.Options{
		BaseURL:      s.cfg.BaseURL,
		Version:      d.Info.Version,
		APIKeyHeader: s.cfg.APIKeyHeader,
	})

	// --- Health, metrics and docs (no auth required) ---
	r.Get("/healthz", sysHandler.Healthz)
	r.Get("/health", sysHandler.Health)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	r.Get("/openapi.json", openAPIHandler.ServeSpec)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.Auth, s.cfg.APIKeyHeader, d.Limiter))
		r.Use(middleware.RateLimit(d.Limiter))

		r.Route("/convert", func(r chi.Router) {
			convHandler := handler.NewConvertHandler(d.Converter, d.Audit, d.ConvertCfg)

			// Uploads are bounded by the converter's own file size limit.
			r.Post("/file", convHandler.ConvertFile)

			r.Group(func(r chi.Router) {
				r.Use(s.bodyLimit)
				r.Post("/text", convHandler.ConvertText)
				r.Post("/url", convHandler.ConvertURL)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(d.Auth))
			r.Use(s.bodyLimit)

			adminHandler := handler.NewAdminHandler(d.Credentials, d.Users, d.Store)

			// API key management
			r.Get("/api-keys", adminHandler.ListKeys)
			r.Post("/api-keys", adminHandler.CreateKey)
			r.Get("/api-keys/{keyRef}", adminHandler.GetKey)
			r.Post("/api-keys/{keyRef}/rotate", adminHandler.RotateKey)
			r.Post("/api-keys/{keyRef}/deactivate", adminHandler.DeactivateKey)
			r.Post("/api-keys/{keyRef}/reactivate", adminHandler.ReactivateKey)

			// User management
			r.Get("/users", adminHandler.ListUsers)
			r.Post("/users", adminHandler.CreateUser)
			r.Get("/users/{userId}", adminHandler.GetUser)
			r.Post("/users/{userId}/activate", adminHandler.ActivateUser)
			r.Post("/users/{userId}/deactivate", adminHandler.DeactivateUser)

			// Audit trail
			r.Get("/audit", adminHandler.ListAudit)
		})
	})

	s.router = r
}

func (s *Server) bodyLimit(next http.Handler) http.Handler {
	if s.cfg.MaxBodySize <= 0 {
		return next
	}
	return chimw.RequestSize(s.cfg.MaxBodySize)(next)
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled or
// a SIGINT or SIGTERM is received. It then performs a graceful shutdown,
// draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
