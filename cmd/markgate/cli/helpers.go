package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/metrics"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/service"
)

// setDefaults registers every key of config.DefaultSettings with v, so
// MARKGATE_* environment variables can override keys absent from the file.
func setDefaults(v *viper.Viper) {
	data, err := yaml.Marshal(config.DefaultSettings())
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]interface{}); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
}

// loadSettings decodes the effective configuration from viper and applies
// command line overrides.
func loadSettings() (*config.Settings, error) {
	s := config.DefaultSettings()
	if err := viper.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if dataDir != "" {
		s.Storage.DataDir = dataDir
	}
	if s.Storage.Driver == "sqlite" && s.Storage.DSN == "" && s.Storage.DataDir == "" {
		s.Storage.DataDir = defaultDataDir()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func defaultDataDir() string {
	if envDir := os.Getenv("MARKGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".markgate")
}

// newLogger builds the process logger from the logging settings.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app bundles the store-backed services every command works through.
type app struct {
	settings *config.Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    *config.Store
	trail    *audit.Trail
	hasher   *service.BcryptHasher
	auth     *service.AuthService
	creds    *service.CredentialService
	users    *service.UserService
}

// openApp loads settings, opens the store and wires the services. Commands
// other than serve write audit events synchronously so nothing is lost when
// the process exits.
func openApp(buffered bool) (*app, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	logger := newLogger(s.Logging, os.Stderr)

	store, err := config.Open(s.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	bufferSize := 0
	if buffered {
		bufferSize = s.Audit.BufferSize
	}
	var sink audit.Sink = store
	if !s.Audit.Enabled {
		sink = discardSink{}
	}
	trail := audit.NewTrail(sink, audit.Options{BufferSize: bufferSize, Logger: logger, Metrics: m})

	hasher := service.NewBcryptHasher(s.Auth.HashCost)
	return &app{
		settings: s,
		logger:   logger,
		metrics:  m,
		store:    store,
		trail:    trail,
		hasher:   hasher,
		auth: service.NewAuthService(store, hasher, trail, service.AuthOptions{
			Enabled: s.Auth.Enabled,
			Logger:  logger,
			Metrics: m,
		}),
		creds: service.NewCredentialService(store, hasher, trail, service.CredentialOptions{
			SecretLength: s.Auth.SecretLength,
			DefaultTTL:   time.Duration(s.Auth.KeyExpirationDays) * 24 * time.Hour,
			Logger:       logger,
		}),
		users: service.NewUserService(store, trail),
	}, nil
}

// Close flushes the audit trail and closes the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.settings.Server.ShutdownTimeout)
	defer cancel()
	if err := a.trail.Close(ctx); err != nil {
		a.logger.Warn("audit flush incomplete", "error", err)
	}
	a.store.Close()
}

// cliContext tags audit events raised by CLI commands.
func cliContext() context.Context {
	return audit.WithSource(context.Background(), audit.Source{Origin: "cli"})
}

// discardSink drops events when the audit trail is disabled.
type discardSink struct{}

func (discardSink) InsertAuditEvent(context.Context, *model.AuditEvent) error { return nil }

// confirm asks a yes/no question on the terminal. Without a terminal it
// refuses, so scripts must pass --force.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("%s: no terminal to confirm on (use --force)", prompt)
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
