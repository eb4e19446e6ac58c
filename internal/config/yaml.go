package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full markgate configuration. It is built once at startup
// (from defaults, the YAML file, .env and MARKGATE_* variables) and handed to
// each component by value.
type Settings struct {
	Environment string          `yaml:"environment" mapstructure:"environment"`
	Server      ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth        AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Audit       AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Storage     StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Converter   ConverterConfig `yaml:"converter" mapstructure:"converter"`
	Logging     LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size" mapstructure:"max_body_size"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	// FloodLimitPerMinute caps raw requests per client IP ahead of credential
	// verification. Zero disables the guard.
	FloodLimitPerMinute int `yaml:"flood_limit_per_minute" mapstructure:"flood_limit_per_minute"`
}

// AuthConfig controls credential issuance and verification.
type AuthConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	APIKeyHeader      string `yaml:"api_key_header" mapstructure:"api_key_header"`
	SecretLength      int    `yaml:"secret_length" mapstructure:"secret_length"`
	HashCost          int    `yaml:"hash_cost" mapstructure:"hash_cost"`
	KeyExpirationDays int    `yaml:"key_expiration_days" mapstructure:"key_expiration_days"`
	BootstrapAdmin    bool   `yaml:"bootstrap_admin" mapstructure:"bootstrap_admin"`
	InitialAdminName  string `yaml:"initial_admin_name" mapstructure:"initial_admin_name"`
}

// RateRule is a rate/period pair, optionally bound to a route prefix.
type RateRule struct {
	Path   string        `yaml:"path,omitempty" mapstructure:"path"`
	Rate   int           `yaml:"rate" mapstructure:"rate"`
	Period time.Duration `yaml:"period" mapstructure:"period"`
}

// RateLimitConfig controls the admission limiter.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Backend       string        `yaml:"backend" mapstructure:"backend"` // memory or redis
	RedisURL      string        `yaml:"redis_url" mapstructure:"redis_url"`
	Default       RateRule      `yaml:"default" mapstructure:"default"`
	Routes        []RateRule    `yaml:"routes" mapstructure:"routes"`
	Exclude       []string      `yaml:"exclude" mapstructure:"exclude"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// AuditConfig controls the audit trail writer and retention.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	BufferSize    int    `yaml:"buffer_size" mapstructure:"buffer_size"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule" mapstructure:"prune_schedule"`
}

// StorageConfig selects the credential and audit database.
type StorageConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"` // sqlite, postgres, mysql, sqlserver
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// BreakerConfig tunes the circuit breaker around the remote converter.
type BreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests" mapstructure:"max_requests"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxFailures uint32        `yaml:"max_failures" mapstructure:"max_failures"`
}

// ConverterConfig controls the document conversion backend.
type ConverterConfig struct {
	// Endpoint is the base URL of a conversion sidecar. Empty selects the
	// built-in converter for text formats only.
	Endpoint            string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout             time.Duration `yaml:"timeout" mapstructure:"timeout"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	UserAgent           string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxFileSize         int64         `yaml:"max_file_size" mapstructure:"max_file_size"`
	SupportedExtensions []string      `yaml:"supported_extensions" mapstructure:"supported_extensions"`
	Breaker             BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Bounds on the random secret length in bytes. The encoded secret has to fit
// in bcrypt's 72-byte input window.
const (
	MinSecretLength = 16
	MaxSecretLength = 54
)

// DefaultSettings returns Settings pre-filled with the service defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Environment: "development",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8000,
			ShutdownTimeout:     30 * time.Second,
			MaxBodySize:         10 << 20,
			CORSOrigins:         []string{"*"},
			FloodLimitPerMinute: 600,
		},
		Auth: AuthConfig{
			Enabled:           true,
			APIKeyHeader:      "X-API-Key",
			SecretLength:      32,
			HashCost:          12,
			KeyExpirationDays: 0,
			BootstrapAdmin:    true,
			InitialAdminName:  "System Admin",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Backend: "memory",
			Default: RateRule{Rate: 30, Period: 60 * time.Second},
			Routes: []RateRule{
				{Path: "/api/v1/convert/url", Rate: 60, Period: 60 * time.Second},
				{Path: "/api/v1/convert/file", Rate: 60, Period: 60 * time.Second},
				{Path: "/api/v1/convert/text", Rate: 60, Period: 60 * time.Second},
			},
			Exclude:       []string{"/api/v1/admin/*"},
			SweepInterval: time.Minute,
		},
		Audit: AuditConfig{
			Enabled:       true,
			BufferSize:    1024,
			RetentionDays: 90,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Converter: ConverterConfig{
			Timeout:      30 * time.Second,
			FetchTimeout: 10 * time.Second,
			UserAgent:    "markgate/1.0",
			MaxFileSize:  10 << 20,
			SupportedExtensions: []string{
				".pdf", ".docx", ".pptx", ".xlsx", ".html", ".htm",
				".txt", ".md", ".csv", ".json", ".xml",
			},
			Breaker: BreakerConfig{
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
				MaxFailures: 5,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the settings for values no component can run with.
func (s *Settings) Validate() error {
	var problems []string
	if s.Auth.SecretLength < MinSecretLength || s.Auth.SecretLength > MaxSecretLength {
		problems = append(problems, fmt.Sprintf("auth.secret_length must be between %d and %d, got %d",
			MinSecretLength, MaxSecretLength, s.Auth.SecretLength))
	}
	if s.Auth.APIKeyHeader == "" {
		problems = append(problems, "auth.api_key_header must not be empty")
	}
	if s.RateLimit.Enabled {
		if err := s.RateLimit.Default.check("rate_limit.default"); err != "" {
			problems = append(problems, err)
		}
		for i, r := range s.RateLimit.Routes {
			if r.Path == "" {
				problems = append(problems, fmt.Sprintf("rate_limit.routes[%d].path must not be empty", i))
			}
			if err := r.check(fmt.Sprintf("rate_limit.routes[%d]", i)); err != "" {
				problems = append(problems, err)
			}
		}
		switch s.RateLimit.Backend {
		case "", "memory":
		case "redis":
			if s.RateLimit.RedisURL == "" {
				problems = append(problems, "rate_limit.redis_url is required for the redis backend")
			}
		default:
			problems = append(problems, fmt.Sprintf("rate_limit.backend %q is not supported", s.RateLimit.Backend))
		}
	}
	if s.Audit.BufferSize < 0 {
		problems = append(problems, "audit.buffer_size must not be negative")
	}
	if _, err := ResolveDriver(s.Storage.Driver); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (r RateRule) check(field string) string {
	if r.Rate <= 0 {
		return fmt.Sprintf("%s.rate must be positive", field)
	}
	if r.Period <= 0 {
		return fmt.Sprintf("%s.period must be positive", field)
	}
	return ""
}

// LoadSettings reads and parses a YAML configuration file over the defaults.
// Environment variables referenced as ${VAR_NAME} in the file are expanded
// before parsing.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultSettings()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
