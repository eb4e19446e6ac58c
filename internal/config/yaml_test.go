package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if s.RateLimit.Default.Rate != 30 || s.RateLimit.Default.Period != time.Minute {
		t.Errorf("default rule = %+v, want 30/60s", s.RateLimit.Default)
	}
	if len(s.RateLimit.Routes) != 3 {
		t.Errorf("got %d route rules, want 3", len(s.RateLimit.Routes))
	}
	if s.Audit.RetentionDays != 90 {
		t.Errorf("retention = %d, want 90", s.Audit.RetentionDays)
	}
	if s.Server.FloodLimitPerMinute <= 0 {
		t.Errorf("flood guard off by default: %d", s.Server.FloodLimitPerMinute)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"short secret", func(s *Settings) { s.Auth.SecretLength = 8 }, "secret_length"},
		{"long secret", func(s *Settings) { s.Auth.SecretLength = 64 }, "secret_length"},
		{"zero rate", func(s *Settings) { s.RateLimit.Default.Rate = 0 }, "rate_limit.default.rate"},
		{"zero period", func(s *Settings) { s.RateLimit.Routes[0].Period = 0 }, "rate_limit.routes[0].period"},
		{"unknown backend", func(s *Settings) { s.RateLimit.Backend = "memcached" }, "backend"},
		{"redis without url", func(s *Settings) { s.RateLimit.Backend = "redis" }, "redis_url"},
		{"unknown driver", func(s *Settings) { s.Storage.Driver = "oracle" }, "unsupported storage driver"},
		{"negative buffer", func(s *Settings) { s.Audit.BufferSize = -1 }, "buffer_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateSkipsRulesWhenLimiterDisabled(t *testing.T) {
	s := DefaultSettings()
	s.RateLimit.Enabled = false
	s.RateLimit.Default.Rate = 0
	if err := s.Validate(); err != nil {
		t.Errorf("disabled limiter should not validate rules: %v", err)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("MARKGATE_TEST_REDIS", "redis://cache:6379/0")

	path := filepath.Join(t.TempDir(), "markgate.yaml")
	content := `
server:
  port: 9090
rate_limit:
  backend: redis
  redis_url: ${MARKGATE_TEST_REDIS}
  default:
    rate: 5
    period: 10s
  routes:
    - path: /x
      rate: 3
      period: 10s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", s.Server.Port)
	}
	if s.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, defaults should survive", s.Server.Host)
	}
	if s.RateLimit.RedisURL != "redis://cache:6379/0" {
		t.Errorf("redis_url = %q, env var not expanded", s.RateLimit.RedisURL)
	}
	if s.RateLimit.Default.Period != 10*time.Second {
		t.Errorf("period = %v, want 10s", s.RateLimit.Default.Period)
	}
	if len(s.RateLimit.Routes) != 1 || s.RateLimit.Routes[0].Path != "/x" {
		t.Errorf("routes = %+v", s.RateLimit.Routes)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markgate.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Converter.FetchTimeout != 10*time.Second {
		t.Errorf("fetch_timeout = %v, want 10s", s.Converter.FetchTimeout)
	}
	if len(s.RateLimit.Exclude) != 1 || s.RateLimit.Exclude[0] != "/api/v1/admin/*" {
		t.Errorf("exclude = %v", s.RateLimit.Exclude)
	}
}
