package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/markgate/markgate/internal/config"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	if got := v.GetInt("server.port"); got != 8000 {
		t.Errorf("server.port = %d, want 8000", got)
	}
	if got := v.GetString("auth.api_key_header"); got != "X-API-Key" {
		t.Errorf("auth.api_key_header = %q", got)
	}
	if !v.IsSet("rate_limit.default.rate") {
		t.Error("nested key rate_limit.default.rate not registered")
	}
}

func TestSetDefaults_EnvOverride(t *testing.T) {
	t.Setenv("MARKGATE_SERVER_PORT", "9100")
	t.Setenv("MARKGATE_RATE_LIMIT_BACKEND", "redis")

	v := viper.New()
	v.SetEnvPrefix("MARKGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	s := config.DefaultSettings()
	if err := v.Unmarshal(s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if s.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", s.Server.Port)
	}
	if s.RateLimit.Backend != "redis" {
		t.Errorf("RateLimit.Backend = %q, want redis", s.RateLimit.Backend)
	}
	if s.RateLimit.Default.Period != 60*time.Second {
		t.Errorf("RateLimit.Default.Period = %v, want 1m", s.RateLimit.Default.Period)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}

	newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf).Debug("shown", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected JSON record, got %s", buf.String())
	}

	buf.Reset()
	newLogger(config.LoggingConfig{Level: "bogus", Format: "text"}, &buf).Info("fallback")
	if !strings.Contains(buf.String(), "msg=fallback") {
		t.Errorf("expected text record at info, got %s", buf.String())
	}
}

func TestVersionString(t *testing.T) {
	defer func(v string) { appVersion = v }(appVersion)

	for in, want := range map[string]string{"": "dev", "dev": "dev", "1.2.0": "v1.2.0", "v1.2.0": "v1.2.0"} {
		appVersion = in
		if got := versionString(); got != want {
			t.Errorf("versionString(%q) = %q, want %q", in, got, want)
		}
	}
}
