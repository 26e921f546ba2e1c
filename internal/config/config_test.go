package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, EnvDevelopment, cfg.Environment)
		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, LimiterBackendMemory, cfg.RateLimit.Backend)
		assert.Equal(t, 100, cfg.RateLimit.General.MaxRequests)
		assert.Equal(t, "15m", cfg.RateLimit.General.Window)
		assert.Equal(t, 5, cfg.RateLimit.Auth.MaxRequests)
		assert.Equal(t, 10, cfg.RateLimit.Cancellation.MaxRequests)
		assert.Equal(t, "1h", cfg.RateLimit.Cancellation.Window)
		assert.Equal(t, 5, cfg.RateLimit.Feedback.MaxRequests)
		assert.Equal(t, "csrf-token", cfg.CSRF.CookieName)
		assert.Equal(t, 32, cfg.CSRF.TokenLength)
		assert.Equal(t, "downsell-variant", cfg.Experiment.CookieName)
		assert.Equal(t, 1000, cfg.Experiment.DiscountCents)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "churnguard", cfg.Tracing.ServiceName)
	})

	t.Run("defaults pass validation", func(t *testing.T) {
		require.NoError(t, Validate(Defaults()))
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
environment: "production"
server:
  address: ":9999"
rate_limit:
  backend: "redis"
  cancellation:
    max_requests: 3
    window: "30m"
redis:
  endpoint: "redis:6379"
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("CHURNGUARD_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, EnvProduction, cfg.Environment)
		assert.True(t, cfg.IsProduction())
		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, LimiterBackendRedis, cfg.RateLimit.Backend)
		assert.Equal(t, 3, cfg.RateLimit.Cancellation.MaxRequests)
		assert.Equal(t, "30m", cfg.RateLimit.Cancellation.Window)
		// Untouched scopes keep their defaults.
		assert.Equal(t, 100, cfg.RateLimit.General.MaxRequests)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("CHURNGUARD_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Address)
	})

	t.Run("rejects malformed YAML", func(t *testing.T) {
		cfgFile := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("server: [not: valid"), 0o644))

		_, err := LoadFromPath(cfgFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHURNGUARD_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("CHURNGUARD_SERVER_ADDRESS", ":7777")
	t.Setenv("CHURNGUARD_RATE_LIMIT_CANCELLATION_MAX_REQUESTS", "2")
	t.Setenv("CHURNGUARD_ENVIRONMENT", "PRODUCTION") // normalized to lowercase

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, 2, cfg.RateLimit.Cancellation.MaxRequests)
	assert.Equal(t, EnvProduction, cfg.Environment)
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Defaults() }

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"invalid environment", func(c *Config) { c.Environment = "staging" }, "invalid environment"},
		{"invalid backend", func(c *Config) { c.RateLimit.Backend = "dynamo" }, "rate_limit.backend"},
		{"redis backend without endpoint", func(c *Config) {
			c.RateLimit.Backend = LimiterBackendRedis
			c.Redis.Endpoint = ""
		}, "redis.endpoint is required"},
		{"zero scope limit", func(c *Config) { c.RateLimit.Feedback.MaxRequests = 0 }, "feedback.max_requests"},
		{"bad scope window", func(c *Config) { c.RateLimit.Auth.Window = "soon" }, "rate_limit.auth.window"},
		{"bad duration", func(c *Config) { c.Server.ReadTimeout = "fast" }, "server.read_timeout"},
		{"empty csrf cookie", func(c *Config) { c.CSRF.CookieName = "" }, "csrf.cookie_name"},
		{"short csrf token", func(c *Config) { c.CSRF.TokenLength = 8 }, "csrf.token_length"},
		{"tls without certs", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"http3 without tls", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "http3_enabled requires"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"analytics without url", func(c *Config) { c.Analytics.Enabled = true }, "analytics.url"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNormalizeTLSVersion(t *testing.T) {
	assert.Equal(t, "1.3", normalizeTLSVersion("TLS1.3"))
	assert.Equal(t, "1.3", normalizeTLSVersion("tls13"))
	assert.Equal(t, "1.2", normalizeTLSVersion("1.2"))
	assert.Equal(t, "bogus", normalizeTLSVersion("bogus"))
}

func TestRedactedString(t *testing.T) {
	secret := RedactedString("hunter2")

	assert.Equal(t, "hunter2", secret.Value())
	assert.Equal(t, "[REDACTED]", secret.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", secret))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", secret))

	out, err := json.Marshal(secret)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(out))

	assert.Equal(t, "", RedactedString("").String())
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config needs nothing", func(t *testing.T) {
		cfg := Defaults()
		assert.Empty(t, cfg.RequiresRestart(nil))
	})

	t.Run("address change requires restart", func(t *testing.T) {
		oldCfg := Defaults()
		newCfg := Defaults()
		newCfg.Server.Address = ":1234"
		assert.Contains(t, newCfg.RequiresRestart(oldCfg), "server.address")
	})

	t.Run("scope change is hot-reloadable", func(t *testing.T) {
		oldCfg := Defaults()
		newCfg := Defaults()
		newCfg.RateLimit.Cancellation.MaxRequests = 1
		assert.Empty(t, newCfg.RequiresRestart(oldCfg))
	})
}

func TestDurationHelpers(t *testing.T) {
	d, err := ParseDuration("", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDuration("nope", 5*time.Second)
	require.Error(t, err)

	assert.Equal(t, 2*time.Minute, MustParseDuration("2m", time.Second))
	assert.Equal(t, time.Second, MustParseDuration("nope", time.Second))
	assert.Equal(t, 30*time.Minute, ScopeConfig{Window: "30m"}.WindowDuration(time.Hour))
	assert.Equal(t, time.Hour, ScopeConfig{}.WindowDuration(time.Hour))
}
