// Package config handles loading and validation of ChurnGuard configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// CHURNGUARD_ prefix:
//
//	server.address → CHURNGUARD_SERVER_ADDRESS
//	rate_limit.cancellation.max_requests → CHURNGUARD_RATE_LIMIT_CANCELLATION_MAX_REQUESTS
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via CHURNGUARD_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/churnguard/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// Environment selects deployment-specific behavior: production enables the
// Secure cookie attribute and the per-request security log line.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvProduction:
		return true
	}
	return false
}

// LimiterBackend selects where fixed-window counters live.
type LimiterBackend string

const (
	LimiterBackendMemory LimiterBackend = "memory"
	LimiterBackendRedis  LimiterBackend = "redis"
)

func (b LimiterBackend) Valid() bool {
	switch b {
	case LimiterBackendMemory, LimiterBackendRedis:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level ChurnGuard configuration.
type Config struct {
	Environment Environment      `yaml:"environment" env:"ENVIRONMENT"`
	Server      ServerConfig     `yaml:"server"      envPrefix:"SERVER_"`
	Admin       AdminConfig      `yaml:"admin"       envPrefix:"ADMIN_"`
	Security    SecurityConfig   `yaml:"security"    envPrefix:"SECURITY_"`
	CSRF        CSRFConfig       `yaml:"csrf"        envPrefix:"CSRF_"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"  envPrefix:"RATE_LIMIT_"`
	Redis       RedisConfig      `yaml:"redis"       envPrefix:"REDIS_"`
	Experiment  ExperimentConfig `yaml:"experiment"  envPrefix:"EXPERIMENT_"`
	Analytics   AnalyticsConfig  `yaml:"analytics"   envPrefix:"ANALYTICS_"`
	Logging     LoggingConfig    `yaml:"logging"     envPrefix:"LOGGING_"`
	Tracing     TracingConfig    `yaml:"tracing"     envPrefix:"TRACING_"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// SecurityConfig holds the request gatekeeper settings. The automation
// signature and forwarding-header lists are fixed in code; only the path
// exclusions and the CSP string are tunable.
type SecurityConfig struct {
	// ExcludePaths are path prefixes that bypass the gatekeeper entirely
	// (static assets, favicon). API routes are NOT excluded — they pass the
	// gatekeeper and then their own per-route limiter.
	ExcludePaths []string `yaml:"exclude_paths" env:"EXCLUDE_PATHS" envSeparator:","`

	// ContentSecurityPolicy is attached verbatim on every response.
	ContentSecurityPolicy string `yaml:"content_security_policy" env:"CONTENT_SECURITY_POLICY"`
}

// CSRFConfig holds CSRF token issuance and validation settings.
type CSRFConfig struct {
	CookieName   string `yaml:"cookie_name"    env:"COOKIE_NAME"`
	HeaderName   string `yaml:"header_name"    env:"HEADER_NAME"`
	TokenLength  int    `yaml:"token_length"   env:"TOKEN_LENGTH"`
	CookieMaxAge string `yaml:"cookie_max_age" env:"COOKIE_MAX_AGE"`
}

// ScopeConfig is one named fixed-window limiter configuration.
type ScopeConfig struct {
	MaxRequests int    `yaml:"max_requests" env:"MAX_REQUESTS"`
	Window      string `yaml:"window"       env:"WINDOW"`
}

// WindowDuration parses the window, falling back to def on empty or error.
func (s ScopeConfig) WindowDuration(def time.Duration) time.Duration {
	return MustParseDuration(s.Window, def)
}

// RateLimitConfig holds the four named limiter scopes. Each scope has an
// independent store and independent per-client counters.
type RateLimitConfig struct {
	Backend      LimiterBackend `yaml:"backend"      env:"BACKEND"`
	KeyPrefix    string         `yaml:"key_prefix"   env:"KEY_PREFIX"`
	General      ScopeConfig    `yaml:"general"      envPrefix:"GENERAL_"`
	Auth         ScopeConfig    `yaml:"auth"         envPrefix:"AUTH_"`
	Cancellation ScopeConfig    `yaml:"cancellation" envPrefix:"CANCELLATION_"`
	Feedback     ScopeConfig    `yaml:"feedback"     envPrefix:"FEEDBACK_"`
}

// RedisConfig holds connection settings for the optional distributed
// limiter store. Only consulted when rate_limit.backend is "redis".
type RedisConfig struct {
	Endpoint     string         `yaml:"endpoint"      env:"ENDPOINT"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// ExperimentConfig holds A/B assignment and downsell pricing settings.
type ExperimentConfig struct {
	// CookieName is the client-durable assignment cookie. The assignment is
	// device-local: the same user on a second device gets an independent draw.
	CookieName   string `yaml:"cookie_name"    env:"COOKIE_NAME"`
	CookieMaxAge string `yaml:"cookie_max_age" env:"COOKIE_MAX_AGE"`

	// DiscountCents is the flat variant-B reduction, floored at zero.
	DiscountCents int `yaml:"discount_cents" env:"DISCOUNT_CENTS"`
}

// AnalyticsConfig holds the optional completion-tracking webhook settings.
type AnalyticsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// defaultCSP matches the policy the cancellation flow pages are served under.
const defaultCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; " +
	"style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; " +
	"font-src 'self'; connect-src 'self'; frame-ancestors 'none'"

// Defaults returns a Config populated with sensible default values.
// The four limiter scopes default to the production limits: general
// 100/15m, auth 5/15m, cancellation 10/1h, feedback 5/1h.
func Defaults() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Security: SecurityConfig{
			ExcludePaths:          []string{"/static/", "/favicon.ico"},
			ContentSecurityPolicy: defaultCSP,
		},
		CSRF: CSRFConfig{
			CookieName:   "csrf-token",
			HeaderName:   "X-CSRF-Token",
			TokenLength:  32,
			CookieMaxAge: "24h",
		},
		RateLimit: RateLimitConfig{
			Backend:      LimiterBackendMemory,
			KeyPrefix:    "rl:churnguard:",
			General:      ScopeConfig{MaxRequests: 100, Window: "15m"},
			Auth:         ScopeConfig{MaxRequests: 5, Window: "15m"},
			Cancellation: ScopeConfig{MaxRequests: 10, Window: "1h"},
			Feedback:     ScopeConfig{MaxRequests: 5, Window: "1h"},
		},
		Redis: RedisConfig{
			Endpoint:     "localhost:6379",
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Experiment: ExperimentConfig{
			CookieName:    "downsell-variant",
			CookieMaxAge:  "8760h", // one year
			DiscountCents: 1000,
		},
		Analytics: AnalyticsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "churnguard",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("CHURNGUARD_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/churnguard/config.yaml and
// can be overridden via CHURNGUARD_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "CHURNGUARD_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Production"
// or env values like "MEMORY" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Environment = Environment(strings.ToLower(string(cfg.Environment)))
	cfg.RateLimit.Backend = LimiterBackend(strings.ToLower(string(cfg.RateLimit.Backend)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if !cfg.Environment.Valid() {
		return fmt.Errorf("invalid environment %q: must be development or production", cfg.Environment)
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateCSRF(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateAnalytics(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"csrf.cookie_max_age", cfg.CSRF.CookieMaxAge},
		{"rate_limit.general.window", cfg.RateLimit.General.Window},
		{"rate_limit.auth.window", cfg.RateLimit.Auth.Window},
		{"rate_limit.cancellation.window", cfg.RateLimit.Cancellation.Window},
		{"rate_limit.feedback.window", cfg.RateLimit.Feedback.Window},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"experiment.cookie_max_age", cfg.Experiment.CookieMaxAge},
		{"analytics.flush_interval", cfg.Analytics.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if !cfg.RateLimit.Backend.Valid() {
		return fmt.Errorf("invalid rate_limit.backend %q: must be memory or redis", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Backend == LimiterBackendRedis && cfg.Redis.Endpoint == "" {
		return fmt.Errorf("redis.endpoint is required when rate_limit.backend is redis")
	}

	scopes := []struct {
		name  string
		scope ScopeConfig
	}{
		{"general", cfg.RateLimit.General},
		{"auth", cfg.RateLimit.Auth},
		{"cancellation", cfg.RateLimit.Cancellation},
		{"feedback", cfg.RateLimit.Feedback},
	}
	for _, s := range scopes {
		if s.scope.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.%s.max_requests must be positive, got %d", s.name, s.scope.MaxRequests)
		}
		if s.scope.WindowDuration(0) <= 0 {
			return fmt.Errorf("rate_limit.%s.window must be a positive duration, got %q", s.name, s.scope.Window)
		}
	}
	return nil
}

func validateCSRF(cfg *Config) error {
	if cfg.CSRF.CookieName == "" {
		return fmt.Errorf("csrf.cookie_name must not be empty")
	}
	if cfg.CSRF.TokenLength < 16 {
		return fmt.Errorf("csrf.token_length must be at least 16, got %d", cfg.CSRF.TokenLength)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateAnalytics(cfg *Config) error {
	if cfg.Analytics.Enabled && cfg.Analytics.URL == "" {
		return fmt.Errorf("analytics.url is required when analytics is enabled")
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// IsProduction reports whether the deployment environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	if c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled {
		fields = append(fields, "server.tls.http3_enabled")
	}
	if c.RateLimit.Backend != old.RateLimit.Backend {
		fields = append(fields, "rate_limit.backend")
	}
	return fields
}
