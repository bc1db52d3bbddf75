// Package config provides YAML configuration loading with validation and
// environment variable substitution for the API gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudgate/gateway/internal/ratelimit/store"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig             `yaml:"server" json:"server"`
	Metrics        MetricsConfig            `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig            `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig          `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig     `yaml:"circuit_breaker" json:"circuit_breaker"`
	Proxy          ProxyConfig              `yaml:"proxy" json:"proxy"`
	Auth           AuthConfig               `yaml:"auth" json:"auth"`
	Admin          AdminConfig              `yaml:"admin" json:"admin"`
	Services       map[string]ServiceConfig `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServiceConfig describes one backend the gateway proxies to.
type ServiceConfig struct {
	URL          string `yaml:"url" json:"url"`
	AuthRequired bool   `yaml:"auth_required" json:"auth_required"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and level settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// RateLimitConfig holds the sliding-window rate limiter settings.
type RateLimitConfig struct {
	Enabled           *bool             `yaml:"enabled" json:"enabled"`
	RequestsPerWindow int               `yaml:"requests_per_window" json:"requests_per_window"`
	WindowSeconds     int               `yaml:"window_seconds" json:"window_seconds"`
	KeyPrefix         string            `yaml:"key_prefix" json:"key_prefix"`
	ExcludePaths      []string          `yaml:"exclude_paths" json:"exclude_paths"`
	Redis             store.RedisConfig `yaml:"redis" json:"redis"`
}

// IsEnabled returns whether rate limiting is enabled (defaults to true).
func (r RateLimitConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// CircuitBreakerConfig holds circuit breaker settings applied to all backends.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// ProxyConfig holds outbound request settings for the forwarder.
type ProxyConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max" json:"backoff_max"`
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
}

// AuthConfig holds gateway-side JWT verification settings. Token issuance
// stays with the auth service; the gateway only checks signatures and
// claims before spending proxy work on protected services.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20 // 10 MiB
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Rate limiter defaults
	rl := &cfg.RateLimit
	if rl.RequestsPerWindow == 0 {
		rl.RequestsPerWindow = 100
	}
	if rl.WindowSeconds == 0 {
		rl.WindowSeconds = 60
	}
	if rl.KeyPrefix == "" {
		rl.KeyPrefix = "ratelimit"
	}
	if rl.ExcludePaths == nil {
		rl.ExcludePaths = []string{"/health", "/ready", "/metrics"}
	}
	if rl.Redis.Address == "" {
		rl.Redis = store.DefaultRedisConfig()
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = 30 * time.Second
	}
	if cb.HalfOpenMaxCalls == 0 {
		cb.HalfOpenMaxCalls = 3
	}

	// Proxy defaults
	p := &cfg.Proxy
	if p.RequestTimeout == 0 {
		p.RequestTimeout = 30 * time.Second
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 5 * time.Second
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = 1 * time.Second
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = 10 * time.Second
	}
	if p.MaxIdleConns == 0 {
		p.MaxIdleConns = 100
	}
	if p.MaxIdlePerHost == 0 {
		p.MaxIdlePerHost = 20
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service must be configured")
	}
	for name, svc := range cfg.Services {
		if svc.URL == "" {
			return fmt.Errorf("services.%s.url is required", name)
		}
		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("services.%s.url %q is not a valid absolute URL", name, svc.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("services.%s.url must use http or https, got %q", name, u.Scheme)
		}
	}

	rl := cfg.RateLimit
	if rl.RequestsPerWindow < 1 {
		return fmt.Errorf("rate_limit.requests_per_window must be positive")
	}
	if rl.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}

	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be positive")
	}
	if cb.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_calls must be positive")
	}

	p := cfg.Proxy
	if p.MaxAttempts < 1 {
		return fmt.Errorf("proxy.max_attempts must be positive")
	}
	if p.BackoffBase <= 0 || p.BackoffMax < p.BackoffBase {
		return fmt.Errorf("proxy backoff must satisfy 0 < backoff_base <= backoff_max")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string

	if cfg.Auth.Enabled && strings.Contains(strings.ToLower(cfg.Auth.JWTSecret), "change-me") {
		warnings = append(warnings, "auth.jwt_secret looks like a placeholder; set a real secret before production use")
	}
	if !cfg.RateLimit.IsEnabled() {
		warnings = append(warnings, "rate limiting is disabled; all clients are admitted without traffic shedding")
	}
	if !cfg.Metrics.IsEnabled() {
		warnings = append(warnings, "metrics are disabled; breaker and limiter behavior will not be observable")
	}

	return warnings
}
