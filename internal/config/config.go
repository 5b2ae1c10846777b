package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Server          ServerConfig        `yaml:"server"`
	Logging         LoggingConfig       `yaml:"logging"`
	Services        []ServiceConfig     `yaml:"services"`
	RateLimit       RateLimitConfig     `yaml:"rate_limit"`
	GlobalRateLimit GlobalLimitConfig   `yaml:"global_rate_limit"`
	Retry           RetryConfig         `yaml:"retry"`
	CORS            CORSConfig          `yaml:"cors"`
	Auth            AuthConfig          `yaml:"auth"`
	Permissions     []PermissionRule    `yaml:"permissions"`
	Roles           map[string][]string `yaml:"roles"` // role name -> granted permissions
	CircuitBreaker  BreakerConfig       `yaml:"circuit_breaker"`
	Redis           RedisConfig         `yaml:"redis"`
	HealthCheck     HealthCheckConfig   `yaml:"health_check"`
	Metrics         MetricsConfig       `yaml:"metrics"`
}

// ServerConfig defines the listener settings
type ServerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	File     string            `yaml:"file"` // empty = stderr
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
}

// ServiceConfig describes one backend service in the route table.
type ServiceConfig struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url"`         // base URL, e.g. http://docs:8001
	Routes     []string `yaml:"routes"`      // path prefixes, registration order matters
	HealthPath string   `yaml:"health_path"` // default /health
	Timeout    int      `yaml:"timeout"`     // per-call timeout in seconds, default 30
	Weight     int      `yaml:"weight"`      // default 1
	Active     *bool    `yaml:"active"`      // default true
}

// IsActive reports the configured active flag, defaulting to true.
func (s ServiceConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// RateLimitConfig defines the per-client sliding window rate limit.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxRequests   int           `yaml:"max_requests"`   // admitted per window
	WindowSeconds int           `yaml:"window_seconds"` // trailing window length
	IdleExpiry    time.Duration `yaml:"idle_expiry"`    // reap clients idle this long (default 5m)
	Distributed   bool          `yaml:"distributed"`    // use Redis-backed limiter
}

// Window returns the configured window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// GlobalLimitConfig caps the gateway-wide admission rate (token bucket).
type GlobalLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Rate    int           `yaml:"rate"` // events per period
	Burst   int           `yaml:"burst"`
	Period  time.Duration `yaml:"period"` // default 1s
}

// RetryConfig defines forwarder retry behavior for connection-level failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"` // delay before retry n is base*2^(n-1)
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// CORSConfig defines cross-origin settings
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds, default 86400
}

// AuthConfig defines delegation to the identity backend.
type AuthConfig struct {
	// IdentityURL is the base URL of the identity service.
	IdentityURL string `yaml:"identity_url"`
	// WhoamiPath is the token-introspection endpoint, default /api/auth/whoami.
	WhoamiPath string        `yaml:"whoami_path"`
	Timeout    time.Duration `yaml:"timeout"` // default 5s
	// PublicPaths bypass authentication entirely (prefix match).
	PublicPaths []string `yaml:"public_paths"`
	// CacheTTL caches positive whoami results; zero disables the cache.
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"` // default 1024
}

// PermissionRule maps a path prefix to the permissions that unlock it.
// A request path matching Prefix requires any one permission from Require.
type PermissionRule struct {
	Prefix  string   `yaml:"prefix"`
	Require []string `yaml:"require"`
}

// BreakerConfig defines the per-service circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures to open, default 5
	OpenTimeout time.Duration `yaml:"open_timeout"` // default 30s
}

// RedisConfig defines the optional Redis connection for distributed rate limiting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // key prefix, default "gateway:rl:"
}

// HealthCheckConfig defines background backend health checking.
type HealthCheckConfig struct {
	Interval       time.Duration `yaml:"interval"` // default 10s
	Timeout        time.Duration `yaml:"timeout"`  // default 5s
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
}

// MetricsConfig defines Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default /metrics
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MaxRequests:   100,
			WindowSeconds: 60,
			IdleExpiry:    5 * time.Minute,
		},
		GlobalRateLimit: GlobalLimitConfig{
			Period: time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   10 * time.Second,
		},
		Auth: AuthConfig{
			WhoamiPath: "/api/auth/whoami",
			Timeout:    5 * time.Second,
			PublicPaths: []string{
				"/health",
				"/docs",
				"/openapi.json",
				"/api/auth/login",
				"/api/auth/register",
				"/api/auth/password-reset",
				"/gateway/services",
			},
			CacheSize: 1024,
		},
		CircuitBreaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Prefix: "gateway:rl:",
		},
		HealthCheck: HealthCheckConfig{
			Interval:       10 * time.Second,
			Timeout:        5 * time.Second,
			HealthyAfter:   2,
			UnhealthyAfter: 3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
