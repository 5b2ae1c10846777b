package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}

	serviceNames := make(map[string]bool)
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if serviceNames[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		serviceNames[svc.Name] = true

		if svc.URL == "" {
			return fmt.Errorf("service %s: url is required", svc.Name)
		}
		if u, err := url.Parse(svc.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %s: invalid url %q", svc.Name, svc.URL)
		}
		if len(svc.Routes) == 0 {
			return fmt.Errorf("service %s: at least one route prefix is required", svc.Name)
		}
		for _, route := range svc.Routes {
			if !strings.HasPrefix(route, "/") {
				return fmt.Errorf("service %s: route %q must start with /", svc.Name, route)
			}
		}
		if svc.Weight < 0 {
			return fmt.Errorf("service %s: weight must be positive", svc.Name)
		}
		if svc.Timeout < 0 {
			return fmt.Errorf("service %s: timeout must be positive", svc.Name)
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit: max_requests must be positive")
		}
		if cfg.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit: window_seconds must be positive")
		}
		if cfg.RateLimit.Distributed && cfg.Redis.Addr == "" {
			return fmt.Errorf("rate_limit: distributed mode requires redis.addr")
		}
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry: max_retries must not be negative")
	}

	for i, rule := range cfg.Permissions {
		if rule.Prefix == "" {
			return fmt.Errorf("permissions %d: prefix is required", i)
		}
		if len(rule.Require) == 0 {
			return fmt.Errorf("permissions %s: require list must not be empty", rule.Prefix)
		}
	}

	if cfg.Auth.IdentityURL != "" {
		if u, err := url.Parse(cfg.Auth.IdentityURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("auth: invalid identity_url %q", cfg.Auth.IdentityURL)
		}
	}

	return nil
}
