package config

import (
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  address: ":9000"
  read_timeout: 15s

services:
  - name: documents
    url: http://docs:8001
    routes: ["/api/documents", "/api/folders"]
    weight: 2
    timeout: 45
  - name: vector
    url: http://vector:8002
    routes: ["/api/search"]
    active: false

rate_limit:
  enabled: true
  max_requests: 5
  window_seconds: 60

retry:
  max_retries: 2
  base_delay: 200ms

permissions:
  - prefix: /api/admin
    require: ["user.admin"]
  - prefix: /api/documents
    require: ["document.read", "document.write"]

auth:
  identity_url: http://identity:8000
  timeout: 3s
`

func TestParse(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	// WriteTimeout untouched by the file keeps its default
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("WriteTimeout default = %v", cfg.Server.WriteTimeout)
	}

	if len(cfg.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(cfg.Services))
	}
	docs := cfg.Services[0]
	if docs.Name != "documents" || docs.Weight != 2 || docs.Timeout != 45 {
		t.Errorf("documents service = %+v", docs)
	}
	if !docs.IsActive() {
		t.Error("active defaults to true")
	}
	if cfg.Services[1].IsActive() {
		t.Error("vector service should be inactive")
	}

	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxRequests != 5 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Window() != time.Minute {
		t.Errorf("Window() = %v", cfg.RateLimit.Window())
	}

	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BaseDelay != 200*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}

	if len(cfg.Permissions) != 2 || cfg.Permissions[0].Require[0] != "user.admin" {
		t.Errorf("permissions = %+v", cfg.Permissions)
	}

	if cfg.Auth.Timeout != 3*time.Second {
		t.Errorf("auth timeout = %v", cfg.Auth.Timeout)
	}
	if cfg.Auth.WhoamiPath != "/api/auth/whoami" {
		t.Errorf("whoami path default = %q", cfg.Auth.WhoamiPath)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("IDENTITY_URL", "http://id.internal:9999")

	yaml := `
auth:
  identity_url: ${IDENTITY_URL}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.IdentityURL != "http://id.internal:9999" {
		t.Errorf("IdentityURL = %q", cfg.Auth.IdentityURL)
	}
}

func TestParseUnsetEnvKept(t *testing.T) {
	yaml := `
logging:
  level: ${DEFINITELY_NOT_SET_12345}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "${DEFINITELY_NOT_SET_12345}" {
		t.Errorf("unset env var should be kept verbatim, got %q", cfg.Logging.Level)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			"duplicate service name",
			`
services:
  - {name: a, url: "http://a:1", routes: ["/a"]}
  - {name: a, url: "http://b:1", routes: ["/b"]}
`,
			"duplicate service name",
		},
		{
			"missing url",
			`
services:
  - {name: a, routes: ["/a"]}
`,
			"url is required",
		},
		{
			"missing routes",
			`
services:
  - {name: a, url: "http://a:1"}
`,
			"at least one route prefix",
		},
		{
			"bad route prefix",
			`
services:
  - {name: a, url: "http://a:1", routes: ["api"]}
`,
			"must start with /",
		},
		{
			"rate limit without window",
			`
rate_limit: {enabled: true, max_requests: 10, window_seconds: 0}
`,
			"window_seconds must be positive",
		},
		{
			"distributed without redis",
			`
rate_limit: {enabled: true, max_requests: 10, window_seconds: 60, distributed: true}
`,
			"requires redis.addr",
		},
		{
			"permission without require",
			`
permissions:
  - prefix: /api/admin
`,
			"require list must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantMsg)
			}
		})
	}
}
