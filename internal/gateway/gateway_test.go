package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ragstack/gateway/internal/config"
)

// testBackend answers with its own name so tests can tell which service
// handled the request.
func testBackend(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"service": name,
			"path":    r.URL.Path,
		})
	}))
}

func testIdentity(users map[string]map[string]any) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if user, ok := users[token]; ok {
			json.NewEncoder(w).Encode(user)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
}

func testConfig(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("build gateway: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestRouteAndForward(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()
	search := testBackend("search")
	defer search.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}},
			{Name: "search", URL: search.URL, Routes: []string{"/api/search"}},
		}
		cfg.Auth.PublicPaths = append(cfg.Auth.PublicPaths, "/api/documents", "/api/search")
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/search/query?q=x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["service"] != "search" {
		t.Errorf("handled by %q, want search", body["service"])
	}
	if body["path"] != "/api/search/query" {
		t.Errorf("backend saw path %q", body["path"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response should carry a request id")
	}
	if rec.Header().Get("X-Elapsed-Time") == "" {
		t.Error("response should carry the elapsed time header")
	}
}

func TestUnknownRoute(t *testing.T) {
	g := testConfig(t, func(cfg *config.Config) {
		cfg.Auth.PublicPaths = append(cfg.Auth.PublicPaths, "/api/nowhere")
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/nowhere", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Code      int    `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != http.StatusNotFound || body.RequestID == "" {
		t.Errorf("error body = %+v, want code 404 with request id", body)
	}
}

func TestAuthGatesRestrictedPaths(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()
	identity := testIdentity(map[string]map[string]any{
		"tok-good": {"id": "u1", "username": "alice", "roles": []string{"reader"}},
	})
	defer identity.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}},
		}
		cfg.Auth.IdentityURL = identity.URL
		cfg.Auth.WhoamiPath = ""
	})

	// No token: rejected before the backend is touched
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/documents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	// Valid token: forwarded
	req := httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer tok-good")
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Garbage token: rejected
	req = httptest.NewRequest("GET", "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer tok-bad")
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}
}

func TestPermissionEnforcement(t *testing.T) {
	ingest := testBackend("ingest")
	defer ingest.Close()
	identity := testIdentity(map[string]map[string]any{
		"tok-reader": {"id": "u1", "username": "reader", "permissions": []string{"document.read"}},
		"tok-writer": {"id": "u2", "username": "writer", "permissions": []string{"document.write"}},
	})
	defer identity.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "ingest", URL: ingest.URL, Routes: []string{"/api/ingest"}},
		}
		cfg.Auth.IdentityURL = identity.URL
		cfg.Auth.WhoamiPath = ""
		cfg.Permissions = []config.PermissionRule{
			{Prefix: "/api/ingest", Require: []string{"document.write"}},
		}
	})

	req := httptest.NewRequest("POST", "/api/ingest", nil)
	req.Header.Set("Authorization", "Bearer tok-reader")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("reader status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest("POST", "/api/ingest", nil)
	req.Header.Set("Authorization", "Bearer tok-writer")
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("writer status = %d, want 200", rec.Code)
	}
}

func TestRateLimitAcrossPipeline(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}},
		}
		cfg.Auth.PublicPaths = append(cfg.Auth.PublicPaths, "/api/documents")
		cfg.RateLimit = config.RateLimitConfig{
			Enabled:       true,
			MaxRequests:   3,
			WindowSeconds: 60,
		}
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/documents", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		g.Handler().ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
}

func TestInactiveServiceNotRouted(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()

	inactive := false
	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}, Active: &inactive},
		}
		cfg.Auth.PublicPaths = append(cfg.Auth.PublicPaths, "/api/documents")
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/documents", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the only match is inactive", rec.Code)
	}
}

func TestLocalHealthEndpoint(t *testing.T) {
	g := testConfig(t, nil)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestServiceListingEndpoint(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}, Weight: 2},
		}
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/gateway/services", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Services []serviceInfo `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Services) != 1 {
		t.Fatalf("services = %d, want 1", len(body.Services))
	}
	svc := body.Services[0]
	if svc.Name != "docs" || svc.Weight != 2 || !svc.Active {
		t.Errorf("service = %+v", svc)
	}
}

func TestBackendHealthZeroTimeout(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}},
		}
		cfg.HealthCheck.Timeout = 0
		cfg.Auth.PublicPaths = append(cfg.Auth.PublicPaths, "/gateway/health")
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/gateway/health/backends", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var report struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != "healthy" {
		t.Errorf("verdict = %q, want healthy", report.Status)
	}
}

func TestConfigReloadTogglesService(t *testing.T) {
	docs := testBackend("docs")
	defer docs.Close()

	g := testConfig(t, func(cfg *config.Config) {
		cfg.Services = []config.ServiceConfig{
			{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}},
		}
		cfg.Auth.PublicPaths = append(cfg.Auth.PublicPaths, "/api/documents")
	})

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/documents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("before reload: status = %d", rec.Code)
	}

	// Reload with the service deactivated
	inactive := false
	newCfg := config.DefaultConfig()
	newCfg.Services = []config.ServiceConfig{
		{Name: "docs", URL: docs.URL, Routes: []string{"/api/documents"}, Active: &inactive},
	}
	g.ApplyConfig(newCfg)

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/documents", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("after reload: status = %d, want 503", rec.Code)
	}
}
