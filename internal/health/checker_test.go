package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ragstack/gateway/internal/config"
	"github.com/ragstack/gateway/internal/registry"
)

func tableFor(t *testing.T, services ...config.ServiceConfig) *registry.Table {
	t.Helper()
	table, err := registry.NewTable(services)
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return table
}

func waitForStatus(t *testing.T, c *Checker, name string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status(name) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service %s never reached %s (now %s)", name, want, c.Status(name))
}

func TestCheckerHealthyAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := tableFor(t, config.ServiceConfig{Name: "docs", URL: srv.URL, Routes: []string{"/api/documents"}})
	c := NewChecker(config.HealthCheckConfig{
		Interval:     100 * time.Millisecond,
		HealthyAfter: 2,
	}, table, nil, nil)
	c.Start()
	defer c.Stop()

	if got := c.Status("docs"); got == StatusHealthy {
		t.Error("one pass must not flip the verdict when two are required")
	}
	waitForStatus(t, c, "docs", StatusHealthy)
}

func TestCheckerUnhealthyAfterConsecutiveFailures(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := tableFor(t, config.ServiceConfig{Name: "search", URL: srv.URL, Routes: []string{"/api/search"}})
	c := NewChecker(config.HealthCheckConfig{
		Interval:       20 * time.Millisecond,
		HealthyAfter:   1,
		UnhealthyAfter: 3,
	}, table, nil, nil)
	c.Start()
	defer c.Stop()

	waitForStatus(t, c, "search", StatusHealthy)

	failing.Store(true)
	waitForStatus(t, c, "search", StatusUnhealthy)
}

func TestCheckerResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	table := tableFor(t,
		config.ServiceConfig{Name: "docs", URL: srv.URL, Routes: []string{"/api/documents"}},
		config.ServiceConfig{Name: "search", URL: srv.URL, Routes: []string{"/api/search"}},
	)
	c := NewChecker(config.HealthCheckConfig{Interval: time.Hour, HealthyAfter: 1}, table, nil, nil)
	c.Start()
	defer c.Stop()

	waitForStatus(t, c, "docs", StatusHealthy)
	waitForStatus(t, c, "search", StatusHealthy)

	results := c.Results()
	if len(results) != 2 {
		t.Fatalf("results = %d entries, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != StatusHealthy {
			t.Errorf("%s: status = %s", r.Service, r.Status)
		}
		if r.Timestamp.IsZero() {
			t.Errorf("%s: missing check timestamp", r.Service)
		}
	}
}

func TestAggregateProbeVerdicts(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	tests := []struct {
		name string
		urls []string
		want Verdict
	}{
		{"all up", []string{up.URL, up.URL}, VerdictHealthy},
		{"half up", []string{up.URL, down.URL}, VerdictDegraded},
		{"all down", []string{down.URL, down.URL}, VerdictUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			services := make([]config.ServiceConfig, len(tt.urls))
			for i, u := range tt.urls {
				services[i] = config.ServiceConfig{
					Name:   "svc" + string(rune('a'+i)),
					URL:    u,
					Routes: []string{"/api"},
				}
			}
			report := Probe(context.Background(), tableFor(t, services...), time.Second)
			if report.Verdict != tt.want {
				t.Errorf("verdict = %s, want %s (healthy %d/%d)",
					report.Verdict, tt.want, report.Healthy, report.Total)
			}
			if len(report.Backends) != len(tt.urls) {
				t.Errorf("backends = %d, want %d", len(report.Backends), len(tt.urls))
			}
		})
	}
}
