package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ragstack/gateway/internal/health"
)

// serviceInfo is the public view of a registered service.
type serviceInfo struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Routes []string `json:"routes"`
	Weight int      `json:"weight"`
	Active bool     `json:"active"`
	Health string   `json:"health"`
}

// registerLocalEndpoints mounts the endpoints the gateway answers itself.
func (g *Gateway) registerLocalEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/gateway/services", g.handleServices)
	mux.HandleFunc("/gateway/health/backends", g.handleBackendHealth)
	mux.HandleFunc("/gateway/health/identity", g.handleIdentityHealth)

	if g.metrics != nil {
		mux.Handle(g.metricsPath(), g.metrics.Handler())
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(g.startTime).Seconds()),
		"services":       g.table.Len(),
	})
}

func (g *Gateway) handleServices(w http.ResponseWriter, r *http.Request) {
	entries := g.table.List()
	infos := make([]serviceInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, serviceInfo{
			Name:   e.Name,
			URL:    e.RawURL,
			Routes: e.Routes,
			Weight: e.Weight,
			Active: e.Active(),
			Health: string(g.checker.Status(e.Name)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": infos})
}

// handleBackendHealth probes every backend concurrently and reports the
// fleet verdict. Unhealthy fleets answer 503 so orchestrators can act on
// the status code alone.
func (g *Gateway) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	timeout := g.cfg.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	report := health.Probe(ctx, g.table, timeout)
	status := http.StatusOK
	if report.Verdict == health.VerdictUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (g *Gateway) handleIdentityHealth(w http.ResponseWriter, r *http.Request) {
	timeout := g.cfg.Auth.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := g.delegate.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unreachable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
