package registry

import (
	"testing"

	"github.com/ragstack/gateway/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func buildTable(t *testing.T, services []config.ServiceConfig) *Table {
	t.Helper()
	table, err := NewTable(services)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

func TestResolveNoMatch(t *testing.T) {
	table := buildTable(t, []config.ServiceConfig{
		{Name: "docs", URL: "http://docs:8001", Routes: []string{"/api/documents"}},
	})
	r := NewResolver(table)

	if _, err := r.Resolve("/api/search"); err != ErrNoRoute {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestResolveSingleMatch(t *testing.T) {
	table := buildTable(t, []config.ServiceConfig{
		{Name: "docs", URL: "http://docs:8001", Routes: []string{"/api/documents"}, Weight: 1},
		{Name: "vector", URL: "http://vector:8002", Routes: []string{"/api/search"}, Weight: 100},
	})
	r := NewResolver(table, WithSeed(1))

	// Single match always wins regardless of other services' weights
	for i := 0; i < 50; i++ {
		e, err := r.Resolve("/api/documents/123")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if e.Name != "docs" {
			t.Fatalf("expected docs, got %s", e.Name)
		}
	}
}

func TestResolveInactiveExcluded(t *testing.T) {
	table := buildTable(t, []config.ServiceConfig{
		{Name: "svcA", URL: "http://a:8001", Routes: []string{"/docs"}, Weight: 1},
		{Name: "svcB", URL: "http://b:8002", Routes: []string{"/docs"}, Weight: 1, Active: boolPtr(false)},
	})
	r := NewResolver(table, WithSeed(7))

	for i := 0; i < 100; i++ {
		e, err := r.Resolve("/docs")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if e.Name != "svcA" {
			t.Fatalf("inactive service selected: %s", e.Name)
		}
	}
}

func TestResolveAllInactive(t *testing.T) {
	table := buildTable(t, []config.ServiceConfig{
		{Name: "svcA", URL: "http://a:8001", Routes: []string{"/docs"}, Active: boolPtr(false)},
	})
	r := NewResolver(table)

	if _, err := r.Resolve("/docs"); err != ErrServiceInactive {
		t.Errorf("expected ErrServiceInactive for inactive-only match, got %v", err)
	}
	if _, err := r.Resolve("/nowhere"); err != ErrNoRoute {
		t.Errorf("expected ErrNoRoute for an unclaimed path, got %v", err)
	}
}

func TestResolveWeightedDistribution(t *testing.T) {
	table := buildTable(t, []config.ServiceConfig{
		{Name: "light", URL: "http://light:8001", Routes: []string{"/api/qa"}, Weight: 1},
		{Name: "heavy", URL: "http://heavy:8002", Routes: []string{"/api/qa"}, Weight: 3},
	})
	r := NewResolver(table, WithSeed(42))

	counts := map[string]int{}
	iterations := 1000
	for i := 0; i < iterations; i++ {
		e, err := r.Resolve("/api/qa")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		counts[e.Name]++
	}

	// Expected split is 250/750; allow a few percent of sampling noise.
	lightRatio := float64(counts["light"]) / float64(iterations)
	heavyRatio := float64(counts["heavy"]) / float64(iterations)

	if lightRatio < 0.20 || lightRatio > 0.30 {
		t.Errorf("light ratio %.3f out of expected range [0.20, 0.30]", lightRatio)
	}
	if heavyRatio < 0.70 || heavyRatio > 0.80 {
		t.Errorf("heavy ratio %.3f out of expected range [0.70, 0.80]", heavyRatio)
	}
}

func TestResolveToggleActive(t *testing.T) {
	table := buildTable(t, []config.ServiceConfig{
		{Name: "docs", URL: "http://docs:8001", Routes: []string{"/api/documents"}},
	})
	r := NewResolver(table)

	if _, err := r.Resolve("/api/documents"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	e, _ := table.Get("docs")
	e.SetActive(false)
	if _, err := r.Resolve("/api/documents"); err != ErrNoRoute {
		t.Error("deactivated service should not resolve")
	}

	e.SetActive(true)
	if _, err := r.Resolve("/api/documents"); err != nil {
		t.Error("reactivated service should resolve again")
	}
}
