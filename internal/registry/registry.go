package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ragstack/gateway/internal/config"
)

// ServiceEntry describes one backend service: where it lives, which path
// prefixes it answers to, and how it participates in weighted selection.
// All fields except the active flag are immutable after construction.
type ServiceEntry struct {
	Name       string
	URL        *url.URL // parsed base URL
	RawURL     string
	Routes     []string // prefixes in registration order
	HealthPath string
	Timeout    time.Duration
	Weight     int

	active atomic.Bool
}

// Active reports whether the service may be selected.
func (e *ServiceEntry) Active() bool {
	return e.active.Load()
}

// SetActive toggles the service's availability. This is the only permitted
// runtime mutation of a ServiceEntry.
func (e *ServiceEntry) SetActive(v bool) {
	e.active.Store(v)
}

// Matches reports whether path falls under one of the service's prefixes.
func (e *ServiceEntry) Matches(path string) bool {
	for _, prefix := range e.Routes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Table is the route table: an ordered collection of ServiceEntry keyed by
// unique name. Built once at startup; reads need no synchronization.
type Table struct {
	entries []*ServiceEntry
	byName  map[string]*ServiceEntry
}

// NewTable builds a route table from configuration.
func NewTable(services []config.ServiceConfig) (*Table, error) {
	t := &Table{
		byName: make(map[string]*ServiceEntry, len(services)),
	}

	for _, svc := range services {
		if _, exists := t.byName[svc.Name]; exists {
			return nil, fmt.Errorf("duplicate service name: %s", svc.Name)
		}

		base, err := url.Parse(svc.URL)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid url: %w", svc.Name, err)
		}

		healthPath := svc.HealthPath
		if healthPath == "" {
			healthPath = "/health"
		}
		timeout := time.Duration(svc.Timeout) * time.Second
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		weight := svc.Weight
		if weight == 0 {
			weight = 1
		}

		entry := &ServiceEntry{
			Name:       svc.Name,
			URL:        base,
			RawURL:     strings.TrimRight(svc.URL, "/"),
			Routes:     append([]string(nil), svc.Routes...),
			HealthPath: healthPath,
			Timeout:    timeout,
			Weight:     weight,
		}
		entry.active.Store(svc.IsActive())

		t.entries = append(t.entries, entry)
		t.byName[svc.Name] = entry
	}

	return t, nil
}

// Get returns the service with the given name.
func (t *Table) Get(name string) (*ServiceEntry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// List returns all services in registration order.
func (t *Table) List() []*ServiceEntry {
	out := make([]*ServiceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of registered services.
func (t *Table) Len() int {
	return len(t.entries)
}

// ApplyActiveFlags re-applies the active flags from a freshly loaded config.
// Unknown names are ignored; nothing else in the table changes.
func (t *Table) ApplyActiveFlags(services []config.ServiceConfig) {
	for _, svc := range services {
		if e, ok := t.byName[svc.Name]; ok {
			e.SetActive(svc.IsActive())
		}
	}
}
