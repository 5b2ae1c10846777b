package registry

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrNoRoute is returned when no service claims a request path.
var ErrNoRoute = errors.New("no service matches path")

// ErrServiceInactive is returned when services claim the path but every one
// of them is deactivated.
var ErrServiceInactive = errors.New("all matching services are inactive")

// Resolver selects a service for a request path. When several active services
// claim the same prefix, one is chosen at random with probability
// proportional to its weight. Selection is re-derived on every call so tests
// can observe the distribution.
type Resolver struct {
	table *Table

	mu  sync.Mutex
	rng *rand.Rand
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithSeed makes selection deterministic for tests.
func WithSeed(seed int64) ResolverOption {
	return func(r *Resolver) {
		r.rng = rand.New(rand.NewSource(seed))
	}
}

// NewResolver creates a resolver over a route table.
func NewResolver(table *Table, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		table: table,
		rng:   rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Table returns the underlying route table.
func (r *Resolver) Table() *Table {
	return r.table
}

// Resolve finds the service responsible for path.
func (r *Resolver) Resolve(path string) (*ServiceEntry, error) {
	var matches []*ServiceEntry
	totalWeight := 0
	claimed := false
	for _, e := range r.table.entries {
		if !e.Matches(path) {
			continue
		}
		claimed = true
		if e.Active() {
			matches = append(matches, e)
			totalWeight += e.Weight
		}
	}

	switch {
	case len(matches) == 0:
		if claimed {
			return nil, ErrServiceInactive
		}
		return nil, ErrNoRoute
	case len(matches) == 1:
		return matches[0], nil
	}

	// Weighted random selection: uniform draw in [0, totalWeight), then a
	// cumulative walk in registration order.
	r.mu.Lock()
	roll := r.rng.Intn(totalWeight)
	r.mu.Unlock()

	cumulative := 0
	for _, e := range matches {
		cumulative += e.Weight
		if roll < cumulative {
			return e, nil
		}
	}
	return matches[len(matches)-1], nil
}
