package ratelimit

import (
	"net/http"
	"time"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled     bool
	MaxRequests int           // requests admitted per window
	Window      time.Duration // trailing window length
	IdleExpiry  time.Duration // reap clients idle this long (default 5m)

	// KeyFunc derives the client identity; defaults to the client IP.
	KeyFunc func(*http.Request) string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Limiter is the admission interface shared by the local and the
// Redis-backed implementations.
type Limiter interface {
	// Allow reports whether a request from key is admitted, how many slots
	// remain, and when the oldest consumed slot falls out of the window.
	Allow(key string) (allowed bool, remaining int, reset time.Time)
}
