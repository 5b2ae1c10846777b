package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ragstack/gateway/internal/errors"
	"github.com/ragstack/gateway/internal/middleware"
)

// clientWindow holds the timestamps of a client's recent requests, oldest
// first. Entries outside the window are evicted on every check.
type clientWindow struct {
	stamps   []time.Time
	lastSeen time.Time
}

// SlidingWindowLog is an exact sliding-window rate limiter: it keeps the
// actual timestamps of admitted requests, so the limit is enforced over a
// continuously trailing interval, not per calendar-aligned bucket. Rejected
// requests never consume a slot.
type SlidingWindowLog struct {
	max        int
	window     time.Duration
	idleExpiry time.Duration
	clients    *shardedMap[*clientWindow]
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSlidingWindowLog creates a sliding window log limiter.
func NewSlidingWindowLog(cfg Config) *SlidingWindowLog {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.IdleExpiry == 0 {
		cfg.IdleExpiry = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	sw := &SlidingWindowLog{
		max:        cfg.MaxRequests,
		window:     cfg.Window,
		idleExpiry: cfg.IdleExpiry,
		clients:    newShardedMap[*clientWindow](),
		now:        now,
		stop:       make(chan struct{}),
	}

	go sw.cleanup()

	return sw
}

// Allow checks whether a request from key is admitted right now.
func (sw *SlidingWindowLog) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	now := sw.now()
	cutoff := now.Add(-sw.window)

	s := sw.clients.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.items[key]
	if !exists {
		w = &clientWindow{}
		s.items[key] = w
	}
	w.lastSeen = now

	// Evict timestamps that fell out of the trailing window.
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}

	if len(w.stamps) >= sw.max {
		// Over quota: do not record, the slot is not consumed. A
		// non-positive max rejects everything, so the window may be empty.
		reset = now.Add(sw.window)
		if len(w.stamps) > 0 {
			reset = w.stamps[0].Add(sw.window)
		}
		return false, 0, reset
	}

	w.stamps = append(w.stamps, now)
	remaining = sw.max - len(w.stamps)
	return true, remaining, w.stamps[0].Add(sw.window)
}

// TrackedClients returns the number of clients currently holding state.
func (sw *SlidingWindowLog) TrackedClients() int {
	return sw.clients.len()
}

// Stop halts the idle-client reaper.
func (sw *SlidingWindowLog) Stop() {
	sw.stopOnce.Do(func() { close(sw.stop) })
}

// cleanup reaps idle clients so the tracked set stays bounded under many
// distinct source IPs.
func (sw *SlidingWindowLog) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			now := sw.now()
			sw.clients.deleteFunc(func(_ string, w *clientWindow) bool {
				return now.Sub(w.lastSeen) > sw.idleExpiry
			})
		}
	}
}

// Middleware adapts the limiter into a pipeline stage. A nil keyFn keys
// windows by client IP.
func (sw *SlidingWindowLog) Middleware(keyFn func(*http.Request) string) middleware.Middleware {
	if keyFn == nil {
		keyFn = middleware.ClientIP
	}
	return limiterMiddleware(sw, sw.max, keyFn)
}

// Middleware enforces the per-client sliding window. A disabled config
// admits everything without tracking.
func Middleware(cfg Config) middleware.Middleware {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return NewSlidingWindowLog(cfg).Middleware(cfg.KeyFunc)
}

// limiterMiddleware adapts any Limiter into a middleware stage.
func limiterMiddleware(l Limiter, max int, keyFn func(*http.Request) string) middleware.Middleware {
	maxStr := strconv.Itoa(max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining, reset := l.Allow(keyFn(r))

			w.Header().Set("X-RateLimit-Limit", maxStr)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(reset).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				errors.ErrRateLimitExceeded.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ensure SlidingWindowLog implements Limiter
var _ Limiter = (*SlidingWindowLog)(nil)
