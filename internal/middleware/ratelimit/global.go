package ratelimit

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ragstack/gateway/internal/errors"
	"github.com/ragstack/gateway/internal/middleware"
)

// GlobalLimiter enforces a gateway-wide throughput cap, independent of client
// identity. It protects the backends collectively when the per-client window
// alone is not enough.
type GlobalLimiter struct {
	limiter  *rate.Limiter
	allowed  atomic.Int64
	rejected atomic.Int64
}

// GlobalConfig configures the gateway-wide cap.
type GlobalConfig struct {
	Rate   int           // events per period
	Burst  int           // defaults to Rate
	Period time.Duration // defaults to 1s
}

// NewGlobalLimiter creates a token-bucket global limiter.
func NewGlobalLimiter(cfg GlobalConfig) *GlobalLimiter {
	burst := cfg.Burst
	if burst == 0 {
		burst = cfg.Rate
	}
	period := cfg.Period
	if period == 0 {
		period = time.Second
	}
	rps := float64(cfg.Rate) / period.Seconds()
	return &GlobalLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Middleware returns a stage that rejects requests over the global cap.
func (gl *GlobalLimiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gl.limiter.Allow() {
				gl.rejected.Add(1)
				w.Header().Set("Retry-After", strconv.Itoa(1))
				errors.ErrRateLimitExceeded.WithDetails("Gateway throughput cap reached").WriteJSON(w)
				return
			}
			gl.allowed.Add(1)
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns admission counters for this limiter.
func (gl *GlobalLimiter) Stats() map[string]int64 {
	return map[string]int64{
		"allowed":  gl.allowed.Load(),
		"rejected": gl.rejected.Load(),
	}
}
