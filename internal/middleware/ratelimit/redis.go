package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ragstack/gateway/internal/logging"
	"github.com/ragstack/gateway/internal/middleware"
)

// slidingWindowScript implements the sliding window log in Redis using a
// sorted set keyed by request timestamp, so multiple gateway instances share
// one quota per client. Returns [allowed (0/1), remaining, resetMillis].
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// RedisLimiter provides Redis-backed distributed rate limiting with the same
// sliding-window semantics as SlidingWindowLog.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// RedisLimiterConfig holds config for creating a RedisLimiter.
type RedisLimiterConfig struct {
	Client      *redis.Client
	Prefix      string // key prefix, default "gateway:rl:"
	MaxRequests int
	Window      time.Duration
}

// NewRedisLimiter creates a new Redis-backed rate limiter.
func NewRedisLimiter(cfg RedisLimiterConfig) *RedisLimiter {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gateway:rl:"
	}
	return &RedisLimiter{
		client: cfg.Client,
		prefix: cfg.Prefix,
		max:    cfg.MaxRequests,
		window: cfg.Window,
	}
}

// Allow runs the sliding window script for key. Redis errors fail open: one
// unreachable coordinator must not take down admission for every client.
func (rl *RedisLimiter) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{rl.prefix + key},
		now.UnixMilli(), rl.window.Milliseconds(), rl.max,
	).Int64Slice()
	if err != nil || len(res) != 3 {
		logging.Warn("redis rate limiter unavailable, admitting request", zap.Error(err))
		return true, rl.max, now.Add(rl.window)
	}

	return res[0] == 1, int(res[1]), time.UnixMilli(res[2])
}

// RedisMiddleware enforces the distributed sliding window.
func RedisMiddleware(cfg Config, client *redis.Client, prefix string) middleware.Middleware {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = middleware.ClientIP
	}
	limiter := NewRedisLimiter(RedisLimiterConfig{
		Client:      client,
		Prefix:      prefix,
		MaxRequests: cfg.MaxRequests,
		Window:      cfg.Window,
	})

	return limiterMiddleware(limiter, cfg.MaxRequests, keyFn)
}

// ensure RedisLimiter implements Limiter
var _ Limiter = (*RedisLimiter)(nil)
