package gateway

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ragstack/gateway/internal/auth"
	"github.com/ragstack/gateway/internal/config"
	"github.com/ragstack/gateway/internal/errors"
	"github.com/ragstack/gateway/internal/health"
	"github.com/ragstack/gateway/internal/logging"
	"github.com/ragstack/gateway/internal/metrics"
	"github.com/ragstack/gateway/internal/middleware"
	"github.com/ragstack/gateway/internal/middleware/cors"
	"github.com/ragstack/gateway/internal/middleware/ratelimit"
	"github.com/ragstack/gateway/internal/proxy"
	"github.com/ragstack/gateway/internal/registry"
)

// Gateway wires the full request pipeline: recovery, correlation, logging,
// rate limiting, CORS, authentication, permissions, then route resolution
// and forwarding.
type Gateway struct {
	cfg         *config.Config
	table       *registry.Table
	resolver    *registry.Resolver
	forwarder   *proxy.Forwarder
	delegate    *auth.Delegate
	permissions *auth.PermissionResolver
	checker     *health.Checker
	metrics     *metrics.Metrics
	limiter     *ratelimit.SlidingWindowLog
	redisClient *redis.Client
	handler     http.Handler
	startTime   time.Time
}

// New assembles a gateway from config.
func New(cfg *config.Config) (*Gateway, error) {
	table, err := registry.NewTable(cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("build service table: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		table:     table,
		resolver:  registry.NewResolver(table),
		startTime: time.Now(),
	}

	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
	}

	g.forwarder = proxy.New(proxy.Config{
		Retry:   cfg.Retry,
		Breaker: cfg.CircuitBreaker,
		Metrics: g.metrics,
	}, table.List())

	publicPaths := append([]string{}, cfg.Auth.PublicPaths...)
	if cfg.Metrics.Enabled {
		publicPaths = append(publicPaths, g.metricsPath())
	}
	g.delegate = auth.NewDelegate(auth.Config{
		WhoamiURL:   cfg.Auth.IdentityURL + cfg.Auth.WhoamiPath,
		PublicPaths: publicPaths,
		Timeout:     cfg.Auth.Timeout,
		CacheSize:   cfg.Auth.CacheSize,
		CacheTTL:    cfg.Auth.CacheTTL,
	})

	routes := make(map[string][]string, len(cfg.Permissions))
	for _, rule := range cfg.Permissions {
		routes[rule.Prefix] = rule.Require
	}
	g.permissions = auth.NewPermissionResolver(routes, cfg.Roles)

	if cfg.RateLimit.Distributed {
		g.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	g.checker = health.NewChecker(cfg.HealthCheck, table, g.metrics, nil)
	g.handler = g.buildPipeline()

	return g, nil
}

// buildPipeline composes the middleware chain around the routing handler.
// Authentication runs before the permission check: restricted routes need
// the resolved user to evaluate grants.
func (g *Gateway) buildPipeline() http.Handler {
	b := middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.LoggingWithConfig(middleware.LoggingConfig{
			SkipPaths: []string{"/health", g.metricsPath()},
		}))

	if g.metrics != nil {
		b.Use(g.metrics.Middleware())
	}

	if g.cfg.GlobalRateLimit.Enabled {
		b.Use(ratelimit.NewGlobalLimiter(ratelimit.GlobalConfig{
			Rate:   g.cfg.GlobalRateLimit.Rate,
			Burst:  g.cfg.GlobalRateLimit.Burst,
			Period: g.cfg.GlobalRateLimit.Period,
		}).Middleware())
	}

	rlCfg := ratelimit.Config{
		Enabled:     g.cfg.RateLimit.Enabled,
		MaxRequests: g.cfg.RateLimit.MaxRequests,
		Window:      g.cfg.RateLimit.Window(),
		IdleExpiry:  g.cfg.RateLimit.IdleExpiry,
	}
	if g.redisClient != nil {
		b.Use(ratelimit.RedisMiddleware(rlCfg, g.redisClient, g.cfg.Redis.Prefix))
	} else if rlCfg.Enabled {
		g.limiter = ratelimit.NewSlidingWindowLog(rlCfg)
		b.Use(g.limiter.Middleware(nil))
	}

	b.Use(cors.New(g.cfg.CORS).Middleware()).
		Use(g.delegate.Middleware()).
		Use(g.permissions.Middleware())

	mux := http.NewServeMux()
	g.registerLocalEndpoints(mux)
	mux.HandleFunc("/", g.route)

	return b.Build().Then(mux)
}

// route resolves the target service and forwards the request. A path no
// service claims is a 404; a path whose only services are deactivated is a
// 503, the route exists but nothing can take it.
func (g *Gateway) route(w http.ResponseWriter, r *http.Request) {
	entry, err := g.resolver.Resolve(r.URL.Path)
	if err != nil {
		gerr := errors.ErrRouteNotFound
		if stderrors.Is(err, registry.ErrServiceInactive) {
			gerr = errors.ErrServiceUnavailable
		}
		gerr.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
		return
	}
	g.forwarder.Forward(w, r, entry)
}

// Handler returns the gateway's composed handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Table returns the live service table.
func (g *Gateway) Table() *registry.Table {
	return g.table
}

// ApplyConfig applies the reloadable subset of a new config: service
// active flags. Structural changes still need a restart.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.table.ApplyActiveFlags(cfg.Services)
	logging.Info("applied reloaded service flags", zap.Int("services", len(cfg.Services)))
}

// Start launches background work (the health checker).
func (g *Gateway) Start() {
	g.checker.Start()
}

// Close releases gateway resources.
func (g *Gateway) Close() error {
	g.checker.Stop()
	if g.limiter != nil {
		g.limiter.Stop()
	}
	if g.redisClient != nil {
		return g.redisClient.Close()
	}
	return nil
}

func (g *Gateway) metricsPath() string {
	if g.cfg.Metrics.Path != "" {
		return g.cfg.Metrics.Path
	}
	return "/metrics"
}
