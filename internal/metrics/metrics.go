package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ragstack/gateway/internal/middleware"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	retriesTotal    *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	backendUp       *prometheus.GaugeVec
}

// New creates and registers the gateway collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Requests handled, by target service and response status.",
		}, []string{"service", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency, by target service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_retries_total",
			Help:      "Forwarding attempts beyond the first, by service.",
		}, []string{"service"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_errors_total",
			Help:      "Upstream failures after retries, by service and kind.",
		}, []string{"service", "kind"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_requests",
			Help:      "Requests currently in flight.",
		}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "backend_up",
			Help:      "Backend health as seen by the checker (1 up, 0 down).",
		}, []string{"service"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.retriesTotal,
		m.upstreamErrors,
		m.activeRequests,
		m.backendUp,
	)

	return m
}

// Handler returns the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(service string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	if status == http.StatusTooManyRequests {
		m.rateLimited.Inc()
	}
}

// ObserveRetry records a forwarding attempt beyond the first.
func (m *Metrics) ObserveRetry(service string) {
	m.retriesTotal.WithLabelValues(service).Inc()
}

// ObserveUpstreamError records a terminal upstream failure.
func (m *Metrics) ObserveUpstreamError(service, kind string) {
	m.upstreamErrors.WithLabelValues(service, kind).Inc()
}

// SetBackendUp records the checker's verdict for a backend.
func (m *Metrics) SetBackendUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.backendUp.WithLabelValues(service).Set(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with count, latency and in-flight
// gauges. The service label is filled by a later stage via the request
// context; requests that never resolve a service are labeled "none".
func (m *Metrics) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			holder := &serviceHolder{name: "none"}
			r = r.WithContext(withServiceHolder(r.Context(), holder))

			start := time.Now()
			next.ServeHTTP(rec, r)
			m.ObserveRequest(holder.name, rec.status, time.Since(start))
		})
	}
}
