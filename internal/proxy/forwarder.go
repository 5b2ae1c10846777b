package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ragstack/gateway/internal/config"
	"github.com/ragstack/gateway/internal/errors"
	"github.com/ragstack/gateway/internal/logging"
	"github.com/ragstack/gateway/internal/metrics"
	"github.com/ragstack/gateway/internal/middleware"
	"github.com/ragstack/gateway/internal/registry"
)

// ServiceHeader carries the resolved service name to the backend.
const ServiceHeader = "X-Gateway-Service"

// Config holds forwarder configuration.
type Config struct {
	Transport http.RoundTripper
	Retry     config.RetryConfig
	Breaker   config.BreakerConfig

	// DefaultTimeout bounds a forward when the service has no timeout of
	// its own.
	DefaultTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Forwarder sends requests to resolved backends. Connection-level failures
// are retried with exponential backoff; HTTP responses of any status are
// relayed as-is, a backend's 500 is an answer, not a gateway failure.
type Forwarder struct {
	transport      http.RoundTripper
	retry          config.RetryConfig
	defaultTimeout time.Duration
	breakers       map[string]*gobreaker.CircuitBreaker[*http.Response]
	metrics        *metrics.Metrics
	log            *zap.Logger
}

// New creates a forwarder. Services gets one circuit breaker each when
// breaking is enabled.
func New(cfg Config, services []*registry.ServiceEntry) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	f := &Forwarder{
		transport:      transport,
		retry:          cfg.Retry,
		defaultTimeout: timeout,
		metrics:        cfg.Metrics,
		log:            log,
	}

	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		openTimeout := cfg.Breaker.OpenTimeout
		if openTimeout == 0 {
			openTimeout = 30 * time.Second
		}
		f.breakers = make(map[string]*gobreaker.CircuitBreaker[*http.Response], len(services))
		for _, svc := range services {
			name := svc.Name
			f.breakers[name] = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
				Name:    name,
				Timeout: openTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= maxFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					log.Warn("circuit breaker state change",
						zap.String("service", name),
						zap.String("from", from.String()),
						zap.String("to", to.String()))
				},
			})
		}
	}

	return f
}

// Forward proxies the request to the resolved service and relays the
// backend's response verbatim.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, entry *registry.ServiceEntry) {
	metrics.LabelService(r.Context(), entry.Name)
	requestID := middleware.GetRequestID(r)

	timeout := entry.Timeout
	if timeout == 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	// Buffer the body so retried attempts can replay it.
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			errors.ErrInternalServer.
				WithDetails("Failed to read request body").
				WithRequestID(requestID).
				WriteJSON(w)
			return
		}
	}

	proxyReq := f.buildRequest(ctx, r, entry, body)

	resp, err := f.send(ctx, entry.Name, proxyReq, body)
	if err != nil {
		f.writeUpstreamError(w, entry.Name, requestID, err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	w.Header().Set(middleware.RequestIDHeader, requestID)

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// buildRequest constructs the upstream request: the service's base URL plus
// the original path and query, client headers minus connection framing,
// plus the forwarding headers backends rely on.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, entry *registry.ServiceEntry, body []byte) *http.Request {
	target := *entry.URL
	target.Path = singleJoiningSlash(entry.URL.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		ContentLength: int64(len(body)),
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	proxyReq.Header.Del("Host")
	proxyReq.Header.Del("Content-Length")
	removeHopHeaders(proxyReq.Header)

	appendForwardedFor(proxyReq.Header, middleware.ClientIP(r))
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)
	proxyReq.Header.Set(ServiceHeader, entry.Name)

	return proxyReq
}

// send performs the round trip, retrying connection-level failures with
// exponential backoff. An HTTP response of any status ends the attempt
// loop. The per-service circuit breaker, when present, wraps the whole
// retry sequence.
func (f *Forwarder) send(ctx context.Context, service string, req *http.Request, body []byte) (*http.Response, error) {
	attempt := func() (*http.Response, error) {
		var resp *http.Response
		attempts := 0

		op := func() error {
			attempts++
			if attempts > 1 {
				if f.metrics != nil {
					f.metrics.ObserveRetry(service)
				}
				f.log.Warn("retrying upstream request",
					zap.String("service", service),
					zap.Int("attempt", attempts))
			}

			if body != nil {
				req.Body = io.NopCloser(bytes.NewReader(body))
			}

			var err error
			resp, err = f.transport.RoundTrip(req) //nolint:bodyclose // relayed or closed by caller
			return err
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = f.retry.BaseDelay
		bo.RandomizationFactor = 0
		bo.Multiplier = 2
		bo.MaxInterval = f.retry.MaxDelay
		bo.MaxElapsedTime = 0

		err := backoff.Retry(op, backoff.WithContext(
			backoff.WithMaxRetries(bo, uint64(f.retry.MaxRetries)), ctx))
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	if cb, ok := f.breakers[service]; ok {
		return cb.Execute(attempt)
	}
	return attempt()
}

func (f *Forwarder) writeUpstreamError(w http.ResponseWriter, service, requestID string, err error) {
	var gerr *errors.GatewayError
	kind := "unreachable"

	switch {
	case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
		gerr = errors.ErrServiceUnavailable.WithDetails("Circuit breaker open")
		kind = "breaker_open"
	case isTimeout(err):
		gerr = errors.ErrUpstreamTimeout
		kind = "timeout"
	default:
		gerr = errors.ErrUpstreamUnreachable
	}

	if f.metrics != nil {
		f.metrics.ObserveUpstreamError(service, kind)
	}
	f.log.Error("upstream request failed",
		zap.String("service", service),
		zap.String("request_id", requestID),
		zap.String("kind", kind),
		zap.Error(err))

	gerr.WithRequestID(requestID).WriteJSON(w)
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return stderrors.As(err, &nerr) && nerr.Timeout()
}

// singleJoiningSlash joins two URL path segments with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
