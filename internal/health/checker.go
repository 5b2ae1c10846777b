package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ragstack/gateway/internal/config"
	"github.com/ragstack/gateway/internal/logging"
	"github.com/ragstack/gateway/internal/metrics"
	"github.com/ragstack/gateway/internal/registry"
)

// Status represents a backend's health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the latest observation for one backend.
type CheckResult struct {
	Service   string        `json:"service"`
	URL       string        `json:"url"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"checked_at"`
}

type backendState struct {
	entry           *registry.ServiceEntry
	status          Status
	lastCheck       time.Time
	lastError       error
	latency         time.Duration
	consecutivePass int
	consecutiveFail int
}

// Checker probes every registered service's health endpoint on an interval.
// Status flips only after the configured number of consecutive passes or
// failures, a single blip does not flap the verdict.
type Checker struct {
	client         *http.Client
	interval       time.Duration
	timeout        time.Duration
	healthyAfter   int
	unhealthyAfter int

	mu       sync.RWMutex
	backends map[string]*backendState

	metrics *metrics.Metrics
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChecker creates a checker over the table's services. Call Start to
// begin probing.
func NewChecker(cfg config.HealthCheckConfig, table *registry.Table, m *metrics.Metrics, log *zap.Logger) *Checker {
	interval := cfg.Interval
	if interval == 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	healthyAfter := cfg.HealthyAfter
	if healthyAfter == 0 {
		healthyAfter = 2
	}
	unhealthyAfter := cfg.UnhealthyAfter
	if unhealthyAfter == 0 {
		unhealthyAfter = 3
	}
	if log == nil {
		log = logging.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		client:         &http.Client{Timeout: timeout},
		interval:       interval,
		timeout:        timeout,
		healthyAfter:   healthyAfter,
		unhealthyAfter: unhealthyAfter,
		backends:       make(map[string]*backendState),
		metrics:        m,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, entry := range table.List() {
		c.backends[entry.Name] = &backendState{entry: entry, status: StatusUnknown}
	}

	return c
}

// Start launches one probe loop per backend.
func (c *Checker) Start() {
	c.mu.RLock()
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		go c.checkLoop(name)
	}
}

// Stop halts all probe loops.
func (c *Checker) Stop() {
	c.cancel()
}

// Status returns the current verdict for a service.
func (c *Checker) Status(name string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.backends[name]; ok {
		return s.status
	}
	return StatusUnknown
}

// Results returns the latest observation for every backend.
func (c *Checker) Results() []CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]CheckResult, 0, len(c.backends))
	for name, s := range c.backends {
		r := CheckResult{
			Service:   name,
			URL:       s.entry.RawURL,
			Status:    s.status,
			Latency:   s.latency,
			Timestamp: s.lastCheck,
		}
		if s.lastError != nil {
			r.Error = s.lastError.Error()
		}
		results = append(results, r)
	}
	return results
}

func (c *Checker) checkLoop(name string) {
	c.check(name)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.check(name)
		}
	}
}

func (c *Checker) check(name string) {
	c.mu.RLock()
	s, ok := c.backends[name]
	if !ok {
		c.mu.RUnlock()
		return
	}
	entry := s.entry
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.RawURL+entry.HealthPath, nil)
	if err != nil {
		c.updateStatus(name, false, time.Since(start), err)
		return
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.updateStatus(name, false, latency, err)
		return
	}
	resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	var checkErr error
	if !healthy {
		checkErr = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}
	c.updateStatus(name, healthy, latency, checkErr)
}

func (c *Checker) updateStatus(name string, healthy bool, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.backends[name]
	if !ok {
		return
	}

	s.lastCheck = time.Now()
	s.lastError = err
	s.latency = latency

	oldStatus := s.status
	if healthy {
		s.consecutiveFail = 0
		s.consecutivePass++
		if s.consecutivePass >= c.healthyAfter {
			s.status = StatusHealthy
		}
	} else {
		s.consecutivePass = 0
		s.consecutiveFail++
		if s.consecutiveFail >= c.unhealthyAfter {
			s.status = StatusUnhealthy
		}
	}

	if oldStatus != s.status {
		c.log.Info("backend status change",
			zap.String("service", name),
			zap.String("from", string(oldStatus)),
			zap.String("to", string(s.status)))
		if c.metrics != nil {
			c.metrics.SetBackendUp(name, s.status == StatusHealthy)
		}
	}
}
