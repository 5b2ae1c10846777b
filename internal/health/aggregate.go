package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ragstack/gateway/internal/registry"
)

// Verdict summarizes the fleet: healthy when every backend answered,
// degraded when at least half did, unhealthy otherwise.
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictDegraded  Verdict = "degraded"
	VerdictUnhealthy Verdict = "unhealthy"
)

// AggregateReport is the outcome of probing every backend at once.
type AggregateReport struct {
	Verdict  Verdict       `json:"status"`
	Healthy  int           `json:"healthy"`
	Total    int           `json:"total"`
	Backends []CheckResult `json:"backends"`
}

// Probe checks every service's health endpoint concurrently and reports the
// fleet verdict. Unlike the background checker, this is a point-in-time
// snapshot with no threshold smoothing.
func Probe(ctx context.Context, table *registry.Table, timeout time.Duration) AggregateReport {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entries := table.List()
	results := make([]CheckResult, len(entries))
	var mu sync.Mutex
	healthy := 0

	client := &http.Client{Timeout: timeout}
	g, gctx := errgroup.WithContext(ctx)

	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			start := time.Now()
			r := CheckResult{
				Service:   entry.Name,
				URL:       entry.RawURL,
				Status:    StatusUnhealthy,
				Timestamp: start,
			}

			req, err := http.NewRequestWithContext(gctx, http.MethodGet, entry.RawURL+entry.HealthPath, nil)
			if err == nil {
				var resp *http.Response
				resp, err = client.Do(req)
				if err == nil {
					resp.Body.Close()
					if resp.StatusCode >= 200 && resp.StatusCode < 400 {
						r.Status = StatusHealthy
					}
				}
			}
			if err != nil {
				r.Error = err.Error()
			}
			r.Latency = time.Since(start)

			mu.Lock()
			results[i] = r
			if r.Status == StatusHealthy {
				healthy++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report := AggregateReport{
		Healthy:  healthy,
		Total:    len(entries),
		Backends: results,
	}
	switch {
	case healthy == len(entries):
		report.Verdict = VerdictHealthy
	case len(entries) > 0 && float64(healthy)/float64(len(entries)) >= 0.5:
		report.Verdict = VerdictDegraded
	default:
		report.Verdict = VerdictUnhealthy
	}
	return report
}
