package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker runs named probes for the /ready endpoint. A probe with an
// Interval reuses its last result until the interval has passed, so a busy
// load balancer does not hammer the backing store.
type HealthChecker struct {
	clock clock.Clock

	mu     sync.Mutex
	checks []*HealthCheck
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration

	checkedAt time.Time
	result    string
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(clk clock.Clock) *HealthChecker {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthChecker{clock: clk}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, &HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// CheckAll runs every due probe concurrently. The overall status is healthy
// only when every probe reports healthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	var g errgroup.Group
	for _, check := range h.checks {
		if check.result != "" && check.Interval > 0 && now.Sub(check.checkedAt) < check.Interval {
			continue
		}
		g.Go(func() error {
			check.result = h.run(ctx, check)
			check.checkedAt = now
			return nil
		})
	}
	g.Wait()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]string, len(h.checks)),
	}
	for _, check := range h.checks {
		status.Checks[check.Name] = check.result
		if check.result != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, check *HealthCheck) string {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}

	healthy, err := check.Check(ctx)
	switch {
	case err != nil:
		return err.Error()
	case !healthy:
		return "check failed"
	default:
		return StatusHealthy
	}
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
