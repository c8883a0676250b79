package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness of the store and the runner management.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	started time.Time
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`            // "ok" or "fail"
	Message  string `json:"message,omitempty"` // Error message on failure.
	Duration string `json:"duration"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness. It is "ok" whenever the process serves requests.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", Uptime: time.Since(h.started).Truncate(time.Second).String()}
}

// CheckReady runs all checks concurrently and returns "ok" only if all pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok"}
	if len(checks) == 0 {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(checkCtx)
			results[i] = CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status == "fail" {
			status.Status = "degraded"
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", results[i].Message),
				)
			}
		}
	}
	return status
}
