// Package scheduler runs periodic maintenance for runbridge on a cron
// schedule. Its only job today is reaping runners that have been idle longer
// than the configured expiration, so leases do not pin sandboxes forever.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper destroys idle runners. Implemented by *runner.Manager.
type Reaper interface {
	Reap(ctx context.Context, before time.Time) (int, error)
}

// Config controls the reaper schedule.
type Config struct {
	Schedule   string        // Five-field cron expression.
	Expiration time.Duration // Runners unused for longer are destroyed.
}

// Scheduler fires the reaper on its cron schedule.
type Scheduler struct {
	reaper   Reaper
	schedule cron.Schedule
	expr     string
	expiry   time.Duration
	metrics  *Metrics
	logger   *slog.Logger

	now func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Scheduler.
func New(reaper Reaper, cfg Config, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule, err)
	}
	if cfg.Expiration <= 0 {
		return nil, fmt.Errorf("runner expiration must be positive, got %s", cfg.Expiration)
	}
	return &Scheduler{
		reaper:   reaper,
		schedule: sched,
		expr:     cfg.Schedule,
		expiry:   cfg.Expiration,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "runner reaper started",
			slog.String("schedule", s.expr),
			slog.String("expiration", s.expiry.String()),
		)

		for {
			next := s.schedule.Next(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("runner reaper stopped")
				return
			case <-timer.C:
				s.Tick(ctx)
			}
		}
	}()

	return cancel
}

// Tick runs a single reap cycle.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.now()
	n, err := s.reaper.Reap(ctx, start.UTC().Add(-s.expiry))

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.TicksFailed.Inc()
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "reaping idle runners failed",
			slog.Int("reaped", n),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "reaped idle runners", slog.Int("count", n))
	}
}

// NextRunFrom computes the next run time of expr after from.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
