package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the reaper schedule.
type Metrics struct {
	TickDuration prometheus.Histogram
	TicksFailed  prometheus.Counter
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbridge",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one reap cycle in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		TicksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "scheduler",
			Name:      "ticks_failed_total",
			Help:      "Reap cycles that ended with an error.",
		}),
	}

	reg.MustRegister(m.TickDuration, m.TicksFailed)
	return m
}
