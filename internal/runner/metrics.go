package runner

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for runner management calls and leases.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	LeasesActive    prometheus.Gauge
	LeaseConflicts  prometheus.Counter
	RunnersReaped   prometheus.Counter
}

// NewMetrics creates and registers runner metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "runner_management",
			Name:      "requests_total",
			Help:      "Total requests sent to the runner management, by operation and outcome (success, error, or HTTP status).",
		}, []string{"operation", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbridge",
			Subsystem: "runner_management",
			Name:      "request_duration_seconds",
			Help:      "Runner management request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbridge",
			Subsystem: "runner",
			Name:      "leases_active",
			Help:      "Runner leases currently held by a session.",
		}),
		LeaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "runner",
			Name:      "lease_conflicts_total",
			Help:      "Acquisitions rejected because the runner was already in use.",
		}),
		RunnersReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "runner",
			Name:      "reaped_total",
			Help:      "Idle runners destroyed by the reaper.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.LeasesActive,
		m.LeaseConflicts,
		m.RunnersReaped,
	)

	return m
}

func (m *Metrics) observeRequest(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(op, outcome).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(seconds)
}
