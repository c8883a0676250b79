package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for execution sessions.
type Metrics struct {
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	SessionsActive  prometheus.Gauge
	ClientMessages  *prometheus.CounterVec
	HintsSent       prometheus.Counter
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "session",
			Name:      "completed_total",
			Help:      "Completed sessions by cause and final status.",
		}, []string{"cause", "status"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbridge",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall time from session start to teardown.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"cause"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbridge",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently bridging a client.",
		}),
		ClientMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "session",
			Name:      "client_messages_total",
			Help:      "Messages received from clients by outcome (forwarded, dropped, invalid, unknown, kill).",
		}, []string{"outcome"}),
		HintsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "session",
			Name:      "hints_sent_total",
			Help:      "Error template hints delivered to clients.",
		}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.SessionsActive,
		m.ClientMessages,
		m.HintsSent,
	)

	return m
}

func (m *Metrics) clientMessage(outcome string) {
	if m == nil {
		return
	}
	m.ClientMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) finished(cause, status string, seconds float64, hints int) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(cause, status).Inc()
	m.SessionDuration.WithLabelValues(cause).Observe(seconds)
	m.HintsSent.Add(float64(hints))
}
