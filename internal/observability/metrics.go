package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector owns the Prometheus registry shared by all packages and
// the metrics of the HTTP gateway. Package metrics (runner, session) register
// on Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge

	ReportedErrors *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector on a fresh registry that
// also exposes Go runtime and process metrics.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds. WebSocket sessions are included.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbridge",
			Name:      "active_requests",
			Help:      "Number of requests currently being served.",
		}),

		ReportedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbridge",
			Name:      "reported_errors_total",
			Help:      "Recoverable errors reported for inspection, by source.",
		}, []string{"source"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ReportedErrors,
	)

	return m
}

// RegistryOrNil returns the registry, or nil when metrics are disabled.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
