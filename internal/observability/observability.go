// Package observability wires Prometheus metrics, OpenTelemetry tracing,
// health checks and error reporting for runbridge. Every component is
// optional: a nil *Observability or nil field disables it.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/codeocean/runbridge/internal/config"
)

// Observability holds the configured components. Any field may be nil.
type Observability struct {
	Metrics  *MetricsCollector
	Tracer   *TracerSetup
	Health   *HealthChecker
	Reporter *ErrorReporter
}

// New creates an Observability instance from config. Health checks and the
// error reporter are always present; metrics and tracing only when enabled.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg != nil && cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg != nil && cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	obs.Reporter = NewErrorReporter(obs.Metrics, logger)
	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer or nil if tracing is disabled.
func (o *Observability) TracerOrNil() trace.Tracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Tracer()
}
