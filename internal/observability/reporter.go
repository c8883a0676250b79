package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// ErrorReporter logs recoverable errors that deserve attention, such as
// malformed messages from browser clients, and counts them.
type ErrorReporter struct {
	metrics *MetricsCollector
	logger  *slog.Logger
}

// NewErrorReporter creates a reporter. metrics may be nil.
func NewErrorReporter(metrics *MetricsCollector, logger *slog.Logger) *ErrorReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorReporter{metrics: metrics, logger: logger.With(slog.String("component", "error_reporter"))}
}

// Report records err. The "source" attribute, if present, labels the counter.
func (r *ErrorReporter) Report(ctx context.Context, err error, attrs ...slog.Attr) {
	if r == nil || err == nil {
		return
	}
	source := "session"
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("error", err.Error()))
	for _, a := range attrs {
		if a.Key == "source" {
			source = a.Value.String()
		}
		args = append(args, a)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args, slog.String("trace_id", sc.TraceID().String()))
		trace.SpanFromContext(ctx).RecordError(err)
	}
	r.logger.WarnContext(ctx, "error reported", args...)

	if r.metrics != nil {
		r.metrics.ReportedErrors.WithLabelValues(source).Inc()
	}
}
