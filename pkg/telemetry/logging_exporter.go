package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// loggingExporter writes finished spans to zerolog at debug level, or at warn
// when the span ended with an error status.
type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		event := l.logger.Debug()
		status := span.Status()
		if status.Code == codes.Error {
			event = l.logger.Warn().Str("status", status.Description)
		}

		sc := span.SpanContext()
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		event = event.Str("span", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))

		attrs := span.Attributes()
		if len(attrs) > 0 {
			fields := make(map[string]any, len(attrs))
			for _, attr := range attrs {
				fields[string(attr.Key)] = attr.Value.Emit()
			}
			event = event.Fields(fields)
		}
		event.Msg("span finished")
	}
	return nil
}

func (l *loggingExporter) Shutdown(context.Context) error {
	return nil
}

func (l *loggingExporter) ForceFlush(context.Context) error {
	return nil
}

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
