package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// SpanRecorder captures registration spans in memory for tests.
type SpanRecorder struct {
	*tracetest.SpanRecorder
}

// NewRecordingProvider returns a provider that samples everything into a
// fresh recorder. Spans are visible as soon as they end.
func NewRecordingProvider() (*sdktrace.TracerProvider, *SpanRecorder) {
	rec := &SpanRecorder{SpanRecorder: tracetest.NewSpanRecorder()}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(rec.SpanRecorder),
	)
	return provider, rec
}

// Names lists ended span names in the order they ended.
func (r *SpanRecorder) Names() []string {
	ended := r.Ended()
	names := make([]string, len(ended))
	for i, span := range ended {
		names[i] = span.Name()
	}
	return names
}

// Find returns the first ended span called name, or nil.
func (r *SpanRecorder) Find(name string) sdktrace.ReadOnlySpan {
	for _, span := range r.Ended() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// Attr looks up key on the first ended span called name.
func (r *SpanRecorder) Attr(name string, key attribute.Key) (attribute.Value, bool) {
	span := r.Find(name)
	if span == nil {
		return attribute.Value{}, false
	}
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}
