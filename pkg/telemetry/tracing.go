package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by the enrollment packages.
const InstrumentationName = "github.com/haasonsaas/vdsm-reg"

// SetupTracing configures an OpenTelemetry tracer provider from the [tracing]
// settings and installs it globally. With no endpoint and LogSpans unset the
// provider still records spans, it just exports nowhere.
func SetupTracing(ctx context.Context, serviceName, serviceVersion string, cfg config.TracingConfig, logger zerolog.Logger) (*sdktrace.TracerProvider, error) {
	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}

	if cfg.Endpoint != "" {
		insecure := cfg.Insecure
		// The OTLP HTTP exporter wants host:port; a scheme decides TLS.
		ep := cfg.Endpoint
		if strings.HasPrefix(ep, "https://") {
			ep = strings.TrimPrefix(ep, "https://")
		} else if strings.HasPrefix(ep, "http://") {
			ep = strings.TrimPrefix(ep, "http://")
			insecure = true
		}
		if ep == "" {
			return nil, errors.New("invalid OTLP endpoint")
		}
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}

		exporter, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	if cfg.LogSpans {
		exporter := newLoggingExporterWithLogger(logger.With().Str("component", "otel").Logger())
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return provider, nil
}

// Tracer returns the tracer from tp, or the global one when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}
