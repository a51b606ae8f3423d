package main

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDKey     = "request_id"
	requestLoggerKey = "request_logger"
	requestIDHeader  = "X-Request-ID"

	tracerName = "github.com/haasonsaas/vdsm-reg/server"
)

// withRequestContext gives every request an id, a scoped logger and a server
// span, and logs one line when the handler chain returns.
func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = xid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(requestIDHeader, id)

		logger := base.With().
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("client_ip", c.ClientIP()).
			Logger()
		c.Set(requestLoggerKey, logger)

		span := startServerSpan(c, id)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()

		logger.Debug().
			Int("status", status).
			Str("target", redactedTarget(c.Request.URL)).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

// startServerSpan continues any trace the caller propagated and replaces the
// request context with one carrying the new span.
func startServerSpan(c *gin.Context, id string) trace.Span {
	ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
	ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+c.FullPath(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("http.scheme", requestScheme(c.Request)),
			attribute.String("request.id", id),
		),
	)
	c.Request = c.Request.WithContext(ctx)
	return span
}

// redactedTarget is the request URI with the registration ticket masked.
func redactedTarget(u *url.URL) string {
	q := u.Query()
	if q.Get("ticket") == "" {
		return u.RequestURI()
	}
	q.Set("ticket", "REDACTED")
	masked := *u
	masked.RawQuery = q.Encode()
	return masked.RequestURI()
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if v, ok := c.Get(requestLoggerKey); ok {
		if logger, ok := v.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// respondError aborts the chain with a JSON error. Server errors are logged at
// error level and recorded on the span; client errors are warnings.
func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	serverSide := status >= http.StatusInternalServerError

	event := logger.Warn()
	if serverSide {
		event = logger.Error()
	}
	event.Int("status", status).Msg(message)

	span := trace.SpanFromContext(c.Request.Context())
	span.AddEvent("http.error", trace.WithAttributes(
		attribute.Int("http.status_code", status),
		attribute.String("error.message", message),
	))
	if serverSide {
		span.RecordError(errors.New(message))
	}

	c.AbortWithStatusJSON(status, gin.H{"error": message, "request_id": requestID(c)})
}
