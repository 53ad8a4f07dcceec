// Package traces provides OpenTelemetry tracing for the gateway.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hypothesis/viahtml"

// Init installs the OpenTelemetry tracer provider.
// If otlpEndpoint is empty, the global no-op provider is left in place.
// Returns a shutdown function that should be called on server stop.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("viahtml"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Span attribute keys. Every gateway span uses these so traces can be
// filtered by target and outcome across services.
const (
	KeyTargetURL   = attribute.Key("viahtml.target_url")
	KeyOutcome     = attribute.Key("viahtml.outcome")
	KeyReason      = attribute.Key("viahtml.reason")
	KeyBlockedFor  = attribute.Key("viahtml.blocked_for")
	KeyAllowAll    = attribute.Key("viahtml.allow_all")
	KeyReasonCodes = attribute.Key("viahtml.reason_codes")
)

// TargetURL tags a span with the third-party URL being proxied.
func TargetURL(u string) attribute.KeyValue { return KeyTargetURL.String(u) }

// Outcome tags a span with the admission outcome, e.g. "admitted" or "blocked".
func Outcome(o string) attribute.KeyValue { return KeyOutcome.String(o) }

// Reason tags a span with why the request was authorized or denied.
func Reason(r string) attribute.KeyValue { return KeyReason.String(r) }

// BlockedFor tags a span with the via.blocked_for context sent to Checkmate.
func BlockedFor(b string) attribute.KeyValue { return KeyBlockedFor.String(b) }

// AllowAll records whether the Checkmate lookup skipped non-malicious blocks.
func AllowAll(v bool) attribute.KeyValue { return KeyAllowAll.Bool(v) }

// ReasonCodes tags a span with the reason codes of a Checkmate block.
func ReasonCodes(rc []string) attribute.KeyValue { return KeyReasonCodes.StringSlice(rc) }

// Fail marks span as failed with err. An empty description uses the error text.
func Fail(span trace.Span, err error, description string) {
	if description == "" {
		description = err.Error()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}
