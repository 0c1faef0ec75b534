// Package traces wires OpenTelemetry for the service: OTLP export, W3C
// propagation, a gin server-span middleware and escrow span attributes.
package traces

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/voucherescrow"
	serviceName = "voucher-escrow-reconciler"
)

// Config selects the exporter. An empty Endpoint disables export.
type Config struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64 // 0 or >= 1 samples everything
	Version     string
	Environment string
}

// Setup installs the global tracer provider and propagator. The returned
// function flushes and stops the exporter.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Middleware opens a server span per request, continuing any trace the
// caller propagated. Spans are named by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer().Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// Inject writes the trace context of ctx into outbound request headers.
func Inject(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// Escrow span attributes.
const (
	ListingIDKey = attribute.Key("escrow.listing_id")
	ActionKey    = attribute.Key("escrow.action")
	SourceKey    = attribute.Key("escrow.source")
	OutcomeKey   = attribute.Key("escrow.outcome")
	TxHashKey    = attribute.Key("escrow.tx_hash")
)

func ListingID(id uint64) attribute.KeyValue {
	return ListingIDKey.Int64(int64(id)) //nolint:gosec // ledger ids stay far below 2^63
}

func Action(action string) attribute.KeyValue   { return ActionKey.String(action) }
func Source(source string) attribute.KeyValue   { return SourceKey.String(source) }
func Outcome(outcome string) attribute.KeyValue { return OutcomeKey.String(outcome) }
func TxHash(hash string) attribute.KeyValue     { return TxHashKey.String(hash) }
