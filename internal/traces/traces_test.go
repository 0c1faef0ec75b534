package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func record(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	shutdown, err := Setup(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	return sr
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestMiddleware_NamesSpanByRoute(t *testing.T) {
	sr := record(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/admin/escrow/attempts/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/admin/escrow/attempts/7", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := sr.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "GET /v1/admin/escrow/attempts/:id", ok.Name())
	assert.Equal(t, trace.SpanKindServer, ok.SpanKind())
	assert.Equal(t, int64(200), attrs(ok)["http.response.status_code"].AsInt64())
	assert.Equal(t, "/v1/admin/escrow/attempts/:id", attrs(ok)["http.route"].AsString())
	assert.Equal(t, codes.Unset, ok.Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	sr := record(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}

func TestMiddleware_Unmatched(t *testing.T) {
	sr := record(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET unmatched", spans[0].Name())
}

func TestInject(t *testing.T) {
	record(t)
	ctx, span := StartSpan(context.Background(), "webhook.deliver")
	defer span.End()

	h := http.Header{}
	Inject(ctx, h)
	assert.Contains(t, h.Get("traceparent"), span.SpanContext().TraceID().String())
}

func TestInject_NoSpan(t *testing.T) {
	record(t)
	h := http.Header{}
	Inject(context.Background(), h)
	assert.Empty(t, h.Get("traceparent"))
}

func TestRecordError(t *testing.T) {
	sr := record(t)
	_, span := StartSpan(context.Background(), "release.Execute", ListingID(42), Action("release"))
	RecordError(span, nil)
	RecordError(span, errors.New("execution reverted"))
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "execution reverted", spans[0].Status().Description)
	assert.Equal(t, int64(42), attrs(spans[0])[ListingIDKey].AsInt64())
	assert.Equal(t, "release", attrs(spans[0])[ActionKey].AsString())
	require.Len(t, spans[0].Events(), 1)
}
