package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LoggerWithTrace(context.Background(), logger).Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info().Msg("traced")
	assert.Contains(t, buf.String(), span.SpanContext().TraceID().String())
}

func TestHealthz(t *testing.T) {
	healthy := true
	h := Handler(func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("postgres down")
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	healthy = false
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "postgres down")
}

func TestRegisterRuntimeCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterRuntimeCollectors(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "inksync_runtime_goroutines")
}
