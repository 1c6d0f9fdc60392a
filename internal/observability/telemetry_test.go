package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestLoggerWithTraceAddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	plain := LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
	buf.Reset()

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)
	traced := LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	assert.Contains(t, buf.String(), `"trace_id":"`+spanCtx.TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`+spanCtx.SpanID().String()+`"`)
}

func TestHealthHandler(t *testing.T) {
	var failing error
	h := HealthHandler(func(context.Context) error { return failing }, zerolog.New(io.Discard))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	failing = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable","error":"redis down"}`, rec.Body.String())
}
