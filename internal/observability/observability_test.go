package observability

import (
	"context"
	"errors"
	"testing"

	"lingocore/internal/config"
	contextutils "lingocore/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupObservability_NoneEnabled(t *testing.T) {
	cfg := &config.OpenTelemetryConfig{
		ServiceName: "test-service",
		Protocol:    "grpc",
		Endpoint:    "localhost:4317",
	}
	tp, mp, logger, err := SetupObservability(cfg, "lingocore-test", "info")
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.Nil(t, mp)
	require.NotNil(t, logger)
	assert.Equal(t, "lingocore-test", cfg.ServiceName)
}

func TestSetupObservability_AutoSDK(t *testing.T) {
	cfg := &config.OpenTelemetryConfig{
		EnableTracing:  true,
		UseAutoSDK:     true,
		ServiceVersion: "1.0.0",
		Protocol:       "grpc",
		Endpoint:       "localhost:4317",
		Insecure:       true,
	}
	tp, _, logger, err := SetupObservability(cfg, "lingocore-test", "debug")
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, logger)
}

func TestSetupObservability_UnsupportedProtocol(t *testing.T) {
	cfg := &config.OpenTelemetryConfig{
		EnableMetrics: true,
		Protocol:      "carrier-pigeon",
	}
	_, _, _, err := SetupObservability(cfg, "lingocore-test", "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported otel protocol")
}

func TestFinishSpan_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	run := func() (err error) {
		_, span := tracer.Start(context.Background(), "op")
		defer FinishSpan(span, &err)
		return errors.New("failed")
	}
	require.Error(t, run())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "failed", spans[0].Status().Description)
}

func TestFinishSpan_TagsErrorCode(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	run := func() (err error) {
		_, span := tracer.Start(context.Background(), "enqueue")
		defer FinishSpan(span, &err)
		return contextutils.WrapErrorf(contextutils.ErrQueueUnavailable, "redis down")
	}
	require.Error(t, run())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, string(contextutils.ErrorCodeQueueUnavailable), attrs["error.code"].AsString())
	assert.True(t, attrs["error.retryable"].AsBool())
}

func TestFinishSpan_LostCASIsNotAnError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	run := func() (err error) {
		_, span := tracer.Start(context.Background(), "transition_report")
		defer FinishSpan(span, &err)
		return contextutils.WrapErrorf(contextutils.ErrConflict, "report r1 is no longer PENDING")
	}
	require.Error(t, run())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "lost compare-and-swap", spans[0].Events()[0].Name)
}

func TestFinishSpan_NilSafe(t *testing.T) {
	var err error
	assert.NotPanics(t, func() { FinishSpan(nil, &err) })
}
