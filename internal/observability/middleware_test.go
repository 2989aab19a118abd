package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	contextutils "lingocore/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupRecordingRouter(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware("test-service"), GinErrorAttributes())
	return router, recorder
}

func TestGinMiddleware_SuccessfulRequestHasNoErrorStatus(t *testing.T) {
	router, recorder := setupRecordingRouter(t)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.NotEqual(t, codes.Error, spans[0].Status().Code)
}

func TestGinErrorAttributes_RecordsAppError(t *testing.T) {
	router, recorder := setupRecordingRouter(t)
	router.POST("/v1/validate", func(c *gin.Context) {
		_ = c.Error(contextutils.WrapError(contextutils.ErrJudgeUnavailable, "judge timed out"))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/validate", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[string]interface{}{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "JUDGE_UNAVAILABLE", attrs["error.code"])
	assert.Equal(t, true, attrs["error.retryable"])
	assert.Equal(t, "warn", attrs["error.severity"])
}

func TestGinErrorAttributes_PlainClientError(t *testing.T) {
	router, recorder := setupRecordingRouter(t)
	router.GET("/missing", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "client error", spans[0].Status().Description)
}
