package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	contextutils "lingocore/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveError(t *testing.T, handler gin.HandlerFunc) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/test", handler)

	req, _ := http.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return w.Code, response
}

func TestStandardizeHTTPError(t *testing.T) {
	code, response := serveError(t, func(c *gin.Context) {
		StandardizeHTTPError(c, http.StatusBadRequest, "Invalid input", "Field 'answer' is required")
	})

	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid input", response["message"])
	assert.Equal(t, "Field 'answer' is required", response["details"])
	assert.Equal(t, string(contextutils.ErrorCodeInvalidInput), response["code"])
}

func TestHandleAppError_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"not found", contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "exercise 9"), http.StatusNotFound, false},
		{"invalid input", contextutils.ErrInvalidInput, http.StatusBadRequest, false},
		{"conflict", contextutils.WrapErrorf(contextutils.ErrConflict, "cycle busy"), http.StatusConflict, false},
		{"judge down", contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "503 from provider"), http.StatusServiceUnavailable, true},
		{"queue down", contextutils.ErrQueueUnavailable, http.StatusServiceUnavailable, true},
		{"judge timeout", contextutils.WrapErrorf(contextutils.ErrTimeout, "slow"), http.StatusGatewayTimeout, true},
		{"bad judge reply", contextutils.ErrJudgeResponseInvalid, http.StatusBadGateway, true},
		{"database", contextutils.ErrDatabaseQuery, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, response := serveError(t, func(c *gin.Context) { HandleAppError(c, tt.err) })
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.retryable, response["retryable"])
		})
	}
}

func TestHandleAppError_PlainError(t *testing.T) {
	code, response := serveError(t, func(c *gin.Context) { HandleAppError(c, errors.New("boom")) })
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "boom", response["details"])
}

func TestHandleValidationError(t *testing.T) {
	code, response := serveError(t, func(c *gin.Context) { HandleValidationError(c, "kind", "monthly", "unknown report kind") })
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid kind", response["message"])
	assert.Contains(t, response["details"], "monthly")
}
