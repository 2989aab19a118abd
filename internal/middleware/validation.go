package middleware

import (
	"bytes"
	"io"
	"net/http"

	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// maxRequestBody caps the bytes read for validation
const maxRequestBody = 64 << 10

// RequestValidation rejects bodies that do not match the named schema with a 400.
// The body is restored so handlers can bind it again.
func RequestValidation(loader *SchemaLoader, schemaName string, logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "request_validation",
			attribute.String("schema.name", schemaName),
		)
		defer span.End()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody+1))
		if err != nil {
			abortWithAppError(c, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "failed to read body: %v", err))
			return
		}
		if len(body) > maxRequestBody {
			abortWithAppError(c, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "body exceeds %d bytes", maxRequestBody))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := loader.ValidateBytes(body, schemaName); err != nil {
			span.SetAttributes(attribute.Bool("schema.valid", false))
			logger.Warn(ctx, "Request failed schema validation", map[string]interface{}{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"schema": schemaName,
				"error":  err.Error(),
			})
			abortWithAppError(c, err)
			return
		}
		span.SetAttributes(attribute.Bool("schema.valid", true))
		c.Next()
	}
}

// abortWithAppError writes the standard error body. Middleware cannot reuse the
// handlers package, so only the codes middleware produces are mapped.
func abortWithAppError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch contextutils.GetErrorCode(err) {
	case contextutils.ErrorCodeInvalidInput:
		status = http.StatusBadRequest
	case contextutils.ErrorCodeServiceUnavailable, contextutils.ErrorCodeJudgeUnavailable:
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{"code": string(contextutils.ErrorCodeInternalError), "message": err.Error()}
	if appErr, ok := err.(*contextutils.AppError); ok {
		body = appErr.ToJSON()
	}
	body["retryable"] = contextutils.IsRetryable(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
