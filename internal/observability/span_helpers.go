package observability

import (
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FinishSpan ends a span and records the error pointed to by errPtr, tagged with its
// error code and whether the queue would retry it. A lost compare-and-swap is an expected
// outcome of concurrent workers, so it is recorded as an event and leaves the status unset.
// Use with a named error return: `defer observability.FinishSpan(span, &err)`
func FinishSpan(span trace.Span, errPtr *error) {
	if span == nil {
		return
	}
	defer span.End()

	if errPtr == nil || *errPtr == nil {
		return
	}
	err := *errPtr
	code := contextutils.GetErrorCode(err)
	span.SetAttributes(
		attribute.String("error.code", string(code)),
		attribute.Bool("error.retryable", contextutils.IsRetryable(err)),
	)
	if contextutils.IsConflict(err) {
		span.AddEvent("lost compare-and-swap", trace.WithAttributes(attribute.String("reason", err.Error())))
		return
	}
	span.RecordError(err, trace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
