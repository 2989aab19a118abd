package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lingocore"

var globalTracer trace.Tracer

// InitGlobalTracer initializes the global tracer from the registered provider.
func InitGlobalTracer() {
	globalTracer = otel.Tracer(tracerName)
}

// GetGlobalTracer returns the global tracer instance.
func GetGlobalTracer() trace.Tracer {
	if globalTracer == nil {
		globalTracer = otel.Tracer(tracerName)
	}
	return globalTracer
}

// TraceFunction starts a new span named "<component>.<function>".
func TraceFunction(ctx context.Context, component, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("%s.%s", component, functionName)
	return GetGlobalTracer().Start(ctx, spanName, trace.WithAttributes(attributes...))
}

// TraceValidatorFunction starts a new span for the answer validator.
func TraceValidatorFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "validator", functionName, attributes...)
}

// TraceCacheFunction starts a new span for the judgement cache.
func TraceCacheFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "cache", functionName, attributes...)
}

// TraceStockFunction starts a new span for the stock manager.
func TraceStockFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "stock", functionName, attributes...)
}

// TraceQualityFunction starts a new span for the quality monitor.
func TraceQualityFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "quality", functionName, attributes...)
}

// TraceReviewFunction starts a new span for the review processor.
func TraceReviewFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "review", functionName, attributes...)
}

// TraceNotificationFunction starts a new span for the notification scheduler.
func TraceNotificationFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "notification", functionName, attributes...)
}

// TraceReportFunction starts a new span for report dispatch and generation.
func TraceReportFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "report", functionName, attributes...)
}

// TraceQueueFunction starts a new span for task queue operations.
func TraceQueueFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "queue", functionName, attributes...)
}

// TraceAIFunction starts a new span for LLM calls.
func TraceAIFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "ai", functionName, attributes...)
}

// TraceMediaFunction starts a new span for speech synthesis and audio storage.
func TraceMediaFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "media", functionName, attributes...)
}

// TraceWorkerFunction starts a new span for the worker scheduler.
func TraceWorkerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "worker", functionName, attributes...)
}

// TraceHandlerFunction starts a new span for an admin handler.
func TraceHandlerFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "handler", functionName, attributes...)
}

// TraceDatabaseFunction starts a new span for a repository call.
func TraceDatabaseFunction(ctx context.Context, functionName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return TraceFunction(ctx, "database", functionName, attributes...)
}

// AttributeExerciseID returns a tracing attribute for an exercise ID.
func AttributeExerciseID(id int64) attribute.KeyValue {
	return attribute.Int64("exercise.id", id)
}

// AttributeExerciseType returns a tracing attribute for an exercise type.
func AttributeExerciseType(exerciseType interface{}) attribute.KeyValue {
	return attribute.String("exercise.type", fmt.Sprintf("%v", exerciseType))
}

// AttributeStatus returns a tracing attribute for an exercise or report status.
func AttributeStatus(status interface{}) attribute.KeyValue {
	return attribute.String("status", fmt.Sprintf("%v", status))
}

// AttributeUserID returns a tracing attribute for a user ID.
func AttributeUserID(id int64) attribute.KeyValue {
	return attribute.Int64("user.id", id)
}

// AttributeLanguage returns a tracing attribute for a language.
func AttributeLanguage(lang string) attribute.KeyValue {
	return attribute.String("language", lang)
}

// AttributeTaskKind returns a tracing attribute for a queued task kind.
func AttributeTaskKind(kind interface{}) attribute.KeyValue {
	return attribute.String("task.kind", fmt.Sprintf("%v", kind))
}

// AttributeReportID returns a tracing attribute for a report ID.
func AttributeReportID(id string) attribute.KeyValue {
	return attribute.String("report.id", id)
}

// AttributeLimit returns a tracing attribute for a limit value.
func AttributeLimit(limit int) attribute.KeyValue {
	return attribute.Int("limit", limit)
}
