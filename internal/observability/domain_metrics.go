package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder is the write-only metrics sink used by lingocore components.
// Components never read metrics back.
type MetricsRecorder interface {
	CacheLookup(ctx context.Context, hit bool)
	JudgeCall(ctx context.Context, operation string, err error)
	ValidationCompleted(ctx context.Context, source string, correct bool, elapsed time.Duration)
	ExercisesGenerated(ctx context.Context, exerciseType, language string, n int)
	ExercisesRejected(ctx context.Context, exerciseType, language string, n int)
	SynthesisFailed(ctx context.Context, exerciseType string)
	StockLevel(ctx context.Context, exerciseType, language string, count int)
	StatusTransition(ctx context.Context, from, to string, applied bool)
	NotificationEnqueued(ctx context.Context, kind string)
	ReportFinished(ctx context.Context, kind, status string)
	CycleFinished(ctx context.Context, cycle string, elapsed time.Duration, err error)
}

// DomainMetrics records lingocore metrics through an OpenTelemetry meter
type DomainMetrics struct {
	cacheLookups       metric.Int64Counter
	judgeCalls         metric.Int64Counter
	attempts           metric.Int64Counter
	incorrectAttempts  metric.Int64Counter
	validationDuration metric.Float64Histogram
	generated          metric.Int64Counter
	rejected           metric.Int64Counter
	synthesisFailures  metric.Int64Counter
	stockLevel         metric.Int64Gauge
	transitions        metric.Int64Counter
	notifications      metric.Int64Counter
	reports            metric.Int64Counter
	cycleDuration      metric.Float64Histogram
}

var _ MetricsRecorder = (*DomainMetrics)(nil)

// NewDomainMetrics creates the instruments on the given meter, or on the global
// meter provider when meter is nil.
func NewDomainMetrics(meter metric.Meter) (*DomainMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(tracerName)
	}

	m := &DomainMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.cacheLookups, "lingocore.judgement_cache.lookups", "Judgement cache lookups by result"},
		{&m.judgeCalls, "lingocore.judge.calls", "Calls to the external judge"},
		{&m.attempts, "lingocore.attempts", "Validated learner attempts"},
		{&m.incorrectAttempts, "lingocore.attempts.incorrect", "Validated learner attempts judged incorrect"},
		{&m.generated, "lingocore.exercises.generated", "Exercises created by stock refill"},
		{&m.rejected, "lingocore.exercises.rejected", "Generated exercises rejected before publishing"},
		{&m.synthesisFailures, "lingocore.exercises.synthesis_failures", "Exercises published without audio"},
		{&m.transitions, "lingocore.exercises.transitions", "Exercise status transitions attempted"},
		{&m.notifications, "lingocore.notifications.enqueued", "Notification tasks enqueued"},
		{&m.reports, "lingocore.reports.finished", "Reports reaching a final generation state"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if m.validationDuration, err = meter.Float64Histogram("lingocore.validation.duration",
		metric.WithDescription("Answer validation latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.cycleDuration, err = meter.Float64Histogram("lingocore.worker.cycle.duration",
		metric.WithDescription("Background cycle duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.stockLevel, err = meter.Int64Gauge("lingocore.exercises.servable",
		metric.WithDescription("Servable exercises per type and language")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DomainMetrics) CacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *DomainMetrics) JudgeCall(ctx context.Context, operation string, err error) {
	m.judgeCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("error", err != nil),
	))
}

func (m *DomainMetrics) ValidationCompleted(ctx context.Context, source string, correct bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.attempts.Add(ctx, 1, attrs)
	if !correct {
		m.incorrectAttempts.Add(ctx, 1, attrs)
	}
	m.validationDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *DomainMetrics) ExercisesGenerated(ctx context.Context, exerciseType, language string, n int) {
	m.generated.Add(ctx, int64(n), stockAttrs(exerciseType, language))
}

func (m *DomainMetrics) ExercisesRejected(ctx context.Context, exerciseType, language string, n int) {
	m.rejected.Add(ctx, int64(n), stockAttrs(exerciseType, language))
}

func (m *DomainMetrics) SynthesisFailed(ctx context.Context, exerciseType string) {
	m.synthesisFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("exercise_type", exerciseType)))
}

func (m *DomainMetrics) StockLevel(ctx context.Context, exerciseType, language string, count int) {
	m.stockLevel.Record(ctx, int64(count), stockAttrs(exerciseType, language))
}

func (m *DomainMetrics) StatusTransition(ctx context.Context, from, to string, applied bool) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.Bool("applied", applied),
	))
}

func (m *DomainMetrics) NotificationEnqueued(ctx context.Context, kind string) {
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *DomainMetrics) ReportFinished(ctx context.Context, kind, status string) {
	m.reports.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *DomainMetrics) CycleFinished(ctx context.Context, cycle string, elapsed time.Duration, err error) {
	m.cycleDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("cycle", cycle),
		attribute.Bool("error", err != nil),
	))
}

func stockAttrs(exerciseType, language string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("exercise_type", exerciseType),
		attribute.String("language", language),
	)
}
