package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// QualityStats is the decayed error statistic of one exercise
type QualityStats struct {
	Attempts         int
	WeightedAttempts float64
	WeightedErrors   float64
}

// Rate is the weighted error rate, 0 when there are no attempts
func (s QualityStats) Rate() float64 {
	if s.WeightedAttempts == 0 {
		return 0
	}
	return s.WeightedErrors / s.WeightedAttempts
}

// ComputeQualityStats weighs each outcome by 0.5^(age/halfLife)
func ComputeQualityStats(outcomes []models.AttemptOutcome, now time.Time, halfLife time.Duration) QualityStats {
	var s QualityStats
	for _, o := range outcomes {
		age := now.Sub(o.CreatedAt)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, float64(age)/float64(halfLife))
		s.Attempts++
		s.WeightedAttempts += w
		if !o.IsCorrect {
			s.WeightedErrors += w
		}
	}
	return s
}

// QualityReport summarizes a quality cycle
type QualityReport struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Demoted   int `json:"demoted"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// QualityMonitor recomputes exercise statistics and demotes exercises learners keep failing.
// It only ever moves exercises to PENDING_REVIEW.
type QualityMonitor struct {
	exercises ExerciseRepository
	attempts  AttemptRepository
	metrics   observability.MetricsRecorder
	logger    *observability.Logger
	cfg       config.QualityConfig
	now       func() time.Time
}

// NewQualityMonitor creates a quality monitor
func NewQualityMonitor(exercises ExerciseRepository, attempts AttemptRepository, metrics observability.MetricsRecorder, cfg config.QualityConfig, logger *observability.Logger) *QualityMonitor {
	return &QualityMonitor{
		exercises: exercises,
		attempts:  attempts,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ShouldDemote applies the threshold and both sample size floors
func (m *QualityMonitor) ShouldDemote(s QualityStats) bool {
	if s.Attempts == 0 {
		return false
	}
	return s.Rate() > m.cfg.ErrorRateThreshold &&
		s.Attempts >= m.cfg.MinAttempts &&
		s.WeightedAttempts >= m.cfg.MinWeightedAttempts
}

// RunCycle scans servable exercises with attempts inside the window
func (m *QualityMonitor) RunCycle(ctx context.Context) (result0 QualityReport, err error) {
	ctx, span := observability.TraceQualityFunction(ctx, "run_cycle")
	defer observability.FinishSpan(span, &err)

	now := m.now()
	since := now.Add(-m.cfg.Window)
	var report QualityReport
	var afterID int64

	for {
		if err := ctx.Err(); err != nil {
			return report, contextutils.WrapErrorf(contextutils.ErrTimeout, "quality cycle interrupted: %v", err)
		}
		batch, err := m.exercises.ListQualityCandidates(ctx, since, afterID, m.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		for i := range batch {
			m.evaluate(ctx, &batch[i], since, now, &report)
		}
		if len(batch) < m.cfg.BatchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	span.SetAttributes(
		attribute.Int("quality.scanned", report.Scanned),
		attribute.Int("quality.demoted", report.Demoted),
		attribute.Int("quality.conflicts", report.Conflicts),
	)
	return report, nil
}

func (m *QualityMonitor) evaluate(ctx context.Context, ex *models.Exercise, since, now time.Time, report *QualityReport) {
	report.Scanned++
	fields := map[string]interface{}{"exercise_id": ex.ID}

	outcomes, err := m.attempts.OutcomesSince(ctx, ex.ID, since)
	if err != nil {
		report.Failed++
		m.logger.Error(ctx, "Failed to load attempt outcomes", err, fields)
		return
	}

	stats := ComputeQualityStats(outcomes, now, m.cfg.DecayHalfLife)
	if err := m.exercises.UpdateStatistics(ctx, ex.ID, stats.Attempts, stats.WeightedErrors, now); err != nil {
		report.Failed++
		m.logger.Error(ctx, "Failed to store exercise statistics", err, fields)
		return
	}
	report.Updated++

	if !m.ShouldDemote(stats) {
		return
	}

	reason := fmt.Sprintf("weighted error rate %.2f over %d attempts", stats.Rate(), stats.Attempts)
	line := fmt.Sprintf("[%s] demoted %s\n", now.UTC().Format(time.RFC3339), reason)
	to, err := m.exercises.TransitionStatus(ctx, ex.ID, ex.Status, models.EventDemote, line)
	switch {
	case contextutils.IsConflict(err):
		report.Conflicts++
		m.metrics.StatusTransition(ctx, string(ex.Status), string(models.StatusPendingReview), false)
	case err != nil:
		report.Failed++
		m.logger.Error(ctx, "Failed to demote exercise", err, fields)
	default:
		report.Demoted++
		m.metrics.StatusTransition(ctx, string(ex.Status), string(to), true)
		m.logger.Info(ctx, "Demoted exercise for review", map[string]interface{}{
			"exercise_id": ex.ID,
			"error_rate":  stats.Rate(),
			"attempts":    stats.Attempts,
		})
	}
}
