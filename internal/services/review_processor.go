package services

import (
	"context"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// ReviewReport summarizes a review cycle
type ReviewReport struct {
	Reviewed    int `json:"reviewed"`
	Republished int `json:"republished"`
	Archived    int `json:"archived"`
	Escalated   int `json:"escalated"`
	Deferred    int `json:"deferred"`
	Conflicts   int `json:"conflicts"`
	Invalid     int `json:"invalid"`
}

// ReviewProcessor asks the quality judge about exercises waiting in PENDING_REVIEW
type ReviewProcessor struct {
	exercises ExerciseRepository
	attempts  AttemptRepository
	judge     QualityJudge
	metrics   observability.MetricsRecorder
	logger    *observability.Logger
	cfg       config.ReviewConfig
	now       func() time.Time
}

// NewReviewProcessor creates a review processor
func NewReviewProcessor(exercises ExerciseRepository, attempts AttemptRepository, judge QualityJudge, metrics observability.MetricsRecorder, cfg config.ReviewConfig, logger *observability.Logger) *ReviewProcessor {
	return &ReviewProcessor{
		exercises: exercises,
		attempts:  attempts,
		judge:     judge,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RunCycle reviews up to one batch of exercises, oldest first
func (p *ReviewProcessor) RunCycle(ctx context.Context) (result0 ReviewReport, err error) {
	ctx, span := observability.TraceReviewFunction(ctx, "run_cycle", observability.AttributeLimit(p.cfg.BatchSize))
	defer observability.FinishSpan(span, &err)

	pending, err := p.exercises.ListPendingReview(ctx, p.cfg.BatchSize)
	if err != nil {
		return ReviewReport{}, err
	}

	var report ReviewReport
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, contextutils.WrapErrorf(contextutils.ErrTimeout, "review cycle interrupted: %v", err)
		}
		p.review(ctx, &pending[i], &report)
	}

	span.SetAttributes(
		attribute.Int("review.reviewed", report.Reviewed),
		attribute.Int("review.deferred", report.Deferred),
	)
	return report, nil
}

func (p *ReviewProcessor) review(ctx context.Context, ex *models.Exercise, report *ReviewReport) {
	ctx, span := observability.TraceReviewFunction(ctx, "review_exercise",
		observability.AttributeExerciseID(ex.ID),
		observability.AttributeExerciseType(string(ex.Type)),
	)
	defer span.End()

	fields := map[string]interface{}{"exercise_id": ex.ID}
	assessment, ok := p.assess(ctx, ex, fields)
	if !ok {
		report.Deferred++
		return
	}

	event, err := assessment.Verdict.Event()
	if err != nil {
		report.Invalid++
		p.logger.Error(ctx, "Judge returned an unknown verdict", err, map[string]interface{}{
			"exercise_id": ex.ID,
			"verdict":     string(assessment.Verdict),
		})
		return
	}

	line := models.ReviewLogLine(assessment.Verdict, assessment.Reason, p.now())
	to, err := p.exercises.TransitionStatus(ctx, ex.ID, models.StatusPendingReview, event, line)
	if contextutils.IsConflict(err) {
		report.Conflicts++
		return
	}
	if err != nil {
		report.Deferred++
		p.logger.Error(ctx, "Failed to apply review verdict", err, fields)
		return
	}

	report.Reviewed++
	switch to {
	case models.StatusRepublished:
		report.Republished++
	case models.StatusArchived:
		report.Archived++
	case models.StatusAdminReview:
		report.Escalated++
	}
	p.metrics.StatusTransition(ctx, string(models.StatusPendingReview), string(to), true)
	p.logger.Info(ctx, "Applied review verdict", map[string]interface{}{
		"exercise_id": ex.ID,
		"verdict":     string(assessment.Verdict),
		"status":      string(to),
	})
}

// assess returns the verdict for ex. Exercises without a reference answer are archived
// without asking the judge. false means the exercise stays pending.
func (p *ReviewProcessor) assess(ctx context.Context, ex *models.Exercise, fields map[string]interface{}) (*QualityAssessment, bool) {
	if !ex.Payload.HasReferenceAnswer() {
		return &QualityAssessment{Verdict: models.VerdictArchive, Reason: "no reference answer"}, true
	}

	failures, err := p.attempts.RecentFailures(ctx, ex.ID, p.cfg.RecentAttempts)
	if err != nil {
		p.logger.Error(ctx, "Failed to load recent failures", err, fields)
		return nil, false
	}

	assessment, err := p.judge.JudgeQuality(ctx, ex, failures)
	if err != nil {
		p.logger.Warn(ctx, "Quality judge failed, exercise stays pending", map[string]interface{}{
			"exercise_id": ex.ID,
			"error":       err.Error(),
		})
		return nil, false
	}
	return assessment, true
}
