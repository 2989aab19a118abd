package services

import (
	"context"
	"strconv"
	"strings"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// AnswerValidatorInterface validates learner answers
type AnswerValidatorInterface interface {
	Validate(ctx context.Context, exerciseID, userID int64, rawAnswer string) (*models.Judgement, error)
}

// AnswerValidator resolves a judgement from the cache, then the store, then the judge,
// and appends an attempt for every successful validation.
type AnswerValidator struct {
	exercises  ExerciseRepository
	judgements JudgementRepository
	attempts   AttemptRepository
	cache      JudgementCache
	judge      AnswerJudge
	canon      *Canonicalizer
	metrics    observability.MetricsRecorder
	logger     *observability.Logger

	// inflight coalesces identical judge calls inside this process
	inflight singleflight.Group
}

var _ AnswerValidatorInterface = (*AnswerValidator)(nil)

// NewAnswerValidator creates an answer validator
func NewAnswerValidator(
	exercises ExerciseRepository,
	judgements JudgementRepository,
	attempts AttemptRepository,
	cache JudgementCache,
	judge AnswerJudge,
	canon *Canonicalizer,
	metrics observability.MetricsRecorder,
	logger *observability.Logger,
) *AnswerValidator {
	return &AnswerValidator{
		exercises:  exercises,
		judgements: judgements,
		attempts:   attempts,
		cache:      cache,
		judge:      judge,
		canon:      canon,
		metrics:    metrics,
		logger:     logger,
	}
}

// Validate judges rawAnswer for the exercise and records the attempt.
// A judge failure is returned as a retryable error and nothing is persisted.
func (v *AnswerValidator) Validate(ctx context.Context, exerciseID, userID int64, rawAnswer string) (result0 *models.Judgement, err error) {
	ctx, span := observability.TraceValidatorFunction(ctx, "validate",
		observability.AttributeExerciseID(exerciseID),
		observability.AttributeUserID(userID),
	)
	defer observability.FinishSpan(span, &err)
	start := time.Now()

	if strings.TrimSpace(rawAnswer) == "" {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "answer is empty")
	}

	judgement, source, err := v.resolve(ctx, exerciseID, rawAnswer)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("judgement.source", string(source)))

	attempt := &models.Attempt{
		ExerciseID: exerciseID,
		UserID:     userID,
		Answer:     judgement.Answer,
		IsCorrect:  judgement.IsCorrect,
		Feedback:   judgement.Feedback,
	}
	if err := v.attempts.Append(ctx, attempt); err != nil {
		return nil, err
	}

	v.metrics.ValidationCompleted(ctx, string(source), judgement.IsCorrect, time.Since(start))
	return judgement, nil
}

// resolve walks cache, store and judge in that order
func (v *AnswerValidator) resolve(ctx context.Context, exerciseID int64, rawAnswer string) (*models.Judgement, models.JudgementSource, error) {
	// Canonicalization is per language, so the exercise row is read first
	exercise, err := v.exercises.GetByID(ctx, exerciseID)
	if err != nil {
		return nil, "", err
	}
	answer := v.canon.Canonicalize(exercise.Language, rawAnswer)
	if answer == "" {
		return nil, "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "answer is empty after normalization")
	}

	if j := v.fromCache(ctx, exerciseID, answer); j != nil {
		return j, models.SourceCache, nil
	}

	stored, err := v.judgements.Get(ctx, exerciseID, answer)
	if err != nil {
		return nil, "", err
	}
	if stored != nil {
		v.warmCache(ctx, stored)
		return stored, models.SourceStore, nil
	}

	key := strconv.FormatInt(exerciseID, 10) + "\x00" + answer
	res, err, shared := v.inflight.Do(key, func() (interface{}, error) {
		// Shared callers must not be cancelled by whichever caller came first
		return v.judgeAndStore(context.WithoutCancel(ctx), exercise, answer)
	})
	if err != nil {
		return nil, "", err
	}
	if shared {
		v.logger.Debug(ctx, "Shared in-flight judgement", map[string]interface{}{"exercise_id": exerciseID})
	}
	return res.(*models.Judgement), models.SourceJudge, nil
}

func (v *AnswerValidator) judgeAndStore(ctx context.Context, exercise *models.Exercise, answer string) (*models.Judgement, error) {
	verdict, err := v.judge.JudgeAnswer(ctx, exercise, answer)
	if err != nil {
		if !contextutils.IsRetryable(err) {
			err = contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "judge failed for exercise %d: %v", exercise.ID, err)
		}
		return nil, err
	}

	stored, err := v.judgements.InsertIfAbsent(ctx, &models.Judgement{
		ExerciseID: exercise.ID,
		Answer:     answer,
		IsCorrect:  verdict.IsCorrect,
		Feedback:   verdict.Feedback,
	})
	if err != nil {
		return nil, err
	}
	v.warmCache(ctx, stored)
	return stored, nil
}

func (v *AnswerValidator) fromCache(ctx context.Context, exerciseID int64, answer string) *models.Judgement {
	j, err := v.cache.Get(ctx, exerciseID, answer)
	if err != nil {
		v.logger.Warn(ctx, "Judgement cache unavailable, treating as miss", map[string]interface{}{
			"exercise_id": exerciseID,
			"error":       err.Error(),
		})
	}
	v.metrics.CacheLookup(ctx, j != nil)
	return j
}

func (v *AnswerValidator) warmCache(ctx context.Context, j *models.Judgement) {
	if err := v.cache.Set(ctx, j); err != nil {
		v.logger.Warn(ctx, "Failed to cache judgement", map[string]interface{}{
			"exercise_id": j.ExerciseID,
			"error":       err.Error(),
		})
	}
}
