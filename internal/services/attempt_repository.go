package services

import (
	"context"
	"database/sql"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/google/uuid"
)

// AttemptRepository appends and reads learner attempts. Attempts are never updated.
type AttemptRepository interface {
	Append(ctx context.Context, attempt *models.Attempt) error
	OutcomesSince(ctx context.Context, exerciseID int64, since time.Time) ([]models.AttemptOutcome, error)
	RecentFailures(ctx context.Context, exerciseID int64, limit int) ([]models.Attempt, error)
	RecentForUser(ctx context.Context, userID int64, since time.Time, limit int) ([]models.Attempt, error)
}

// AttemptRepositoryImpl implements AttemptRepository on postgres
type AttemptRepositoryImpl struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ AttemptRepository = (*AttemptRepositoryImpl)(nil)

// NewAttemptRepository creates a new attempt repository
func NewAttemptRepository(db *sql.DB, logger *observability.Logger) *AttemptRepositoryImpl {
	return &AttemptRepositoryImpl{db: db, logger: logger}
}

// Append stores a new attempt, assigning its id
func (r *AttemptRepositoryImpl) Append(ctx context.Context, attempt *models.Attempt) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "append_attempt",
		observability.AttributeExerciseID(attempt.ExerciseID),
		observability.AttributeUserID(attempt.UserID),
	)
	defer observability.FinishSpan(span, &err)

	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO attempts (id, exercise_id, user_id, answer, is_correct, feedback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, attempt.ID, attempt.ExerciseID, attempt.UserID, attempt.Answer, attempt.IsCorrect, attempt.Feedback).Scan(&attempt.CreatedAt)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to append attempt: %v", err)
	}
	return nil
}

// OutcomesSince returns correctness and timestamps of the exercise's attempts since a time
func (r *AttemptRepositoryImpl) OutcomesSince(ctx context.Context, exerciseID int64, since time.Time) (result0 []models.AttemptOutcome, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "attempt_outcomes_since", observability.AttributeExerciseID(exerciseID))
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT is_correct, created_at FROM attempts
		WHERE exercise_id = $1 AND created_at >= $2
		ORDER BY created_at
	`, exerciseID, since)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to load attempt outcomes: %v", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.Warn(ctx, "Failed to close attempt rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var outcomes []models.AttemptOutcome
	for rows.Next() {
		var o models.AttemptOutcome
		if err := rows.Scan(&o.IsCorrect, &o.CreatedAt); err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to scan attempt outcome: %v", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to iterate attempt outcomes: %v", err)
	}
	return outcomes, nil
}

// RecentFailures returns the newest incorrect attempts of an exercise
func (r *AttemptRepositoryImpl) RecentFailures(ctx context.Context, exerciseID int64, limit int) (result0 []models.Attempt, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "recent_failed_attempts",
		observability.AttributeExerciseID(exerciseID),
		observability.AttributeLimit(limit),
	)
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, exercise_id, user_id, answer, is_correct, feedback, created_at
		FROM attempts
		WHERE exercise_id = $1 AND NOT is_correct
		ORDER BY created_at DESC
		LIMIT $2
	`, exerciseID, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to load failed attempts: %v", err)
	}
	return r.collect(ctx, rows)
}

// RecentForUser returns a learner's newest attempts since a time
func (r *AttemptRepositoryImpl) RecentForUser(ctx context.Context, userID int64, since time.Time, limit int) (result0 []models.Attempt, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "recent_user_attempts",
		observability.AttributeUserID(userID),
		observability.AttributeLimit(limit),
	)
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, exercise_id, user_id, answer, is_correct, feedback, created_at
		FROM attempts
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to load user attempts: %v", err)
	}
	return r.collect(ctx, rows)
}

func (r *AttemptRepositoryImpl) collect(ctx context.Context, rows *sql.Rows) ([]models.Attempt, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.Warn(ctx, "Failed to close attempt rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.ID, &a.ExerciseID, &a.UserID, &a.Answer, &a.IsCorrect, &a.Feedback, &a.CreatedAt); err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to scan attempt: %v", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to iterate attempts: %v", err)
	}
	return attempts, nil
}
