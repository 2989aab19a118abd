package services

import (
	"context"
	"database/sql"
	"errors"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// JudgementRepository is the durable store of judgements, one row per (exercise, answer)
type JudgementRepository interface {
	// Get returns nil, nil when no judgement is stored
	Get(ctx context.Context, exerciseID int64, answer string) (*models.Judgement, error)
	// InsertIfAbsent stores j unless a row exists and returns whichever row is stored
	InsertIfAbsent(ctx context.Context, j *models.Judgement) (*models.Judgement, error)
}

// JudgementRepositoryImpl implements JudgementRepository on postgres
type JudgementRepositoryImpl struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ JudgementRepository = (*JudgementRepositoryImpl)(nil)

// NewJudgementRepository creates a new judgement repository
func NewJudgementRepository(db *sql.DB, logger *observability.Logger) *JudgementRepositoryImpl {
	return &JudgementRepositoryImpl{db: db, logger: logger}
}

// Get looks up the stored judgement for a canonical answer
func (r *JudgementRepositoryImpl) Get(ctx context.Context, exerciseID int64, answer string) (result0 *models.Judgement, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_judgement", observability.AttributeExerciseID(exerciseID))
	defer observability.FinishSpan(span, &err)

	j := &models.Judgement{}
	err = r.db.QueryRowContext(ctx, `
		SELECT exercise_id, answer, is_correct, feedback, created_at
		FROM judgements
		WHERE exercise_id = $1 AND answer = $2
	`, exerciseID, answer).Scan(&j.ExerciseID, &j.Answer, &j.IsCorrect, &j.Feedback, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("judgement.found", false))
		return nil, nil
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to query judgement: %v", err)
	}

	span.SetAttributes(attribute.Bool("judgement.found", true))
	return j, nil
}

// InsertIfAbsent never overwrites: a concurrent writer's row wins and is returned
func (r *JudgementRepositoryImpl) InsertIfAbsent(ctx context.Context, j *models.Judgement) (result0 *models.Judgement, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "insert_judgement", observability.AttributeExerciseID(j.ExerciseID))
	defer observability.FinishSpan(span, &err)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO judgements (exercise_id, answer, is_correct, feedback, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (exercise_id, answer) DO NOTHING
	`, j.ExerciseID, j.Answer, j.IsCorrect, j.Feedback)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to insert judgement: %v", err)
	}
	if affected, raErr := res.RowsAffected(); raErr == nil {
		span.SetAttributes(attribute.Bool("judgement.inserted", affected > 0))
	}

	stored, err := r.Get(ctx, j.ExerciseID, j.Answer)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "judgement for exercise %d vanished after insert", j.ExerciseID)
	}
	return stored, nil
}
