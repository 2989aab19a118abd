package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

// ExerciseRepository is the durable store of exercises. Every status write goes
// through models.NextStatus and a conditional update on the current status.
type ExerciseRepository interface {
	Create(ctx context.Context, exercise *models.Exercise) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Exercise, error)
	CountServable(ctx context.Context, exerciseType models.ExerciseType, language string) (int, error)
	ListQualityCandidates(ctx context.Context, since time.Time, afterID int64, limit int) ([]models.Exercise, error)
	ListPendingReview(ctx context.Context, limit int) ([]models.Exercise, error)
	UpdateStatistics(ctx context.Context, id int64, attemptCount int, weightedErrors float64, at time.Time) error
	TransitionStatus(ctx context.Context, id int64, from models.ExerciseStatus, event models.StatusEvent, logLine string) (models.ExerciseStatus, error)
}

// ExerciseRepositoryImpl implements ExerciseRepository on postgres
type ExerciseRepositoryImpl struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ ExerciseRepository = (*ExerciseRepositoryImpl)(nil)

// NewExerciseRepository creates a new exercise repository
func NewExerciseRepository(db *sql.DB, logger *observability.Logger) *ExerciseRepositoryImpl {
	return &ExerciseRepositoryImpl{db: db, logger: logger}
}

const exerciseColumns = `id, type, language, payload, status, comments, attempt_count,
	weighted_error_count, stats_recomputed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExercise(row rowScanner) (*models.Exercise, error) {
	var (
		ex           models.Exercise
		payload      []byte
		recomputedAt sql.NullTime
	)
	if err := row.Scan(&ex.ID, &ex.Type, &ex.Language, &payload, &ex.Status, &ex.Comments,
		&ex.AttemptCount, &ex.WeightedErrorCount, &recomputedAt, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
		return nil, err
	}
	if err := ex.UnmarshalPayloadFromJSON(payload); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "exercise %d has malformed payload: %v", ex.ID, err)
	}
	if recomputedAt.Valid {
		ex.StatsRecomputedAt = &recomputedAt.Time
	}
	return &ex, nil
}

// Create inserts a new exercise as ACTIVE and returns its id
func (r *ExerciseRepositoryImpl) Create(ctx context.Context, exercise *models.Exercise) (result0 int64, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "create_exercise",
		observability.AttributeExerciseType(exercise.Type),
		observability.AttributeLanguage(exercise.Language),
	)
	defer observability.FinishSpan(span, &err)

	payload, err := exercise.MarshalPayloadToJSON()
	if err != nil {
		return 0, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "failed to marshal exercise payload: %v", err)
	}

	exercise.Status = models.StatusActive
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO exercises (type, language, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, exercise.Type, exercise.Language, payload, exercise.Status).Scan(&exercise.ID, &exercise.CreatedAt, &exercise.UpdatedAt)
	if err != nil {
		return 0, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to insert exercise: %v", err)
	}

	span.SetAttributes(observability.AttributeExerciseID(exercise.ID))
	return exercise.ID, nil
}

// GetByID loads one exercise regardless of status
func (r *ExerciseRepositoryImpl) GetByID(ctx context.Context, id int64) (result0 *models.Exercise, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_exercise", observability.AttributeExerciseID(id))
	defer observability.FinishSpan(span, &err)

	ex, err := scanExercise(r.db.QueryRowContext(ctx, `SELECT `+exerciseColumns+` FROM exercises WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "exercise %d not found", id)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to load exercise %d: %v", id, err)
	}
	return ex, nil
}

// CountServable counts ACTIVE and REPUBLISHED exercises of one pool
func (r *ExerciseRepositoryImpl) CountServable(ctx context.Context, exerciseType models.ExerciseType, language string) (result0 int, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "count_servable_exercises",
		observability.AttributeExerciseType(exerciseType),
		observability.AttributeLanguage(language),
	)
	defer observability.FinishSpan(span, &err)

	var count int
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM exercises
		WHERE type = $1 AND language = $2 AND status = ANY($3)
	`, exerciseType, language, pq.Array(servableStatusNames())).Scan(&count)
	if err != nil {
		return 0, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to count %s/%s exercises: %v", exerciseType, language, err)
	}
	return count, nil
}

// ListQualityCandidates pages through servable exercises that have attempts since the
// given time, ordered by id
func (r *ExerciseRepositoryImpl) ListQualityCandidates(ctx context.Context, since time.Time, afterID int64, limit int) (result0 []models.Exercise, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_quality_candidates",
		observability.AttributeLimit(limit),
		attribute.Int64("exercise.after_id", afterID),
	)
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+exerciseColumns+` FROM exercises e
		WHERE e.status = ANY($1) AND e.id > $2
		  AND EXISTS (SELECT 1 FROM attempts a WHERE a.exercise_id = e.id AND a.created_at >= $3)
		ORDER BY e.id
		LIMIT $4
	`, pq.Array(servableStatusNames()), afterID, since, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to list quality candidates: %v", err)
	}
	return r.collect(ctx, rows)
}

// ListPendingReview returns the oldest PENDING_REVIEW exercises first
func (r *ExerciseRepositoryImpl) ListPendingReview(ctx context.Context, limit int) (result0 []models.Exercise, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_pending_review", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+exerciseColumns+` FROM exercises
		WHERE status = $1
		ORDER BY updated_at, id
		LIMIT $2
	`, models.StatusPendingReview, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to list pending review exercises: %v", err)
	}
	return r.collect(ctx, rows)
}

func (r *ExerciseRepositoryImpl) collect(ctx context.Context, rows *sql.Rows) ([]models.Exercise, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.Warn(ctx, "Failed to close exercise rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var exercises []models.Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to scan exercise: %v", err)
		}
		exercises = append(exercises, *ex)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to iterate exercises: %v", err)
	}
	return exercises, nil
}

// UpdateStatistics writes the decayed statistics without touching the status
func (r *ExerciseRepositoryImpl) UpdateStatistics(ctx context.Context, id int64, attemptCount int, weightedErrors float64, at time.Time) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "update_exercise_statistics",
		observability.AttributeExerciseID(id),
		attribute.Int("exercise.attempt_count", attemptCount),
		attribute.Float64("exercise.weighted_error_count", weightedErrors),
	)
	defer observability.FinishSpan(span, &err)

	_, err = r.db.ExecContext(ctx, `
		UPDATE exercises
		SET attempt_count = $2, weighted_error_count = $3, stats_recomputed_at = $4
		WHERE id = $1
	`, id, attemptCount, weightedErrors, at)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to update statistics of exercise %d: %v", id, err)
	}
	return nil
}

// TransitionStatus applies event to an exercise expected to be in status from. The
// update only lands if the row still holds from; otherwise ErrConflict is returned.
// A non-empty logLine is appended to the exercise comments in the same update.
func (r *ExerciseRepositoryImpl) TransitionStatus(ctx context.Context, id int64, from models.ExerciseStatus, event models.StatusEvent, logLine string) (result0 models.ExerciseStatus, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "transition_exercise_status",
		observability.AttributeExerciseID(id),
		observability.AttributeStatus(from),
		attribute.String("exercise.event", string(event)),
	)
	defer observability.FinishSpan(span, &err)

	to, err := models.NextStatus(from, event)
	if err != nil {
		return "", err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE exercises
		SET status = $3, comments = comments || $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, logLine)
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to move exercise %d to %s: %v", id, to, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to read rows affected: %v", err)
	}
	if affected == 0 {
		span.SetAttributes(attribute.Bool("exercise.cas_lost", true))
		return "", contextutils.WrapErrorf(contextutils.ErrConflict, "exercise %d is no longer %s", id, from)
	}

	return to, nil
}

func servableStatusNames() []string {
	names := make([]string, len(models.ServableStatuses))
	for i, s := range models.ServableStatuses {
		names[i] = string(s)
	}
	return names
}
