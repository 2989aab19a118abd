package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingocore/internal/models"
	contextutils "lingocore/internal/utils"
)

var exerciseRowColumns = []string{"id", "type", "language", "payload", "status", "comments", "attempt_count",
	"weighted_error_count", "stats_recomputed_at", "created_at", "updated_at"}

func TestExerciseRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewExerciseRepository(db, testLogger())

	now := time.Now()
	mock.ExpectQuery("INSERT INTO exercises").
		WithArgs(models.FillInBlank, "bg", `{"prompt":"Аз ___ студент.","correct_answers":["съм"]}`, models.StatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(41, now, now))

	ex := &models.Exercise{
		Type:     models.FillInBlank,
		Language: "bg",
		Status:   models.StatusArchived,
		Payload:  models.ExercisePayload{Prompt: "Аз ___ студент.", CorrectAnswers: []string{"съм"}},
	}
	id, err := repo.Create(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	assert.Equal(t, models.StatusActive, ex.Status)
}

func TestExerciseRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewExerciseRepository(db, testLogger())

	mock.ExpectQuery("SELECT id, type, language").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 9)
	assert.True(t, contextutils.IsNotFound(err))
}

func TestExerciseRepository_GetByIDDecodesPayload(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewExerciseRepository(db, testLogger())

	now := time.Now()
	mock.ExpectQuery("SELECT id, type, language").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(exerciseRowColumns).
			AddRow(3, "translate_sentence", "en", []byte(`{"prompt":"Translate","correct_answers":["hello"]}`),
				"REPUBLISHED", "", 12, 2.5, now, now, now))

	ex, err := repo.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, models.TranslateSentence, ex.Type)
	assert.Equal(t, models.StatusRepublished, ex.Status)
	assert.Equal(t, []string{"hello"}, ex.Payload.CorrectAnswers)
	require.NotNil(t, ex.StatsRecomputedAt)
}

func TestExerciseRepository_TransitionStatus(t *testing.T) {
	t.Run("applies the next status", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewExerciseRepository(db, testLogger())

		mock.ExpectExec("UPDATE exercises").
			WithArgs(int64(5), models.StatusPendingReview, models.StatusArchived, "log\n").
			WillReturnResult(sqlmock.NewResult(0, 1))

		to, err := repo.TransitionStatus(context.Background(), 5, models.StatusPendingReview, models.EventArchive, "log\n")
		require.NoError(t, err)
		assert.Equal(t, models.StatusArchived, to)
	})

	t.Run("lost compare-and-swap is a conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewExerciseRepository(db, testLogger())

		mock.ExpectExec("UPDATE exercises").
			WithArgs(int64(5), models.StatusActive, models.StatusPendingReview, "").
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := repo.TransitionStatus(context.Background(), 5, models.StatusActive, models.EventDemote, "")
		assert.True(t, contextutils.IsConflict(err))
	})

	t.Run("invalid transition never reaches the database", func(t *testing.T) {
		db, _ := newMockDB(t)
		repo := NewExerciseRepository(db, testLogger())

		_, err := repo.TransitionStatus(context.Background(), 5, models.StatusArchived, models.EventRepublish, "")
		assert.True(t, errors.Is(err, contextutils.ErrInvalidTransition))
	})
}

func TestExerciseRepository_CountServable(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewExerciseRepository(db, testLogger())

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(models.AccentChoice, "bg", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountServable(context.Background(), models.AccentChoice, "bg")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestExerciseRepository_ListPendingReviewRowsError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewExerciseRepository(db, testLogger())

	now := time.Now()
	rows := sqlmock.NewRows(exerciseRowColumns).
		AddRow(1, "fill_in_blank", "bg", []byte(`{}`), "PENDING_REVIEW", "", 0, 0.0, nil, now, now).
		RowError(0, errors.New("iteration failed"))
	mock.ExpectQuery("SELECT id, type, language").WithArgs(models.StatusPendingReview, 10).WillReturnRows(rows)

	_, err := repo.ListPendingReview(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to iterate exercises")
}

func TestJudgementRepository_InsertIfAbsentReturnsStoredRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJudgementRepository(db, testLogger())

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO judgements").
		WithArgs(int64(7), "съм", false, "wrong").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT exercise_id, answer, is_correct").
		WithArgs(int64(7), "съм").
		WillReturnRows(sqlmock.NewRows([]string{"exercise_id", "answer", "is_correct", "feedback", "created_at"}).
			AddRow(7, "съм", true, "first writer", created))

	stored, err := repo.InsertIfAbsent(context.Background(), &models.Judgement{ExerciseID: 7, Answer: "съм", IsCorrect: false, Feedback: "wrong"})
	require.NoError(t, err)
	assert.True(t, stored.IsCorrect)
	assert.Equal(t, "first writer", stored.Feedback)
}

func TestJudgementRepository_GetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJudgementRepository(db, testLogger())

	mock.ExpectQuery("SELECT exercise_id, answer, is_correct").
		WithArgs(int64(7), "x").
		WillReturnError(sql.ErrNoRows)

	j, err := repo.Get(context.Background(), 7, "x")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestAttemptRepository_AppendAssignsID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAttemptRepository(db, testLogger())

	mock.ExpectQuery("INSERT INTO attempts").
		WithArgs(sqlmock.AnyArg(), int64(7), int64(100), "съм", true, "").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	attempt := &models.Attempt{ExerciseID: 7, UserID: 100, Answer: "съм", IsCorrect: true}
	require.NoError(t, repo.Append(context.Background(), attempt))
	assert.Len(t, attempt.ID, 36)
	assert.False(t, attempt.CreatedAt.IsZero())
}

func TestAttemptRepository_OutcomesSince(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAttemptRepository(db, testLogger())

	since := time.Now().Add(-24 * time.Hour)
	t1 := since.Add(time.Hour)
	mock.ExpectQuery("SELECT is_correct, created_at FROM attempts").
		WithArgs(int64(7), since).
		WillReturnRows(sqlmock.NewRows([]string{"is_correct", "created_at"}).AddRow(true, t1).AddRow(false, t1))

	outcomes, err := repo.OutcomesSince(context.Background(), 7, since)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[1].IsCorrect)
}

func TestProfileRepository_ClaimLongBreakReminder(t *testing.T) {
	now := time.Now()
	claim := LongBreakClaim{
		UserID:         3,
		BotID:          "bg",
		Step:           2,
		ClaimedAt:      now,
		CooldownCutoff: now.Add(-47 * time.Hour),
	}

	t.Run("claimed", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewProfileRepository(db, testLogger())

		mock.ExpectExec("UPDATE user_bot_profiles").
			WithArgs(int64(3), "bg", now, 2, nil, claim.CooldownCutoff).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.ClaimLongBreakReminder(context.Background(), claim)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lost to another scheduler", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewProfileRepository(db, testLogger())

		mock.ExpectExec("UPDATE user_bot_profiles").WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.ClaimLongBreakReminder(context.Background(), claim)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestProfileRepository_ListSessionReadyKeyset(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProfileRepository(db, testLogger())

	until := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	since := until.Add(-24 * time.Hour)
	after := SessionCursor{FrozenUntil: until.Add(-3 * time.Hour), UserID: 2, BotID: "bg"}
	opened := until.Add(-2 * time.Hour)

	columns := []string{"user_id", "bot_id", "language_level", "exercises_per_session", "session_exercise_count",
		"session_frozen_until", "unlocked", "is_blocked", "wants_session_reminders", "current_streak",
		"last_activity_at", "last_session_reminder_at", "last_long_break_reminder_at",
		"last_long_break_reminder_step", "created_at", "updated_at"}
	mock.ExpectQuery(`\(session_frozen_until, user_id, bot_id\) > \(\$3, \$4, \$5\)`).
		WithArgs(since, until, after.FrozenUntil, int64(2), "bg", 50).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(3, "bg", "A2", 10, 10, opened, true, false, true, 2, opened, nil, nil, nil, since, since))

	profiles, err := repo.ListSessionReady(context.Background(), since, until, after, 50)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, int64(3), profiles[0].UserID)
	assert.True(t, opened.Equal(profiles[0].SessionFrozenUntil.Time))
}

func TestProfileRepository_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProfileRepository(db, testLogger())

	mock.ExpectQuery("SELECT user_id, bot_id").WithArgs(int64(1), "bg").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), 1, "bg")
	assert.True(t, contextutils.IsNotFound(err))
}

func TestProfileRepository_ListWeeklyReportCandidates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProfileRepository(db, testLogger())

	since := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectQuery("SELECT p.user_id, p.bot_id").
		WithArgs(since, 15).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "bot_id"}).AddRow(1, "bg").AddRow(2, "en"))

	profiles, err := repo.ListWeeklyReportCandidates(context.Background(), since, 15)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "en", profiles[1].BotID)
}

func TestReportRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReportRepository(db, testLogger())

	mock.ExpectQuery("INSERT INTO reports").
		WithArgs(sqlmock.AnyArg(), int64(1), "bg", models.ReportFull, models.ReportPending).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	report := &models.Report{UserID: 1, BotID: "bg", Kind: models.ReportFull}
	require.NoError(t, repo.Create(context.Background(), report))
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, models.ReportPending, report.Status)
}

func TestReportRepository_Transition(t *testing.T) {
	t.Run("conflict when status moved on", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReportRepository(db, testLogger())

		mock.ExpectExec("UPDATE reports SET status").
			WithArgs("r1", models.ReportPending, models.ReportGenerating, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Transition(context.Background(), "r1", models.ReportPending, models.ReportGenerating)
		assert.True(t, contextutils.IsConflict(err))
	})

	t.Run("rejects skipping generation", func(t *testing.T) {
		db, _ := newMockDB(t)
		repo := NewReportRepository(db, testLogger())

		err := repo.Transition(context.Background(), "r1", models.ReportPending, models.ReportSent)
		assert.True(t, errors.Is(err, contextutils.ErrInvalidTransition))
	})

	t.Run("sent stamps sent_at", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReportRepository(db, testLogger())

		mock.ExpectExec("UPDATE reports SET status").
			WithArgs("r1", models.ReportGenerated, models.ReportSent, sqlmock.AnyArg(), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Transition(context.Background(), "r1", models.ReportGenerated, models.ReportSent))
	})
}

func TestReportRepository_GetReadsClaim(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReportRepository(db, testLogger())

	claimedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, user_id, bot_id, kind, status").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "bot_id", "kind", "status", "content", "error",
			"created_at", "generated_at", "sent_at", "claimed_at"}).
			AddRow("r1", 7, "bg", "full", "GENERATING", nil, nil, claimedAt, nil, nil, claimedAt))

	rep, err := repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.ReportGenerating, rep.Status)
	require.True(t, rep.ClaimedAt.Valid)
	assert.True(t, claimedAt.Equal(rep.ClaimedAt.Time))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepository_Requeue(t *testing.T) {
	staleBefore := time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC)

	t.Run("stale claim goes back to pending", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReportRepository(db, testLogger())

		mock.ExpectExec("UPDATE reports SET status = \\$3, claimed_at = NULL").
			WithArgs("r1", models.ReportGenerating, models.ReportPending, staleBefore).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Requeue(context.Background(), "r1", staleBefore))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fresh claim is a conflict", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewReportRepository(db, testLogger())

		mock.ExpectExec("UPDATE reports SET status").
			WithArgs("r1", models.ReportGenerating, models.ReportPending, staleBefore).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.True(t, contextutils.IsConflict(repo.Requeue(context.Background(), "r1", staleBefore)))
	})
}

func TestReportRepository_ListStalled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReportRepository(db, testLogger())

	staleBefore := time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC)
	created := staleBefore.Add(-time.Hour)
	mock.ExpectQuery("FROM reports").
		WithArgs(models.ReportGenerating, models.ReportGenerated, staleBefore, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "bot_id", "kind", "status", "created_at", "generated_at", "claimed_at"}).
			AddRow("r1", 7, "bg", "full", "GENERATING", created, nil, created).
			AddRow("r2", 8, "ru", "weekly", "GENERATED", created, created, created))

	reports, err := repo.ListStalled(context.Background(), staleBefore, 20)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, models.ReportGenerating, reports[0].Status)
	assert.Equal(t, models.ReportGenerated, reports[1].Status)
	assert.True(t, reports[1].GeneratedAt.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepository_CompleteGeneration(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReportRepository(db, testLogger())

	mock.ExpectExec("UPDATE reports SET status").
		WithArgs("r1", models.ReportGenerating, models.ReportGenerated, "You did great").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CompleteGeneration(context.Background(), "r1", "You did great"))
}
