package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// ProfileRepository reads learner/bot profiles and stamps reminder columns.
// Claim* methods are conditional updates: false means another scheduler won.
type ProfileRepository interface {
	Get(ctx context.Context, userID int64, botID string) (*models.UserBotProfile, error)
	ListSessionReady(ctx context.Context, since, until time.Time, after SessionCursor, limit int) ([]models.UserBotProfile, error)
	ListInactive(ctx context.Context, inactiveSince time.Time, after ProfileCursor, limit int) ([]models.UserBotProfile, error)
	ListWeeklyReportCandidates(ctx context.Context, since time.Time, minAttempts int) ([]models.UserBotProfile, error)

	ClaimSessionReminder(ctx context.Context, userID int64, botID string, now time.Time) (bool, error)
	ReleaseSessionReminder(ctx context.Context, userID int64, botID string, claimedAt time.Time, previous sql.NullTime) error
	ClaimLongBreakReminder(ctx context.Context, claim LongBreakClaim) (bool, error)
	ReleaseLongBreakReminder(ctx context.Context, claim LongBreakClaim) error
}

// ProfileCursor is a keyset position over (user_id, bot_id)
type ProfileCursor struct {
	UserID int64
	BotID  string
}

// SessionCursor is a keyset position over (session_frozen_until, user_id, bot_id).
// The zero value starts at the beginning.
type SessionCursor struct {
	FrozenUntil time.Time
	UserID      int64
	BotID       string
}

// LongBreakClaim describes a long-break stamp and the values it replaces
type LongBreakClaim struct {
	UserID         int64
	BotID          string
	Step           int
	ClaimedAt      time.Time
	CooldownCutoff time.Time
	PreviousAt     sql.NullTime
	PreviousStep   sql.NullInt32
}

// ProfileRepositoryImpl implements ProfileRepository on postgres
type ProfileRepositoryImpl struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ ProfileRepository = (*ProfileRepositoryImpl)(nil)

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *sql.DB, logger *observability.Logger) *ProfileRepositoryImpl {
	return &ProfileRepositoryImpl{db: db, logger: logger}
}

const profileColumns = `user_id, bot_id, language_level, exercises_per_session, session_exercise_count,
	session_frozen_until, unlocked, is_blocked, wants_session_reminders, current_streak,
	last_activity_at, last_session_reminder_at, last_long_break_reminder_at,
	last_long_break_reminder_step, created_at, updated_at`

func scanProfile(row rowScanner) (*models.UserBotProfile, error) {
	var p models.UserBotProfile
	err := row.Scan(&p.UserID, &p.BotID, &p.LanguageLevel, &p.ExercisesPerSession, &p.SessionExerciseCount,
		&p.SessionFrozenUntil, &p.Unlocked, &p.IsBlocked, &p.WantsSessionReminders, &p.CurrentStreak,
		&p.LastActivityAt, &p.LastSessionReminderAt, &p.LastLongBreakReminderAt,
		&p.LastLongBreakReminderStep, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Get loads one profile
func (r *ProfileRepositoryImpl) Get(ctx context.Context, userID int64, botID string) (result0 *models.UserBotProfile, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_profile",
		observability.AttributeUserID(userID),
		attribute.String("bot.id", botID),
	)
	defer observability.FinishSpan(span, &err)

	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_bot_profiles WHERE user_id = $1 AND bot_id = $2`, userID, botID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "profile %d/%s not found", userID, botID)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to load profile %d/%s: %v", userID, botID, err)
	}
	return p, nil
}

// ListSessionReady pages through profiles whose frozen session opened inside [since, until]
// and were not yet told about it
func (r *ProfileRepositoryImpl) ListSessionReady(ctx context.Context, since, until time.Time, after SessionCursor, limit int) (result0 []models.UserBotProfile, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_session_ready_profiles", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM user_bot_profiles
		WHERE session_frozen_until >= $1 AND session_frozen_until <= $2
		  AND (session_frozen_until, user_id, bot_id) > ($3, $4, $5)
		  AND wants_session_reminders AND NOT is_blocked
		  AND (last_session_reminder_at IS NULL OR last_session_reminder_at < session_frozen_until)
		ORDER BY session_frozen_until, user_id, bot_id
		LIMIT $6
	`, since, until, after.FrozenUntil, after.UserID, after.BotID, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to list session-ready profiles: %v", err)
	}
	return r.collect(ctx, rows)
}

// ListInactive pages through profiles with no activity since inactiveSince
func (r *ProfileRepositoryImpl) ListInactive(ctx context.Context, inactiveSince time.Time, after ProfileCursor, limit int) (result0 []models.UserBotProfile, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_inactive_profiles", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM user_bot_profiles
		WHERE last_activity_at <= $1 AND NOT is_blocked
		  AND (user_id, bot_id) > ($2, $3)
		ORDER BY user_id, bot_id
		LIMIT $4
	`, inactiveSince, after.UserID, after.BotID, limit)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to list inactive profiles: %v", err)
	}
	return r.collect(ctx, rows)
}

// ListWeeklyReportCandidates returns profiles whose user made at least minAttempts
// attempts since the given time
func (r *ProfileRepositoryImpl) ListWeeklyReportCandidates(ctx context.Context, since time.Time, minAttempts int) (result0 []models.UserBotProfile, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_weekly_report_candidates",
		attribute.Int("report.min_attempts", minAttempts),
	)
	defer observability.FinishSpan(span, &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT p.user_id, p.bot_id
		FROM user_bot_profiles p
		JOIN attempts a ON a.user_id = p.user_id AND a.created_at >= $1
		WHERE NOT p.is_blocked
		GROUP BY p.user_id, p.bot_id
		HAVING COUNT(a.id) >= $2
		ORDER BY p.user_id, p.bot_id
	`, since, minAttempts)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to list weekly report candidates: %v", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.Warn(ctx, "Failed to close profile rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var profiles []models.UserBotProfile
	for rows.Next() {
		var p models.UserBotProfile
		if err := rows.Scan(&p.UserID, &p.BotID); err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to scan report candidate: %v", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to iterate report candidates: %v", err)
	}
	return profiles, nil
}

func (r *ProfileRepositoryImpl) collect(ctx context.Context, rows *sql.Rows) ([]models.UserBotProfile, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.Warn(ctx, "Failed to close profile rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var profiles []models.UserBotProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to scan profile: %v", err)
		}
		profiles = append(profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to iterate profiles: %v", err)
	}
	return profiles, nil
}

// ClaimSessionReminder stamps last_session_reminder_at unless the current session was already announced
func (r *ProfileRepositoryImpl) ClaimSessionReminder(ctx context.Context, userID int64, botID string, now time.Time) (result0 bool, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "claim_session_reminder", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	res, err := r.db.ExecContext(ctx, `
		UPDATE user_bot_profiles
		SET last_session_reminder_at = $3, updated_at = NOW()
		WHERE user_id = $1 AND bot_id = $2
		  AND session_frozen_until IS NOT NULL
		  AND (last_session_reminder_at IS NULL OR last_session_reminder_at < session_frozen_until)
	`, userID, botID, now)
	if err != nil {
		return false, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to stamp session reminder: %v", err)
	}
	return claimed(res)
}

// ReleaseSessionReminder restores the previous stamp if ours is still in place
func (r *ProfileRepositoryImpl) ReleaseSessionReminder(ctx context.Context, userID int64, botID string, claimedAt time.Time, previous sql.NullTime) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "release_session_reminder", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	_, err = r.db.ExecContext(ctx, `
		UPDATE user_bot_profiles
		SET last_session_reminder_at = $4, updated_at = NOW()
		WHERE user_id = $1 AND bot_id = $2 AND last_session_reminder_at = $3
	`, userID, botID, claimedAt, previous)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to release session reminder: %v", err)
	}
	return nil
}

// ClaimLongBreakReminder stamps a long-break step. It only lands when the stamp still
// holds the value the caller read and that value is older than the cooldown cutoff.
func (r *ProfileRepositoryImpl) ClaimLongBreakReminder(ctx context.Context, claim LongBreakClaim) (result0 bool, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "claim_long_break_reminder",
		observability.AttributeUserID(claim.UserID),
		attribute.Int("reminder.step", claim.Step),
	)
	defer observability.FinishSpan(span, &err)

	res, err := r.db.ExecContext(ctx, `
		UPDATE user_bot_profiles
		SET last_long_break_reminder_at = $3, last_long_break_reminder_step = $4, updated_at = NOW()
		WHERE user_id = $1 AND bot_id = $2
		  AND last_long_break_reminder_at IS NOT DISTINCT FROM $5
		  AND (last_long_break_reminder_at IS NULL OR last_long_break_reminder_at <= $6)
	`, claim.UserID, claim.BotID, claim.ClaimedAt, claim.Step, claim.PreviousAt, claim.CooldownCutoff)
	if err != nil {
		return false, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to stamp long break reminder: %v", err)
	}
	return claimed(res)
}

// ReleaseLongBreakReminder restores the previous stamp if ours is still in place
func (r *ProfileRepositoryImpl) ReleaseLongBreakReminder(ctx context.Context, claim LongBreakClaim) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "release_long_break_reminder", observability.AttributeUserID(claim.UserID))
	defer observability.FinishSpan(span, &err)

	_, err = r.db.ExecContext(ctx, `
		UPDATE user_bot_profiles
		SET last_long_break_reminder_at = $4, last_long_break_reminder_step = $5, updated_at = NOW()
		WHERE user_id = $1 AND bot_id = $2 AND last_long_break_reminder_at = $3
	`, claim.UserID, claim.BotID, claim.ClaimedAt, claim.PreviousAt, claim.PreviousStep)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to release long break reminder: %v", err)
	}
	return nil
}

func claimed(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to read rows affected: %v", err)
	}
	return affected > 0, nil
}
