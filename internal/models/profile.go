package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UserBotProfile is a learner's progress with one bot. (UserID, BotID) is unique.
type UserBotProfile struct {
	UserID                    int64         `json:"user_id" db:"user_id"`
	BotID                     string        `json:"bot_id" db:"bot_id"`
	LanguageLevel             string        `json:"language_level" db:"language_level"`
	ExercisesPerSession       int           `json:"exercises_per_session" db:"exercises_per_session"`
	SessionExerciseCount      int           `json:"session_exercise_count" db:"session_exercise_count"`
	SessionFrozenUntil        sql.NullTime  `json:"session_frozen_until" db:"session_frozen_until"`
	Unlocked                  bool          `json:"unlocked" db:"unlocked"`
	IsBlocked                 bool          `json:"is_blocked" db:"is_blocked"`
	WantsSessionReminders     bool          `json:"wants_session_reminders" db:"wants_session_reminders"`
	CurrentStreak             int           `json:"current_streak" db:"current_streak"`
	LastActivityAt            sql.NullTime  `json:"last_activity_at" db:"last_activity_at"`
	LastSessionReminderAt     sql.NullTime  `json:"last_session_reminder_at" db:"last_session_reminder_at"`
	LastLongBreakReminderAt   sql.NullTime  `json:"last_long_break_reminder_at" db:"last_long_break_reminder_at"`
	LastLongBreakReminderStep sql.NullInt32 `json:"last_long_break_reminder_step" db:"last_long_break_reminder_step"`
	CreatedAt                 time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time     `json:"updated_at" db:"updated_at"`
}

// LongBreakStep returns the index of the last long-break reminder sent during the current
// inactivity streak, or -1. Activity after the reminder restarts the ladder.
func (p UserBotProfile) LongBreakStep() int {
	if !p.LastLongBreakReminderStep.Valid || !p.LastLongBreakReminderAt.Valid {
		return -1
	}
	if p.LastActivityAt.Valid && p.LastActivityAt.Time.After(p.LastLongBreakReminderAt.Time) {
		return -1
	}
	return int(p.LastLongBreakReminderStep.Int32)
}

// MarshalJSON customizes JSON marshaling for UserBotProfile to handle the sql.Null fields
func (p UserBotProfile) MarshalJSON() (result0 []byte, err error) {
	return json.Marshal(&struct {
		UserID                    int64      `json:"user_id"`
		BotID                     string     `json:"bot_id"`
		LanguageLevel             string     `json:"language_level"`
		ExercisesPerSession       int        `json:"exercises_per_session"`
		SessionExerciseCount      int        `json:"session_exercise_count"`
		SessionFrozenUntil        *time.Time `json:"session_frozen_until"`
		Unlocked                  bool       `json:"unlocked"`
		IsBlocked                 bool       `json:"is_blocked"`
		WantsSessionReminders     bool       `json:"wants_session_reminders"`
		CurrentStreak             int        `json:"current_streak"`
		LastActivityAt            *time.Time `json:"last_activity_at"`
		LastSessionReminderAt     *time.Time `json:"last_session_reminder_at"`
		LastLongBreakReminderAt   *time.Time `json:"last_long_break_reminder_at"`
		LastLongBreakReminderStep *int32     `json:"last_long_break_reminder_step"`
		CreatedAt                 time.Time  `json:"created_at"`
		UpdatedAt                 time.Time  `json:"updated_at"`
	}{
		UserID:                    p.UserID,
		BotID:                     p.BotID,
		LanguageLevel:             p.LanguageLevel,
		ExercisesPerSession:       p.ExercisesPerSession,
		SessionExerciseCount:      p.SessionExerciseCount,
		SessionFrozenUntil:        nullTimeToPointer(p.SessionFrozenUntil),
		Unlocked:                  p.Unlocked,
		IsBlocked:                 p.IsBlocked,
		WantsSessionReminders:     p.WantsSessionReminders,
		CurrentStreak:             p.CurrentStreak,
		LastActivityAt:            nullTimeToPointer(p.LastActivityAt),
		LastSessionReminderAt:     nullTimeToPointer(p.LastSessionReminderAt),
		LastLongBreakReminderAt:   nullTimeToPointer(p.LastLongBreakReminderAt),
		LastLongBreakReminderStep: nullInt32ToPointer(p.LastLongBreakReminderStep),
		CreatedAt:                 p.CreatedAt,
		UpdatedAt:                 p.UpdatedAt,
	})
}

func nullTimeToPointer(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func nullInt32ToPointer(ni sql.NullInt32) *int32 {
	if ni.Valid {
		return &ni.Int32
	}
	return nil
}
