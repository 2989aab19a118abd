package models

import "time"

// Judgement is the verdict on one canonical answer to one exercise. Once stored it is never
// overwritten.
type Judgement struct {
	ExerciseID int64     `json:"exercise_id"`
	Answer     string    `json:"answer"`
	IsCorrect  bool      `json:"is_correct"`
	Feedback   string    `json:"feedback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JudgementSource records which layer answered a validation
type JudgementSource string

const (
	// SourceCache means the judgement came from the key-value cache
	SourceCache JudgementSource = "cache"
	// SourceStore means the judgement came from the durable store
	SourceStore JudgementSource = "store"
	// SourceJudge means the external judge was called
	SourceJudge JudgementSource = "judge"
)

// Attempt is one learner answer. Attempts are append-only and outlive the archival of
// their exercise.
type Attempt struct {
	ID         string    `json:"id"`
	ExerciseID int64     `json:"exercise_id"`
	UserID     int64     `json:"user_id"`
	Answer     string    `json:"answer"`
	IsCorrect  bool      `json:"is_correct"`
	Feedback   string    `json:"feedback,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AttemptOutcome is the slice of an attempt the quality monitor needs
type AttemptOutcome struct {
	IsCorrect bool
	CreatedAt time.Time
}
