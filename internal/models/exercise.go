// Package models defines data structures used throughout the lingocore engine.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	contextutils "lingocore/internal/utils"
)

// ExerciseType represents the kind of practice exercise
type ExerciseType string

// Exercise types supported by the engine
const (
	// FillInBlank asks the learner to complete a sentence
	FillInBlank ExerciseType = "fill_in_blank"
	// ChooseSentence asks the learner to pick the correct sentence out of several
	ChooseSentence ExerciseType = "choose_sentence"
	// StoryComprehension asks questions about a short story that ships with audio
	StoryComprehension ExerciseType = "story_comprehension"
	// AccentChoice asks the learner to pick the correctly stressed spelling of a word
	AccentChoice ExerciseType = "accent_choice"
	// TranslateSentence asks the learner to translate a sentence
	TranslateSentence ExerciseType = "translate_sentence"
)

// AllExerciseTypes lists every known exercise type
var AllExerciseTypes = []ExerciseType{FillInBlank, ChooseSentence, StoryComprehension, AccentChoice, TranslateSentence}

// ParseExerciseType validates a raw type name
func ParseExerciseType(s string) (ExerciseType, error) {
	for _, t := range AllExerciseTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown exercise type %q", s)
}

// NeedsAudio reports whether exercises of this type carry synthesized audio
func (t ExerciseType) NeedsAudio() bool {
	return t == StoryComprehension
}

// ExerciseStatus represents the lifecycle state of an exercise
type ExerciseStatus string

const (
	// StatusActive is a freshly generated exercise served to learners
	StatusActive ExerciseStatus = "ACTIVE"
	// StatusPendingReview is an exercise pulled out of rotation because of a high error rate
	StatusPendingReview ExerciseStatus = "PENDING_REVIEW"
	// StatusRepublished is an exercise that passed review and is served again
	StatusRepublished ExerciseStatus = "REPUBLISHED"
	// StatusArchived is terminal; the exercise is never served again
	StatusArchived ExerciseStatus = "ARCHIVED"
	// StatusAdminReview is terminal for the engine; a human decides
	StatusAdminReview ExerciseStatus = "ADMIN_REVIEW"
)

// ServableStatuses are the statuses learners may be given
var ServableStatuses = []ExerciseStatus{StatusActive, StatusRepublished}

// Servable reports whether exercises in this status may be handed to learners
func (s ExerciseStatus) Servable() bool {
	return s == StatusActive || s == StatusRepublished
}

// StatusEvent names an action that moves an exercise between statuses
type StatusEvent string

const (
	// EventDemote pulls a servable exercise into review
	EventDemote StatusEvent = "demote"
	// EventRepublish returns a reviewed exercise to rotation
	EventRepublish StatusEvent = "republish"
	// EventArchive retires a reviewed exercise
	EventArchive StatusEvent = "archive"
	// EventEscalate hands a reviewed exercise to an administrator
	EventEscalate StatusEvent = "escalate"
)

var statusTransitions = map[ExerciseStatus]map[StatusEvent]ExerciseStatus{
	StatusActive: {
		EventDemote: StatusPendingReview,
	},
	StatusRepublished: {
		EventDemote: StatusPendingReview,
	},
	StatusPendingReview: {
		EventRepublish: StatusRepublished,
		EventArchive:   StatusArchived,
		EventEscalate:  StatusAdminReview,
	},
}

// NextStatus is the single transition table for exercise statuses.
// ARCHIVED and ADMIN_REVIEW have no outgoing edges.
func NextStatus(from ExerciseStatus, event StatusEvent) (ExerciseStatus, error) {
	if to, ok := statusTransitions[from][event]; ok {
		return to, nil
	}
	return "", contextutils.WrapErrorf(contextutils.ErrInvalidTransition, "%s cannot %s", from, event)
}

// Exercise is a single practice item. Exercises are never deleted.
type Exercise struct {
	ID                 int64           `json:"id"`
	Type               ExerciseType    `json:"type"`
	Language           string          `json:"language"`
	Payload            ExercisePayload `json:"payload"`
	Status             ExerciseStatus  `json:"status"`
	Comments           string          `json:"comments,omitempty"`
	AttemptCount       int             `json:"attempt_count"`
	WeightedErrorCount float64         `json:"weighted_error_count"`
	StatsRecomputedAt  *time.Time      `json:"stats_recomputed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ExercisePayload is the type-specific body of an exercise, stored as JSON
type ExercisePayload struct {
	Prompt         string   `json:"prompt"`
	Text           string   `json:"text,omitempty"`
	Options        []string `json:"options,omitempty"`
	CorrectAnswers []string `json:"correct_answers,omitempty"`
	Explanation    string   `json:"explanation,omitempty"`
	Topic          string   `json:"topic,omitempty"`
	Level          string   `json:"level,omitempty"`
	AudioRef       string   `json:"audio_ref,omitempty"`
}

// HasReferenceAnswer reports whether at least one non-blank correct answer is present
func (p ExercisePayload) HasReferenceAnswer() bool {
	for _, a := range p.CorrectAnswers {
		if strings.TrimSpace(a) != "" {
			return true
		}
	}
	return false
}

// MarshalPayloadToJSON serializes the payload for the exercises.payload column
func (e *Exercise) MarshalPayloadToJSON() (string, error) {
	data, err := json.Marshal(e.Payload)
	return string(data), err
}

// UnmarshalPayloadFromJSON deserializes the exercises.payload column
func (e *Exercise) UnmarshalPayloadFromJSON(data []byte) error {
	if len(data) == 0 {
		e.Payload = ExercisePayload{}
		return nil
	}
	return json.Unmarshal(data, &e.Payload)
}

// ReviewLogLine formats one entry of the review log kept in Exercise.Comments
func ReviewLogLine(verdict QualityVerdict, reason string, at time.Time) string {
	reason = strings.Join(strings.Fields(reason), " ")
	return fmt.Sprintf("[%s] review verdict=%s reason=%s\n", at.UTC().Format(time.RFC3339), verdict, reason)
}

// QualityVerdict is the outcome of an LLM quality review
type QualityVerdict string

const (
	// VerdictRepublish puts the exercise back into rotation
	VerdictRepublish QualityVerdict = "REPUBLISH"
	// VerdictArchive retires the exercise
	VerdictArchive QualityVerdict = "ARCHIVE"
	// VerdictEscalate hands the exercise to a human
	VerdictEscalate QualityVerdict = "ESCALATE"
)

// Event maps a verdict onto the status event it triggers
func (v QualityVerdict) Event() (StatusEvent, error) {
	switch v {
	case VerdictRepublish:
		return EventRepublish, nil
	case VerdictArchive:
		return EventArchive, nil
	case VerdictEscalate:
		return EventEscalate, nil
	default:
		return "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown verdict %q", string(v))
	}
}

// ParseQualityVerdict normalizes a verdict returned by the judge
func ParseQualityVerdict(s string) QualityVerdict {
	return QualityVerdict(strings.ToUpper(strings.TrimSpace(s)))
}
