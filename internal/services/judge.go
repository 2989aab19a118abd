package services

import (
	"context"

	"lingocore/internal/models"
	"lingocore/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// AnswerVerdict is the judge's decision on one answer
type AnswerVerdict struct {
	IsCorrect bool   `json:"is_correct"`
	Feedback  string `json:"feedback"`
}

// QualityAssessment is the judge's decision on a flagged exercise
type QualityAssessment struct {
	Verdict models.QualityVerdict `json:"verdict"`
	Reason  string                `json:"reason"`
}

// ReportRequest is the input of a progress report
type ReportRequest struct {
	Kind     models.ReportKind
	Language string
	Level    string
	Attempts []models.Attempt
}

// AnswerJudge decides whether a canonical answer to an exercise is correct
type AnswerJudge interface {
	JudgeAnswer(ctx context.Context, exercise *models.Exercise, answer string) (*AnswerVerdict, error)
}

// QualityJudge decides what happens to an exercise learners keep failing
type QualityJudge interface {
	JudgeQuality(ctx context.Context, exercise *models.Exercise, failures []models.Attempt) (*QualityAssessment, error)
}

// ReportWriter writes report text over a learner's attempts
type ReportWriter interface {
	WriteReport(ctx context.Context, req ReportRequest) (string, error)
}

// ExerciseWriter produces exercise payloads for a type and language
type ExerciseWriter interface {
	GenerateExercises(ctx context.Context, exerciseType models.ExerciseType, language, level string, n int) ([]models.ExercisePayload, error)
}

// RoutingJudge judges option-based exercises whose answer is one of a closed set locally and
// sends everything else to the remote judge. Stress placement is something LLMs get wrong,
// so accent_choice never leaves the process.
type RoutingJudge struct {
	remote AnswerJudge
	canon  *Canonicalizer
	local  map[models.ExerciseType]bool
}

var _ AnswerJudge = (*RoutingJudge)(nil)

// NewRoutingJudge creates a judge that handles accent_choice locally
func NewRoutingJudge(remote AnswerJudge, canon *Canonicalizer) *RoutingJudge {
	return &RoutingJudge{
		remote: remote,
		canon:  canon,
		local:  map[models.ExerciseType]bool{models.AccentChoice: true},
	}
}

// JudgeAnswer compares against the reference answers for local types and delegates otherwise
func (j *RoutingJudge) JudgeAnswer(ctx context.Context, exercise *models.Exercise, answer string) (result0 *AnswerVerdict, err error) {
	if !j.local[exercise.Type] || !exercise.Payload.HasReferenceAnswer() {
		return j.remote.JudgeAnswer(ctx, exercise, answer)
	}

	_, span := observability.TraceValidatorFunction(ctx, "judge_locally",
		observability.AttributeExerciseID(exercise.ID),
		observability.AttributeExerciseType(exercise.Type),
	)
	defer observability.FinishSpan(span, &err)

	for _, ref := range exercise.Payload.CorrectAnswers {
		if j.canon.Canonicalize(exercise.Language, ref) == answer {
			span.SetAttributes(attribute.Bool("judge.correct", true))
			return &AnswerVerdict{IsCorrect: true, Feedback: exercise.Payload.Explanation}, nil
		}
	}

	span.SetAttributes(attribute.Bool("judge.correct", false))
	feedback := "Correct answer: " + exercise.Payload.CorrectAnswers[0]
	if exercise.Payload.Explanation != "" {
		feedback += ". " + exercise.Payload.Explanation
	}
	return &AnswerVerdict{IsCorrect: false, Feedback: feedback}, nil
}
