package services

import (
	"embed"
	"strings"
	"text/template"

	"lingocore/internal/models"
	contextutils "lingocore/internal/utils"
)

//go:embed templates/*.tmpl
var llmTemplatesFS embed.FS

// Template names as constants
const (
	JudgeAnswerTemplate       = "judge_answer.tmpl"
	JudgeQualityTemplate      = "judge_quality.tmpl"
	GenerateExercisesTemplate = "generate_exercises.tmpl"
	ReportTemplate            = "report.tmpl"
)

// PromptData holds data for rendering LLM prompt templates
type PromptData struct {
	// Exercise fields
	Language       string
	Level          string
	Topic          string
	ExerciseType   string
	Prompt         string
	Text           string
	Options        []string
	CorrectAnswers []string

	// Judging
	Answer   string
	Failures []models.Attempt

	// Generation
	Count int

	// Reports
	ReportKind   string
	AttemptCount int
	CorrectCount int
	Attempts     []models.Attempt

	// SchemaForPrompt is inlined for providers that do not take a grammar field
	SchemaForPrompt string
}

// exercisePromptData fills the exercise fields of PromptData
func exercisePromptData(ex *models.Exercise) PromptData {
	return PromptData{
		Language:       ex.Language,
		Level:          ex.Payload.Level,
		Topic:          ex.Payload.Topic,
		ExerciseType:   string(ex.Type),
		Prompt:         ex.Payload.Prompt,
		Text:           ex.Payload.Text,
		Options:        ex.Payload.Options,
		CorrectAnswers: ex.Payload.CorrectAnswers,
	}
}

// PromptTemplates renders the embedded prompt templates
type PromptTemplates struct {
	templates *template.Template
}

// NewPromptTemplates parses the embedded templates
func NewPromptTemplates() (result0 *PromptTemplates, err error) {
	templates, err := template.New("").ParseFS(llmTemplatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to parse prompt templates: %v", err)
	}
	return &PromptTemplates{templates: templates}, nil
}

// Render renders a template with the given data
func (pt *PromptTemplates) Render(name string, data PromptData) (result0 string, err error) {
	var buf strings.Builder
	if err := pt.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to render %s: %v", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
