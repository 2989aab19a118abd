package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// StockPairResult is the outcome of one (type, language) pool in a refill cycle
type StockPairResult struct {
	Type         models.ExerciseType `json:"type"`
	Language     string              `json:"language"`
	Before       int                 `json:"before"`
	Requested    int                 `json:"requested"`
	Generated    int                 `json:"generated"`
	Rejected     int                 `json:"rejected"`
	WithoutAudio int                 `json:"without_audio"`
	Short        bool                `json:"short"`
	Error        string              `json:"error,omitempty"`
}

// StockReport summarizes a refill cycle
type StockReport struct {
	Pairs []StockPairResult `json:"pairs"`
}

// Generated sums the exercises published across pairs
func (r StockReport) Generated() int {
	total := 0
	for _, p := range r.Pairs {
		total += p.Generated
	}
	return total
}

// StockManager keeps every tracked (type, language) pool at or above the floor
type StockManager struct {
	exercises  ExerciseRepository
	generators map[models.ExerciseType]ExerciseGenerator
	speech     SpeechSynthesizer
	audio      AudioStore
	metrics    observability.MetricsRecorder
	logger     *observability.Logger
	cfg        config.StockConfig
}

// NewStockManager creates a stock manager. speech and audio may be nil, in which case
// audio exercises are published without audio.
func NewStockManager(
	exercises ExerciseRepository,
	generators map[models.ExerciseType]ExerciseGenerator,
	speech SpeechSynthesizer,
	audio AudioStore,
	metrics observability.MetricsRecorder,
	cfg config.StockConfig,
	logger *observability.Logger,
) *StockManager {
	return &StockManager{
		exercises:  exercises,
		generators: generators,
		speech:     speech,
		audio:      audio,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

type stockPair struct {
	exerciseType models.ExerciseType
	language     string
}

// pairs expands the configured targets. accent_choice is kept only for languages that have
// a dictionary source.
func (m *StockManager) pairs(ctx context.Context) []stockPair {
	var out []stockPair
	for _, target := range m.cfg.Targets {
		t, err := models.ParseExerciseType(target.Type)
		if err != nil {
			m.logger.Warn(ctx, "Skipping unknown stock target type", map[string]interface{}{"type": target.Type})
			continue
		}
		for _, lang := range target.Languages {
			if t == models.AccentChoice && !slices.Contains(m.cfg.AccentLanguages, lang) {
				m.logger.Warn(ctx, "No accent source for language, skipping", map[string]interface{}{"language": lang})
				continue
			}
			out = append(out, stockPair{exerciseType: t, language: lang})
		}
	}
	return out
}

// RunCycle tops up every pool. A failing pair is logged and recorded; the cycle continues.
func (m *StockManager) RunCycle(ctx context.Context) (result0 StockReport, err error) {
	ctx, span := observability.TraceStockFunction(ctx, "run_cycle")
	defer observability.FinishSpan(span, &err)

	pairs := m.pairs(ctx)
	results := make([]StockPairResult, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			results[i] = m.refill(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	report := StockReport{Pairs: results}
	span.SetAttributes(
		attribute.Int("stock.pairs", len(pairs)),
		attribute.Int("stock.generated", report.Generated()),
	)
	if err := ctx.Err(); err != nil {
		return report, contextutils.WrapErrorf(contextutils.ErrTimeout, "stock cycle interrupted: %v", err)
	}
	return report, nil
}

func (m *StockManager) refill(ctx context.Context, p stockPair) StockPairResult {
	res := StockPairResult{Type: p.exerciseType, Language: p.language}

	count, err := m.exercises.CountServable(ctx, p.exerciseType, p.language)
	if err != nil {
		res.Error = err.Error()
		m.logger.Error(ctx, "Failed to count servable exercises", err, stockFields(p))
		return res
	}
	res.Before = count
	m.metrics.StockLevel(ctx, string(p.exerciseType), p.language, count)

	if count >= m.cfg.Floor {
		return res
	}
	res.Requested = min(m.cfg.Floor-count, m.cfg.MaxPerCycle)

	gen, ok := m.generators[p.exerciseType]
	if !ok {
		res.Short = true
		res.Error = fmt.Sprintf("no generator for %s", p.exerciseType)
		m.logger.Warn(ctx, "No generator registered", stockFields(p))
		return res
	}

	generated, err := gen.Generate(ctx, p.language, res.Requested)
	if err != nil {
		res.Error = err.Error()
		m.logger.Error(ctx, "Exercise generation failed", err, stockFields(p))
	}
	if len(generated) > res.Requested {
		generated = generated[:res.Requested]
	}

	for _, ex := range generated {
		ex.Type = p.exerciseType
		ex.Language = p.language
		if reason := rejectReason(ex); reason != "" {
			res.Rejected++
			m.logger.Warn(ctx, "Rejected generated exercise", mergeStockFields(p, map[string]interface{}{"reason": reason}))
			continue
		}
		if p.exerciseType.NeedsAudio() && !m.attachAudio(ctx, ex) {
			res.WithoutAudio++
		}
		if _, err := m.exercises.Create(ctx, ex); err != nil {
			res.Error = err.Error()
			m.logger.Error(ctx, "Failed to store generated exercise", err, stockFields(p))
			continue
		}
		res.Generated++
	}

	if res.Generated > 0 {
		m.metrics.ExercisesGenerated(ctx, string(p.exerciseType), p.language, res.Generated)
	}
	if res.Rejected > 0 {
		m.metrics.ExercisesRejected(ctx, string(p.exerciseType), p.language, res.Rejected)
	}
	res.Short = count+res.Generated < m.cfg.Floor
	m.metrics.StockLevel(ctx, string(p.exerciseType), p.language, count+res.Generated)
	return res
}

// attachAudio synthesizes and stores the exercise text. On failure the exercise is
// published without audio.
func (m *StockManager) attachAudio(ctx context.Context, ex *models.Exercise) bool {
	if m.speech == nil || m.audio == nil {
		m.metrics.SynthesisFailed(ctx, string(ex.Type))
		return false
	}
	text := ex.Payload.Text
	if text == "" {
		text = ex.Payload.Prompt
	}

	audio, err := m.speech.Synthesize(ctx, text, ex.Language)
	if err == nil {
		name := fmt.Sprintf("%s/%s/%s.%s", ex.Type, ex.Language, uuid.NewString(), m.speech.Format())
		var ref string
		ref, err = m.audio.Store(ctx, name, audio, audioContentType(m.speech.Format()))
		if err == nil {
			ex.Payload.AudioRef = ref
			return true
		}
	}

	m.metrics.SynthesisFailed(ctx, string(ex.Type))
	m.logger.Warn(ctx, "Publishing exercise without audio", map[string]interface{}{
		"exercise_type": string(ex.Type),
		"language":      ex.Language,
		"error":         err.Error(),
	})
	return false
}

// rejectReason returns why a generated exercise cannot be published, or ""
func rejectReason(ex *models.Exercise) string {
	p := ex.Payload
	if strings.TrimSpace(p.Prompt) == "" {
		return "empty prompt"
	}
	if !p.HasReferenceAnswer() {
		return "no correct answer"
	}
	switch ex.Type {
	case models.ChooseSentence, models.AccentChoice, models.StoryComprehension:
		if len(p.Options) < 2 {
			return "fewer than two options"
		}
		for _, a := range p.CorrectAnswers {
			if !slices.Contains(p.Options, a) {
				return "correct answer is not among the options"
			}
		}
	case models.FillInBlank, models.TranslateSentence:
		if strings.TrimSpace(p.Text) == "" {
			return "empty text"
		}
	}
	if ex.Type == models.StoryComprehension && strings.TrimSpace(p.Text) == "" {
		return "empty story"
	}
	return ""
}

func stockFields(p stockPair) map[string]interface{} {
	return map[string]interface{}{
		"exercise_type": string(p.exerciseType),
		"language":      p.language,
	}
}

func mergeStockFields(p stockPair, extra map[string]interface{}) map[string]interface{} {
	fields := stockFields(p)
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}
