package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JSON Schema definitions sent in the grammar field, or inlined into the prompt for
// providers without grammar support.
const (
	AnswerVerdictSchema = `{
		"type": "object",
		"properties": {
			"is_correct": {"type": "boolean"},
			"feedback": {"type": "string"}
		},
		"required": ["is_correct", "feedback"]
	}`

	QualityAssessmentSchema = `{
		"type": "object",
		"properties": {
			"verdict": {"type": "string"},
			"reason": {"type": "string"}
		},
		"required": ["verdict", "reason"]
	}`

	SingleExerciseSchema = `{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"text": {"type": "string"},
			"options": {"type": "array", "items": {"type": "string"}},
			"correct_answers": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"explanation": {"type": "string"},
			"topic": {"type": "string"}
		},
		"required": ["prompt", "correct_answers"]
	}`
)

// BatchExercisesSchema is a batch wrapper around SingleExerciseSchema
var BatchExercisesSchema = fmt.Sprintf(`{"type":"array","items":%s}`, SingleExerciseSchema)

// chatRequest is an OpenAI-compatible chat completion request
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Grammar     string        `json:"grammar,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint. It is the external
// judge, the exercise writer and the report writer.
type LLMClient struct {
	httpClient  *http.Client
	templates   *PromptTemplates
	metrics     observability.MetricsRecorder
	logger      *observability.Logger
	provider    config.ProviderConfig
	model       string
	apiKey      string
	temperature float64
	timeout     time.Duration
	maxTokens   int

	semaphore chan struct{}
}

var (
	_ AnswerJudge    = (*LLMClient)(nil)
	_ QualityJudge   = (*LLMClient)(nil)
	_ ReportWriter   = (*LLMClient)(nil)
	_ ExerciseWriter = (*LLMClient)(nil)
)

// NewLLMClient creates a client for the configured judge provider
func NewLLMClient(cfg *config.Config, templates *PromptTemplates, metrics observability.MetricsRecorder, logger *observability.Logger) (*LLMClient, error) {
	provider := cfg.Provider(cfg.Judge.Provider)
	if provider == nil || provider.URL == "" {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "no base URL configured for provider %q", cfg.Judge.Provider)
	}

	maxTokens := 4000
	for _, m := range provider.Models {
		if m.Code == cfg.Judge.Model && m.MaxTokens > 0 {
			maxTokens = m.MaxTokens
		}
	}

	slots := max(cfg.Judge.MaxConcurrent, 1)

	return &LLMClient{
		httpClient: &http.Client{
			Timeout: cfg.Judge.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanOptions(trace.WithSpanKind(trace.SpanKindClient)),
			),
		},
		templates:   templates,
		metrics:     metrics,
		logger:      logger,
		provider:    *provider,
		model:       cfg.Judge.Model,
		apiKey:      cfg.Judge.APIKey,
		temperature: cfg.Judge.Temperature,
		timeout:     cfg.Judge.Timeout,
		maxTokens:   maxTokens,
		semaphore:   make(chan struct{}, slots),
	}, nil
}

// JudgeAnswer asks the LLM whether answer solves the exercise
func (c *LLMClient) JudgeAnswer(ctx context.Context, exercise *models.Exercise, answer string) (result0 *AnswerVerdict, err error) {
	ctx, span := observability.TraceAIFunction(ctx, "judge_answer",
		observability.AttributeExerciseID(exercise.ID),
		observability.AttributeExerciseType(exercise.Type),
	)
	defer observability.FinishSpan(span, &err)

	data := exercisePromptData(exercise)
	data.Answer = answer

	var verdict AnswerVerdict
	if err := c.structured(ctx, "judge_answer", JudgeAnswerTemplate, data, AnswerVerdictSchema, &verdict); err != nil {
		return nil, err
	}
	verdict.Feedback = strings.TrimSpace(verdict.Feedback)
	span.SetAttributes(attribute.Bool("judge.correct", verdict.IsCorrect))
	return &verdict, nil
}

// JudgeQuality asks the LLM for a verdict on an exercise learners keep failing
func (c *LLMClient) JudgeQuality(ctx context.Context, exercise *models.Exercise, failures []models.Attempt) (result0 *QualityAssessment, err error) {
	ctx, span := observability.TraceAIFunction(ctx, "judge_quality",
		observability.AttributeExerciseID(exercise.ID),
		attribute.Int("failures.count", len(failures)),
	)
	defer observability.FinishSpan(span, &err)

	data := exercisePromptData(exercise)
	data.Failures = failures

	var assessment QualityAssessment
	if err := c.structured(ctx, "judge_quality", JudgeQualityTemplate, data, QualityAssessmentSchema, &assessment); err != nil {
		return nil, err
	}
	assessment.Verdict = models.ParseQualityVerdict(string(assessment.Verdict))
	span.SetAttributes(attribute.String("judge.verdict", string(assessment.Verdict)))
	return &assessment, nil
}

// GenerateExercises asks the LLM for n exercise payloads
func (c *LLMClient) GenerateExercises(ctx context.Context, exerciseType models.ExerciseType, language, level string, n int) (result0 []models.ExercisePayload, err error) {
	ctx, span := observability.TraceAIFunction(ctx, "generate_exercises",
		observability.AttributeExerciseType(exerciseType),
		observability.AttributeLanguage(language),
		attribute.Int("exercises.requested", n),
	)
	defer observability.FinishSpan(span, &err)

	data := PromptData{
		Language:     language,
		Level:        level,
		ExerciseType: string(exerciseType),
		Count:        n,
	}

	var payloads []models.ExercisePayload
	if err := c.structured(ctx, "generate_exercises", GenerateExercisesTemplate, data, BatchExercisesSchema, &payloads); err != nil {
		return nil, err
	}
	for i := range payloads {
		payloads[i].Level = level
	}
	span.SetAttributes(attribute.Int("exercises.generated", len(payloads)))
	return payloads, nil
}

// WriteReport asks the LLM for a plain text progress report
func (c *LLMClient) WriteReport(ctx context.Context, req ReportRequest) (result0 string, err error) {
	ctx, span := observability.TraceAIFunction(ctx, "write_report",
		attribute.String("report.kind", string(req.Kind)),
		attribute.Int("attempts.count", len(req.Attempts)),
	)
	defer observability.FinishSpan(span, &err)

	correct := 0
	for _, a := range req.Attempts {
		if a.IsCorrect {
			correct++
		}
	}
	prompt, err := c.templates.Render(ReportTemplate, PromptData{
		Language:     req.Language,
		Level:        req.Level,
		ReportKind:   string(req.Kind),
		AttemptCount: len(req.Attempts),
		CorrectCount: correct,
		Attempts:     req.Attempts,
	})
	if err != nil {
		return "", err
	}

	content, err := c.complete(ctx, "write_report", prompt, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stripThinking(content)), nil
}

// structured renders a template, calls the model and decodes a schema-checked JSON reply into v
func (c *LLMClient) structured(ctx context.Context, operation, templateName string, data PromptData, schema string, v interface{}) error {
	grammar := ""
	if c.provider.SupportsGrammar {
		grammar = schema
	} else {
		data.SchemaForPrompt = schema
	}

	prompt, err := c.templates.Render(templateName, data)
	if err != nil {
		return err
	}
	content, err := c.complete(ctx, operation, prompt, grammar)
	if err != nil {
		return err
	}
	return decodeValidated(cleanJSONResponse(content), schema, v)
}

// complete sends one chat completion request and returns the first choice's content.
// Failures to reach the provider are transient; they are never retried here.
func (c *LLMClient) complete(ctx context.Context, operation, prompt, grammar string) (result0 string, err error) {
	ctx, span := observability.TraceAIFunction(ctx, "chat_completion",
		attribute.String("ai.provider", c.provider.Code),
		attribute.String("ai.model", c.model),
		attribute.String("ai.operation", operation),
		attribute.Int("prompt.length", len(prompt)),
		attribute.Bool("grammar.enabled", grammar != ""),
	)
	defer observability.FinishSpan(span, &err)
	defer func() {
		if c.metrics != nil {
			c.metrics.JudgeCall(ctx, operation, err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return "", err
	}
	defer c.release()

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Grammar:     grammar,
	})
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to marshal request body: %v", err)
	}

	apiURL := strings.TrimRight(c.provider.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lingocore/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		span.SetAttributes(attribute.String("call.result", "http_request_failed"))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", contextutils.WrapErrorf(contextutils.ErrTimeout, "%s timed out after %v", operation, duration)
		}
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "%s request failed after %v: %v", operation, duration, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn(ctx, "Failed to close response body", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	c.logger.Debug(ctx, "LLM request completed", map[string]interface{}{
		"operation":   operation,
		"duration":    duration.String(),
		"status_code": resp.StatusCode,
	})

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "failed to read response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.String("call.result", "http_error"), attribute.Int("status_code", resp.StatusCode))
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "API request failed with status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeResponseInvalid, "failed to parse response: %v", err)
	}
	if parsed.Error != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeResponseInvalid, "%s returned empty content", operation)
	}

	content := parsed.Choices[0].Message.Content
	span.SetAttributes(attribute.String("call.result", "success"), attribute.Int("content_length", len(content)))
	return content, nil
}

func (c *LLMClient) acquire(ctx context.Context) error {
	select {
	case c.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return contextutils.WrapErrorf(contextutils.ErrTimeout, "cancelled while waiting for an LLM slot: %v", ctx.Err())
	}
}

func (c *LLMClient) release() {
	<-c.semaphore
}

var thinkingBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

func stripThinking(content string) string {
	return thinkingBlock.ReplaceAllString(content, "")
}

// cleanJSONResponse removes reasoning blocks and markdown code fences around a JSON reply
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(stripThinking(response))
	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
		response = strings.TrimSuffix(response, "```")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
		response = strings.TrimSuffix(response, "```")
	}
	return strings.TrimSpace(response)
}

// decodeValidated checks content against schema and unmarshals it into v
func decodeValidated(content, schema string, v interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewStringLoader(content),
	)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrJudgeResponseInvalid, "response is not valid JSON: %v", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return contextutils.WrapErrorf(contextutils.ErrJudgeResponseInvalid, "response failed schema validation: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrJudgeResponseInvalid, "failed to decode response: %v", err)
	}
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
