package services

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"

	"github.com/stretchr/testify/mock"
)

type MockExerciseRepository struct {
	mock.Mock
}

func (m *MockExerciseRepository) Create(ctx context.Context, exercise *models.Exercise) (int64, error) {
	args := m.Called(ctx, exercise)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockExerciseRepository) GetByID(ctx context.Context, id int64) (*models.Exercise, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Exercise), args.Error(1)
}

func (m *MockExerciseRepository) CountServable(ctx context.Context, exerciseType models.ExerciseType, language string) (int, error) {
	args := m.Called(ctx, exerciseType, language)
	return args.Int(0), args.Error(1)
}

func (m *MockExerciseRepository) ListQualityCandidates(ctx context.Context, since time.Time, afterID int64, limit int) ([]models.Exercise, error) {
	args := m.Called(ctx, since, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Exercise), args.Error(1)
}

func (m *MockExerciseRepository) ListPendingReview(ctx context.Context, limit int) ([]models.Exercise, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Exercise), args.Error(1)
}

func (m *MockExerciseRepository) UpdateStatistics(ctx context.Context, id int64, attemptCount int, weightedErrors float64, at time.Time) error {
	args := m.Called(ctx, id, attemptCount, weightedErrors, at)
	return args.Error(0)
}

func (m *MockExerciseRepository) TransitionStatus(ctx context.Context, id int64, from models.ExerciseStatus, event models.StatusEvent, logLine string) (models.ExerciseStatus, error) {
	args := m.Called(ctx, id, from, event, logLine)
	return args.Get(0).(models.ExerciseStatus), args.Error(1)
}

type MockJudgementRepository struct {
	mock.Mock
}

func (m *MockJudgementRepository) Get(ctx context.Context, exerciseID int64, answer string) (*models.Judgement, error) {
	args := m.Called(ctx, exerciseID, answer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Judgement), args.Error(1)
}

func (m *MockJudgementRepository) InsertIfAbsent(ctx context.Context, j *models.Judgement) (*models.Judgement, error) {
	args := m.Called(ctx, j)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Judgement), args.Error(1)
}

type MockAttemptRepository struct {
	mock.Mock
}

func (m *MockAttemptRepository) Append(ctx context.Context, attempt *models.Attempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *MockAttemptRepository) OutcomesSince(ctx context.Context, exerciseID int64, since time.Time) ([]models.AttemptOutcome, error) {
	args := m.Called(ctx, exerciseID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AttemptOutcome), args.Error(1)
}

func (m *MockAttemptRepository) RecentFailures(ctx context.Context, exerciseID int64, limit int) ([]models.Attempt, error) {
	args := m.Called(ctx, exerciseID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Attempt), args.Error(1)
}

func (m *MockAttemptRepository) RecentForUser(ctx context.Context, userID int64, since time.Time, limit int) ([]models.Attempt, error) {
	args := m.Called(ctx, userID, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Attempt), args.Error(1)
}

type MockProfileRepository struct {
	mock.Mock
}

func (m *MockProfileRepository) Get(ctx context.Context, userID int64, botID string) (*models.UserBotProfile, error) {
	args := m.Called(ctx, userID, botID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserBotProfile), args.Error(1)
}

func (m *MockProfileRepository) ListSessionReady(ctx context.Context, since, until time.Time, after SessionCursor, limit int) ([]models.UserBotProfile, error) {
	args := m.Called(ctx, since, until, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.UserBotProfile), args.Error(1)
}

func (m *MockProfileRepository) ListInactive(ctx context.Context, inactiveSince time.Time, after ProfileCursor, limit int) ([]models.UserBotProfile, error) {
	args := m.Called(ctx, inactiveSince, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.UserBotProfile), args.Error(1)
}

func (m *MockProfileRepository) ListWeeklyReportCandidates(ctx context.Context, since time.Time, minAttempts int) ([]models.UserBotProfile, error) {
	args := m.Called(ctx, since, minAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.UserBotProfile), args.Error(1)
}

func (m *MockProfileRepository) ClaimSessionReminder(ctx context.Context, userID int64, botID string, now time.Time) (bool, error) {
	args := m.Called(ctx, userID, botID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockProfileRepository) ReleaseSessionReminder(ctx context.Context, userID int64, botID string, claimedAt time.Time, previous sql.NullTime) error {
	args := m.Called(ctx, userID, botID, claimedAt, previous)
	return args.Error(0)
}

func (m *MockProfileRepository) ClaimLongBreakReminder(ctx context.Context, claim LongBreakClaim) (bool, error) {
	args := m.Called(ctx, claim)
	return args.Bool(0), args.Error(1)
}

func (m *MockProfileRepository) ReleaseLongBreakReminder(ctx context.Context, claim LongBreakClaim) error {
	args := m.Called(ctx, claim)
	return args.Error(0)
}

type MockReportRepository struct {
	mock.Mock
}

func (m *MockReportRepository) Create(ctx context.Context, report *models.Report) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockReportRepository) Get(ctx context.Context, id string) (*models.Report, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Report), args.Error(1)
}

func (m *MockReportRepository) Transition(ctx context.Context, id string, from, to models.ReportStatus) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *MockReportRepository) CompleteGeneration(ctx context.Context, id, content string) error {
	args := m.Called(ctx, id, content)
	return args.Error(0)
}

func (m *MockReportRepository) Fail(ctx context.Context, id string, from models.ReportStatus, reason string) error {
	args := m.Called(ctx, id, from, reason)
	return args.Error(0)
}

func (m *MockReportRepository) Requeue(ctx context.Context, id string, staleBefore time.Time) error {
	args := m.Called(ctx, id, staleBefore)
	return args.Error(0)
}

func (m *MockReportRepository) ListStalled(ctx context.Context, staleBefore time.Time, limit int) ([]models.Report, error) {
	args := m.Called(ctx, staleBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Report), args.Error(1)
}

type MockJudgementCache struct {
	mock.Mock
}

func (m *MockJudgementCache) Get(ctx context.Context, exerciseID int64, answer string) (*models.Judgement, error) {
	args := m.Called(ctx, exerciseID, answer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Judgement), args.Error(1)
}

func (m *MockJudgementCache) Set(ctx context.Context, j *models.Judgement) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

type MockAnswerJudge struct {
	mock.Mock
}

func (m *MockAnswerJudge) JudgeAnswer(ctx context.Context, exercise *models.Exercise, answer string) (*AnswerVerdict, error) {
	args := m.Called(ctx, exercise, answer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AnswerVerdict), args.Error(1)
}

type MockQualityJudge struct {
	mock.Mock
}

func (m *MockQualityJudge) JudgeQuality(ctx context.Context, exercise *models.Exercise, failures []models.Attempt) (*QualityAssessment, error) {
	args := m.Called(ctx, exercise, failures)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*QualityAssessment), args.Error(1)
}

type MockReportWriter struct {
	mock.Mock
}

func (m *MockReportWriter) WriteReport(ctx context.Context, req ReportRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type MockExerciseWriter struct {
	mock.Mock
}

func (m *MockExerciseWriter) GenerateExercises(ctx context.Context, exerciseType models.ExerciseType, language, level string, n int) ([]models.ExercisePayload, error) {
	args := m.Called(ctx, exerciseType, language, level, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ExercisePayload), args.Error(1)
}

type MockExerciseGenerator struct {
	mock.Mock
}

func (m *MockExerciseGenerator) Generate(ctx context.Context, language string, n int) ([]*models.Exercise, error) {
	args := m.Called(ctx, language, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Exercise), args.Error(1)
}

type MockSpeechSynthesizer struct {
	mock.Mock
}

func (m *MockSpeechSynthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	args := m.Called(ctx, text, language)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSpeechSynthesizer) Format() string {
	return "mp3"
}

type MockAudioStore struct {
	mock.Mock
}

func (m *MockAudioStore) Store(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, name, data, contentType)
	return args.String(0), args.Error(1)
}

// MockTaskQueue records every task it accepts
type MockTaskQueue struct {
	mock.Mock
}

func (m *MockTaskQueue) Enqueue(ctx context.Context, task *models.Task, notBefore *time.Time) (string, error) {
	args := m.Called(ctx, task, notBefore)
	return args.String(0), args.Error(1)
}

// recordingMetrics keeps what components report so tests can assert on it
type recordingMetrics struct {
	mu            sync.Mutex
	cacheHits     int
	cacheMisses   int
	validations   []string
	generated     map[string]int
	rejected      map[string]int
	synthesisFail int
	transitions   []string
	notifications []string
	reports       []string
	cycles        []string
}

var _ observability.MetricsRecorder = (*recordingMetrics)(nil)

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{generated: map[string]int{}, rejected: map[string]int{}}
}

func (r *recordingMetrics) CacheLookup(_ context.Context, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.cacheHits++
	} else {
		r.cacheMisses++
	}
}

func (r *recordingMetrics) JudgeCall(context.Context, string, error) {}

func (r *recordingMetrics) ValidationCompleted(_ context.Context, source string, _ bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations = append(r.validations, source)
}

func (r *recordingMetrics) ExercisesGenerated(_ context.Context, exerciseType, language string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generated[exerciseType+"/"+language] += n
}

func (r *recordingMetrics) ExercisesRejected(_ context.Context, exerciseType, language string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[exerciseType+"/"+language] += n
}

func (r *recordingMetrics) SynthesisFailed(context.Context, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesisFail++
}

func (r *recordingMetrics) StockLevel(context.Context, string, string, int) {}

func (r *recordingMetrics) StatusTransition(_ context.Context, from, to string, applied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if applied {
		r.transitions = append(r.transitions, from+"->"+to)
	}
}

func (r *recordingMetrics) NotificationEnqueued(_ context.Context, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, kind)
}

func (r *recordingMetrics) ReportFinished(_ context.Context, kind, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, kind+":"+status)
}

func (r *recordingMetrics) CycleFinished(_ context.Context, cycle string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, cycle)
}
