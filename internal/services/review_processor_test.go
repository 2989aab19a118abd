package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	contextutils "lingocore/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestReviewProcessor() (*ReviewProcessor, *MockExerciseRepository, *MockAttemptRepository, *MockQualityJudge, *recordingMetrics) {
	exercises := new(MockExerciseRepository)
	attempts := new(MockAttemptRepository)
	judge := new(MockQualityJudge)
	metrics := newRecordingMetrics()
	p := NewReviewProcessor(exercises, attempts, judge, metrics, config.ReviewConfig{BatchSize: 10, RecentAttempts: 5}, testLogger())
	p.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return p, exercises, attempts, judge, metrics
}

func pendingExercise(id int64) models.Exercise {
	ex := fillInBlank(id)
	ex.Status = models.StatusPendingReview
	return *ex
}

func TestReviewProcessor_AppliesVerdicts(t *testing.T) {
	p, exercises, attempts, judge, metrics := newTestReviewProcessor()

	exercises.On("ListPendingReview", mock.Anything, 10).Return([]models.Exercise{
		pendingExercise(1), pendingExercise(2), pendingExercise(3),
	}, nil)
	attempts.On("RecentFailures", mock.Anything, mock.Anything, 5).Return([]models.Attempt{{Answer: "е"}}, nil)

	verdicts := map[int64]models.QualityVerdict{1: models.VerdictRepublish, 2: models.VerdictArchive, 3: models.VerdictEscalate}
	targets := map[int64]models.ExerciseStatus{1: models.StatusRepublished, 2: models.StatusArchived, 3: models.StatusAdminReview}
	events := map[int64]models.StatusEvent{1: models.EventRepublish, 2: models.EventArchive, 3: models.EventEscalate}
	for id, v := range verdicts {
		judge.On("JudgeQuality", mock.Anything, mock.MatchedBy(func(ex *models.Exercise) bool { return ex.ID == id }), mock.Anything).
			Return(&QualityAssessment{Verdict: v, Reason: "checked"}, nil)
		exercises.On("TransitionStatus", mock.Anything, id, models.StatusPendingReview, events[id], mock.MatchedBy(func(line string) bool {
			return strings.Contains(line, "verdict="+string(v)) && strings.Contains(line, "2026-03-02T09:00:00Z")
		})).Return(targets[id], nil)
	}

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReviewReport{Reviewed: 3, Republished: 1, Archived: 1, Escalated: 1}, report)
	assert.Len(t, metrics.transitions, 3)
	exercises.AssertExpectations(t)
	judge.AssertExpectations(t)
}

func TestReviewProcessor_ArchivesWithoutReference(t *testing.T) {
	p, exercises, _, judge, _ := newTestReviewProcessor()

	ex := pendingExercise(4)
	ex.Payload.CorrectAnswers = nil
	exercises.On("ListPendingReview", mock.Anything, 10).Return([]models.Exercise{ex}, nil)
	exercises.On("TransitionStatus", mock.Anything, int64(4), models.StatusPendingReview, models.EventArchive, mock.Anything).
		Return(models.StatusArchived, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)
	judge.AssertNotCalled(t, "JudgeQuality", mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewProcessor_JudgeFailureKeepsPending(t *testing.T) {
	p, exercises, attempts, judge, _ := newTestReviewProcessor()

	exercises.On("ListPendingReview", mock.Anything, 10).Return([]models.Exercise{pendingExercise(1)}, nil)
	attempts.On("RecentFailures", mock.Anything, int64(1), 5).Return([]models.Attempt{}, nil)
	judge.On("JudgeQuality", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, contextutils.WrapErrorf(contextutils.ErrJudgeUnavailable, "down"))

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	exercises.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewProcessor_UnknownVerdictLeavesExercise(t *testing.T) {
	p, exercises, attempts, judge, _ := newTestReviewProcessor()

	exercises.On("ListPendingReview", mock.Anything, 10).Return([]models.Exercise{pendingExercise(1)}, nil)
	attempts.On("RecentFailures", mock.Anything, int64(1), 5).Return([]models.Attempt{}, nil)
	judge.On("JudgeQuality", mock.Anything, mock.Anything, mock.Anything).
		Return(&QualityAssessment{Verdict: "MAYBE"}, nil)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalid)
	exercises.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReviewProcessor_LostCASIsSilent(t *testing.T) {
	p, exercises, attempts, judge, metrics := newTestReviewProcessor()

	exercises.On("ListPendingReview", mock.Anything, 10).Return([]models.Exercise{pendingExercise(1)}, nil)
	attempts.On("RecentFailures", mock.Anything, int64(1), 5).Return([]models.Attempt{}, nil)
	judge.On("JudgeQuality", mock.Anything, mock.Anything, mock.Anything).
		Return(&QualityAssessment{Verdict: models.VerdictRepublish}, nil)
	exercises.On("TransitionStatus", mock.Anything, int64(1), models.StatusPendingReview, models.EventRepublish, mock.Anything).
		Return(models.ExerciseStatus(""), contextutils.WrapErrorf(contextutils.ErrConflict, "already reviewed"))

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReviewReport{Conflicts: 1}, report)
	assert.Empty(t, metrics.transitions)
}
