package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWorkerService struct {
	mock.Mock
}

func (m *mockWorkerService) GetSetting(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockWorkerService) SetSetting(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *mockWorkerService) IsGlobalPaused(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkerService) SetGlobalPause(ctx context.Context, paused bool) error {
	return m.Called(ctx, paused).Error(0)
}

func (m *mockWorkerService) UpdateWorkerStatus(ctx context.Context, instance string, status *models.WorkerStatus) error {
	return m.Called(ctx, instance, status).Error(0)
}

func (m *mockWorkerService) GetWorkerStatus(ctx context.Context, instance string) (*models.WorkerStatus, error) {
	args := m.Called(ctx, instance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WorkerStatus), args.Error(1)
}

func (m *mockWorkerService) UpdateHeartbeat(ctx context.Context, instance string) error {
	return m.Called(ctx, instance).Error(0)
}

func (m *mockWorkerService) IsWorkerHealthy(ctx context.Context, instance string) (bool, error) {
	args := m.Called(ctx, instance)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkerService) RecordCycleRun(ctx context.Context, instance string, run models.CycleRun) error {
	return m.Called(ctx, instance, run).Error(0)
}

// cycleMetrics only implements CycleFinished; the worker records nothing else
type cycleMetrics struct {
	observability.MetricsRecorder
	mu     sync.Mutex
	cycles []string
}

func (m *cycleMetrics) CycleFinished(_ context.Context, cycle string, _ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.cycles = append(m.cycles, cycle+":"+outcome)
}

func (m *cycleMetrics) finished() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cycles...)
}

func testWorkerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.MaxHistory = 3
	return cfg
}

// runningService accepts every bookkeeping call and reports no pause
func runningService() *mockWorkerService {
	ws := &mockWorkerService{}
	ws.On("IsGlobalPaused", mock.Anything).Return(false, nil).Maybe()
	ws.On("GetWorkerStatus", mock.Anything, "test").Return(&models.WorkerStatus{}, nil).Maybe()
	ws.On("UpdateWorkerStatus", mock.Anything, "test", mock.Anything).Return(nil).Maybe()
	ws.On("RecordCycleRun", mock.Anything, "test", mock.Anything).Return(nil).Maybe()
	ws.On("UpdateHeartbeat", mock.Anything, "test").Return(nil).Maybe()
	return ws
}

func countingCycle(name string, interval time.Duration, calls *int32, mu *sync.Mutex) Cycle {
	return Cycle{
		Name:     name,
		Interval: interval,
		Run: func(context.Context) (int, string, error) {
			mu.Lock()
			*calls++
			mu.Unlock()
			return 2, "did things", nil
		},
	}
}

func newTestWorker(t *testing.T, ws *mockWorkerService, cycles ...Cycle) (*Worker, *cycleMetrics) {
	t.Helper()
	metrics := &cycleMetrics{}
	w, err := NewWorker(ws, cycles, metrics, "test", testWorkerConfig(), observability.NewNopLogger())
	require.NoError(t, err)
	return w, metrics
}

func TestNewWorker_DefaultInstance(t *testing.T) {
	w, err := NewWorker(&mockWorkerService{}, nil, &cycleMetrics{}, "", testWorkerConfig(), observability.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "default", w.GetInstance())
	assert.Equal(t, "Initialized", w.GetStatus().CurrentActivity)
}

func TestNewWorker_RejectsBadCycles(t *testing.T) {
	noop := func(context.Context) (int, string, error) { return 0, "", nil }

	_, err := NewWorker(&mockWorkerService{}, []Cycle{{Name: "a", Run: noop}, {Name: "a", Run: noop}},
		&cycleMetrics{}, "test", testWorkerConfig(), observability.NewNopLogger())
	assert.ErrorIs(t, err, contextutils.ErrInvalidConfig)

	_, err = NewWorker(&mockWorkerService{}, []Cycle{{Name: "weekly", Schedule: "every tuesday", Run: noop}},
		&cycleMetrics{}, "test", testWorkerConfig(), observability.NewNopLogger())
	assert.ErrorIs(t, err, contextutils.ErrInvalidConfig)

	_, err = NewWorker(&mockWorkerService{}, []Cycle{{Name: "empty"}},
		&cycleMetrics{}, "test", testWorkerConfig(), observability.NewNopLogger())
	assert.ErrorIs(t, err, contextutils.ErrInvalidConfig)
}

func TestNewWorker_AcceptsTimezoneSchedule(t *testing.T) {
	noop := func(context.Context) (int, string, error) { return 0, "", nil }
	w, err := NewWorker(&mockWorkerService{}, []Cycle{{Name: "weekly", Schedule: "CRON_TZ=Europe/Sofia 0 9 * * 1", Run: noop}},
		&cycleMetrics{}, "test", testWorkerConfig(), observability.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly"}, w.CycleNames())
}

func TestWorker_RunOnceRecordsEverything(t *testing.T) {
	ws := runningService()
	var calls int32
	var mu sync.Mutex
	w, metrics := newTestWorker(t, ws, countingCycle("stock", time.Minute, &calls, &mu))

	record, err := w.RunOnce(context.Background(), "stock")
	require.NoError(t, err)
	assert.Equal(t, "Success", record.Status)
	assert.Equal(t, TriggerCLI, record.Trigger)
	assert.Equal(t, 2, record.Items)
	assert.Equal(t, "did things", record.Details)

	assert.Equal(t, []string{"stock:ok"}, metrics.finished())
	require.Len(t, w.GetHistory(), 1)

	status := w.GetStatus()
	assert.Equal(t, "stock", status.LastCycle)
	assert.Equal(t, 1, status.Cycles["stock"].Runs)
	assert.False(t, status.Cycles["stock"].Running)

	ws.AssertCalled(t, "RecordCycleRun", mock.Anything, "test", mock.MatchedBy(func(run models.CycleRun) bool {
		return run.Cycle == "stock" && run.Items == 2 && run.Succeeded()
	}))
	ws.AssertCalled(t, "UpdateWorkerStatus", mock.Anything, "test", mock.MatchedBy(func(s *models.WorkerStatus) bool {
		return s.TotalRuns == 1 && s.TotalItemsProcessed == 2 && s.LastCycle.String == "stock"
	}))
	// cli runs ignore pause flags
	ws.AssertNotCalled(t, "IsGlobalPaused", mock.Anything)
}

func TestWorker_RunOnceUnknownCycle(t *testing.T) {
	w, _ := newTestWorker(t, runningService())
	_, err := w.RunOnce(context.Background(), "nope")
	assert.ErrorIs(t, err, contextutils.ErrRecordNotFound)
}

func TestWorker_PanickingCycleIsRecordedAndWorkerSurvives(t *testing.T) {
	ws := runningService()
	panics := true
	w, metrics := newTestWorker(t, ws, Cycle{
		Name: "review",
		Run: func(context.Context) (int, string, error) {
			if panics {
				panic("nil map")
			}
			return 1, "ok", nil
		},
	})

	record, err := w.RunOnce(context.Background(), "review")
	require.Error(t, err)
	assert.ErrorIs(t, err, contextutils.ErrInternalError)
	assert.Equal(t, "Failure", record.Status)
	assert.Contains(t, w.GetStatus().Cycles["review"].LastRunError, "nil map")

	panics = false
	record, err = w.RunOnce(context.Background(), "review")
	require.NoError(t, err)
	assert.Equal(t, "Success", record.Status)
	assert.Equal(t, []string{"review:error", "review:ok"}, metrics.finished())
	assert.Empty(t, w.GetStatus().LastRunError)
}

func TestWorker_CycleErrorIsRecorded(t *testing.T) {
	ws := runningService()
	w, _ := newTestWorker(t, ws, Cycle{
		Name: "quality",
		Run: func(context.Context) (int, string, error) {
			return 0, "", contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "connection reset")
		},
	})

	record, err := w.RunOnce(context.Background(), "quality")
	require.Error(t, err)
	assert.Equal(t, "Failure", record.Status)
	assert.Contains(t, record.Details, "connection reset")
	ws.AssertCalled(t, "RecordCycleRun", mock.Anything, "test", mock.MatchedBy(func(run models.CycleRun) bool {
		return !run.Succeeded() && strings.Contains(run.Error, "connection reset")
	}))
}

func TestWorker_PausedRunsAreSkipped(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(ws *mockWorkerService)
		reason string
	}{
		{"global pause", func(ws *mockWorkerService) {
			ws.On("IsGlobalPaused", mock.Anything).Return(true, nil)
		}, "Globally paused"},
		{"instance pause", func(ws *mockWorkerService) {
			ws.On("IsGlobalPaused", mock.Anything).Return(false, nil)
			ws.On("GetWorkerStatus", mock.Anything, "test").Return(&models.WorkerStatus{IsPaused: true}, nil)
		}, "Worker instance paused"},
		{"pause lookup fails", func(ws *mockWorkerService) {
			ws.On("IsGlobalPaused", mock.Anything).Return(false, errors.New("db down"))
		}, "Error checking global pause status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := &mockWorkerService{}
			tt.setup(ws)
			var calls int32
			var mu sync.Mutex
			w, metrics := newTestWorker(t, ws, countingCycle("stock", time.Minute, &calls, &mu))

			record, err := w.runCycle(context.Background(), w.cycles["stock"], TriggerSchedule)
			require.NoError(t, err)
			assert.Equal(t, "Skipped", record.Status)
			assert.Equal(t, tt.reason, record.Details)
			assert.Zero(t, calls)
			assert.Empty(t, metrics.finished())
			assert.Equal(t, tt.reason, w.GetStatus().CurrentActivity)
		})
	}
}

func TestWorker_MissingStatusRowIsNotPaused(t *testing.T) {
	ws := &mockWorkerService{}
	ws.On("IsGlobalPaused", mock.Anything).Return(false, nil)
	ws.On("GetWorkerStatus", mock.Anything, "test").Return(nil, contextutils.ErrRecordNotFound)
	w, _ := newTestWorker(t, ws)

	paused, reason := w.checkPauseStatus(context.Background())
	assert.False(t, paused)
	assert.Empty(t, reason)
}

func TestWorker_HistoryIsBounded(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	w, _ := newTestWorker(t, runningService(), countingCycle("stock", time.Minute, &calls, &mu))

	for range 5 {
		_, err := w.RunOnce(context.Background(), "stock")
		require.NoError(t, err)
	}
	assert.Len(t, w.GetHistory(), 3)
	assert.Equal(t, 5, w.GetStatus().Cycles["stock"].Runs)
	assert.LessOrEqual(t, len(w.GetActivityLogs()), 3)
}

func TestWorker_RunsOfOneCycleDoNotOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	w, _ := newTestWorker(t, runningService(), Cycle{
		Name: "stock",
		Run: func(context.Context) (int, string, error) {
			close(started)
			<-release
			return 0, "", nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := w.RunOnce(context.Background(), "stock")
		done <- err
	}()
	<-started

	_, err := w.RunOnce(context.Background(), "stock")
	assert.True(t, contextutils.IsConflict(err))
	assert.True(t, w.GetStatus().Cycles["stock"].Running)

	close(release)
	require.NoError(t, <-done)
}

func TestWorker_CycleTimeoutBoundsTheRun(t *testing.T) {
	w, _ := newTestWorker(t, runningService(), Cycle{
		Name:    "review",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (int, string, error) {
			<-ctx.Done()
			return 0, "", ctx.Err()
		},
	})

	_, err := w.RunOnce(context.Background(), "review")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorker_TriggerCycle(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	w, _ := newTestWorker(t, runningService(), countingCycle("stock", time.Minute, &calls, &mu))
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	w.timeNow = func() time.Time { return now }

	assert.ErrorIs(t, w.TriggerCycle(context.Background(), "nope"), contextutils.ErrRecordNotFound)

	require.NoError(t, w.TriggerCycle(context.Background(), "stock"))
	assert.Len(t, w.cycles["stock"].trigger, 1)

	err := w.TriggerCycle(context.Background(), "stock")
	assert.True(t, contextutils.IsConflict(err))

	now = now.Add(triggerThrottleWindow)
	require.NoError(t, w.TriggerCycle(context.Background(), "stock"))
	// a trigger is already pending, the second one collapses into it
	assert.Len(t, w.cycles["stock"].trigger, 1)
}

func TestWorker_PauseAndResumePersistInstanceFlag(t *testing.T) {
	ws := &mockWorkerService{}
	ws.On("UpdateWorkerStatus", mock.Anything, "test", mock.MatchedBy(func(s *models.WorkerStatus) bool { return s.IsPaused })).Return(nil).Once()
	ws.On("UpdateWorkerStatus", mock.Anything, "test", mock.MatchedBy(func(s *models.WorkerStatus) bool { return !s.IsPaused })).Return(nil).Once()
	w, _ := newTestWorker(t, ws)

	w.Pause(context.Background())
	assert.True(t, w.GetStatus().IsPaused)
	w.Resume(context.Background())
	assert.False(t, w.GetStatus().IsPaused)
	ws.AssertExpectations(t)
}

func TestWorker_SetGlobalPause(t *testing.T) {
	ws := &mockWorkerService{}
	ws.On("SetGlobalPause", mock.Anything, true).Return(nil)
	ws.On("SetGlobalPause", mock.Anything, false).Return(errors.New("db down"))
	w, _ := newTestWorker(t, ws)

	require.NoError(t, w.SetGlobalPause(context.Background(), true))
	assert.Error(t, w.SetGlobalPause(context.Background(), false))
}

func TestWorker_StartRunsCyclesUntilShutdown(t *testing.T) {
	ws := runningService()
	var calls int32
	var mu sync.Mutex
	w, _ := newTestWorker(t, ws,
		countingCycle("stock", 10*time.Millisecond, &calls, &mu),
		Cycle{Name: "weekly", Schedule: "0 9 * * 1", Run: func(context.Context) (int, string, error) { return 0, "", nil }},
	)

	stopped := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(stopped)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return !w.GetStatus().Cycles["weekly"].NextRun.IsZero()
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
	<-stopped

	assert.False(t, w.GetStatus().IsRunning)
	ws.AssertCalled(t, "UpdateWorkerStatus", mock.Anything, "test", mock.MatchedBy(func(s *models.WorkerStatus) bool {
		return !s.IsRunning && s.CurrentActivity.String == "Stopped"
	}))
}

func TestWorker_StartPausedSetsGlobalPause(t *testing.T) {
	ws := runningService()
	ws.On("SetGlobalPause", mock.Anything, true).Return(nil)
	w, _ := newTestWorker(t, ws)
	w.startPaused = true

	stopped := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		w.Start(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return w.GetStatus().IsRunning }, time.Second, 5*time.Millisecond)
	cancel()
	<-stopped
	ws.AssertCalled(t, "SetGlobalPause", mock.Anything, true)
}

func TestGetEnvBool(t *testing.T) {
	require.NoError(t, os.Setenv("TEST_BOOL_TRUE", "true"))
	require.NoError(t, os.Setenv("TEST_BOOL_INVALID", "not-a-bool"))
	defer func() {
		assert.NoError(t, os.Unsetenv("TEST_BOOL_TRUE"))
		assert.NoError(t, os.Unsetenv("TEST_BOOL_INVALID"))
	}()

	assert.True(t, getEnvBool("TEST_BOOL_TRUE", false))
	assert.True(t, getEnvBool("TEST_BOOL_INVALID", true))
	assert.False(t, getEnvBool("TEST_BOOL_UNSET_FOR_SURE", false))
}
