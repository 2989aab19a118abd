package commands

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/services"
	contextutils "lingocore/internal/utils"
	"lingocore/internal/worker"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type fakeMigrator struct {
	migrated bool
	version  uint
	dirty    bool
	err      error
}

func (m *fakeMigrator) RunMigrations(context.Context, *sql.DB) error {
	if m.err != nil {
		return m.err
	}
	m.migrated = true
	m.version = 1
	return nil
}

func (m *fakeMigrator) MigrationVersion(context.Context, *sql.DB) (uint, bool, error) {
	return m.version, m.dirty, nil
}

func mockDB(t *testing.T) DBOpener {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("SELECT current_database").WillReturnRows(sqlmock.NewRows([]string{"current_database"}).AddRow("lingocore"))
	mock.ExpectQuery("SELECT inet_server_addr").WillReturnRows(sqlmock.NewRows([]string{"addr"}).AddRow("10.0.0.5"))
	return func(context.Context) (*sql.DB, error) { return db, nil }
}

func TestDatabaseCommands_Migrate(t *testing.T) {
	migrator := &fakeMigrator{}
	out, err := execute(t, DatabaseCommands(migrator, mockDB(t), observability.NewNopLogger()), "migrate")

	require.NoError(t, err)
	assert.True(t, migrator.migrated)
	assert.Contains(t, out, "schema at version 1 (dirty=false)")
}

func TestDatabaseCommands_MigrateFails(t *testing.T) {
	migrator := &fakeMigrator{err: contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "syntax error")}
	_, err := execute(t, DatabaseCommands(migrator, mockDB(t), observability.NewNopLogger()), "migrate")

	assert.True(t, errors.Is(err, contextutils.ErrDatabaseQuery))
}

func TestDatabaseCommands_VersionAndInfo(t *testing.T) {
	migrator := &fakeMigrator{version: 1, dirty: true}

	out, err := execute(t, DatabaseCommands(migrator, mockDB(t), observability.NewNopLogger()), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dirty=true")

	out, err = execute(t, DatabaseCommands(migrator, mockDB(t), observability.NewNopLogger()), "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected to lingocore on 10.0.0.5")
}

func TestDatabaseCommands_OpenFails(t *testing.T) {
	openDB := func(context.Context) (*sql.DB, error) { return nil, contextutils.ErrDatabaseConnection }
	_, err := execute(t, DatabaseCommands(&fakeMigrator{}, openDB, observability.NewNopLogger()), "migrate")
	assert.True(t, errors.Is(err, contextutils.ErrDatabaseConnection))
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) RunOnce(ctx context.Context, name string) (worker.RunRecord, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(worker.RunRecord), args.Error(1)
}

func (m *mockRunner) CycleNames() []string {
	return m.Called().Get(0).([]string)
}

func (m *mockRunner) SetGlobalPause(ctx context.Context, paused bool) error {
	return m.Called(ctx, paused).Error(0)
}

func provide(r *mockRunner) CycleRunnerProvider {
	return func(context.Context) (CycleRunner, error) { return r, nil }
}

func TestRunCycle(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunOnce", mock.Anything, "stock").Return(worker.RunRecord{
		Cycle:    "stock",
		Status:   "Success",
		Items:    4,
		Duration: 2 * time.Second,
		Details:  "generated=4 rejected=1 short_pools=0 pools=6",
	}, nil)

	out, err := execute(t, WorkerCommands(provide(runner), observability.NewNopLogger()), "run-cycle", "stock")
	require.NoError(t, err)
	assert.Contains(t, out, "status:   Success")
	assert.Contains(t, out, "items:    4")
	assert.Contains(t, out, "generated=4")
}

func TestRunCycle_NoActionAndFailure(t *testing.T) {
	runner := &mockRunner{}
	runner.On("RunOnce", mock.Anything, "review").Return(worker.RunRecord{
		Cycle: "review", Status: "Success", Details: "NOACTION: nothing pending review",
	}, nil)
	runner.On("RunOnce", mock.Anything, "quality").Return(worker.RunRecord{
		Cycle: "quality", Status: "Failure", Details: "db down",
	}, contextutils.ErrDatabaseConnection)
	runner.On("RunOnce", mock.Anything, "crossword").Return(worker.RunRecord{},
		contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "unknown cycle"))

	cmd := WorkerCommands(provide(runner), observability.NewNopLogger())
	out, err := execute(t, cmd, "run-cycle", "review")
	require.NoError(t, err)
	assert.Contains(t, out, "details:  nothing pending review")

	out, err = execute(t, WorkerCommands(provide(runner), observability.NewNopLogger()), "run-cycle", "quality")
	assert.Error(t, err)
	assert.Contains(t, out, "status:   Failure")

	out, err = execute(t, WorkerCommands(provide(runner), observability.NewNopLogger()), "run-cycle", "crossword")
	assert.True(t, contextutils.IsNotFound(err))
	assert.NotContains(t, out, "status:")
}

func TestRunCycle_RequiresName(t *testing.T) {
	_, err := execute(t, WorkerCommands(provide(&mockRunner{}), observability.NewNopLogger()), "run-cycle")
	assert.Error(t, err)
}

func TestCyclesAndPause(t *testing.T) {
	runner := &mockRunner{}
	runner.On("CycleNames").Return([]string{"stock", "quality"})
	runner.On("SetGlobalPause", mock.Anything, true).Return(nil)
	runner.On("SetGlobalPause", mock.Anything, false).Return(nil)

	out, err := execute(t, WorkerCommands(provide(runner), observability.NewNopLogger()), "cycles")
	require.NoError(t, err)
	assert.Equal(t, "stock\nquality\n", out)

	out, err = execute(t, WorkerCommands(provide(runner), observability.NewNopLogger()), "pause")
	require.NoError(t, err)
	assert.Contains(t, out, "global pause: true")

	_, err = execute(t, WorkerCommands(provide(runner), observability.NewNopLogger()), "resume")
	require.NoError(t, err)
	runner.AssertExpectations(t)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) RequestReport(ctx context.Context, userID int64, botID string, kind models.ReportKind) (string, string, error) {
	args := m.Called(ctx, userID, botID, kind)
	return args.String(0), args.String(1), args.Error(2)
}

func TestRequestReport(t *testing.T) {
	d := &mockDispatcher{}
	d.On("RequestReport", mock.Anything, int64(7), "bg", models.ReportWeekly).Return("rep-1", "task-9", nil)
	provider := func(context.Context) (services.ReportDispatcherInterface, error) { return d, nil }

	out, err := execute(t, ReportCommands(provider, observability.NewNopLogger()), "request", "--user", "7", "--bot", "bg", "--kind", "weekly")
	require.NoError(t, err)
	assert.Contains(t, out, "report rep-1 queued as task task-9")
}

func TestRequestReport_Invalid(t *testing.T) {
	d := &mockDispatcher{}
	provider := func(context.Context) (services.ReportDispatcherInterface, error) { return d, nil }

	_, err := execute(t, ReportCommands(provider, observability.NewNopLogger()), "request", "--user", "7", "--bot", "bg", "--kind", "monthly")
	assert.True(t, errors.Is(err, contextutils.ErrInvalidInput))

	_, err = execute(t, ReportCommands(provider, observability.NewNopLogger()), "request", "--bot", "bg")
	assert.Error(t, err)
	d.AssertNotCalled(t, "RequestReport", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
