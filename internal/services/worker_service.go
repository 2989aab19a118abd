package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// ErrSettingNotFound is returned when a setting is not found in the database
var ErrSettingNotFound = errors.New("setting not found")

const globalPauseKey = "global_pause"

// workerHealthyWithin bounds how old a heartbeat may be for a healthy worker
const workerHealthyWithin = 5 * time.Minute

// WorkerServiceInterface defines the interface for worker management operations
type WorkerServiceInterface interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	IsGlobalPaused(ctx context.Context) (bool, error)
	SetGlobalPause(ctx context.Context, paused bool) error

	UpdateWorkerStatus(ctx context.Context, instance string, status *models.WorkerStatus) error
	GetWorkerStatus(ctx context.Context, instance string) (*models.WorkerStatus, error)
	UpdateHeartbeat(ctx context.Context, instance string) error
	IsWorkerHealthy(ctx context.Context, instance string) (bool, error)
	RecordCycleRun(ctx context.Context, instance string, run models.CycleRun) error
}

// WorkerService keeps worker settings and status rows in postgres
type WorkerService struct {
	db     *sql.DB
	logger *observability.Logger
}

var _ WorkerServiceInterface = (*WorkerService)(nil)

// NewWorkerService creates a new WorkerService instance
func NewWorkerService(db *sql.DB, logger *observability.Logger) *WorkerService {
	return &WorkerService{
		db:     db,
		logger: logger,
	}
}

// GetSetting retrieves a setting value by key
func (s *WorkerService) GetSetting(ctx context.Context, key string) (result0 string, err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "get_setting", attribute.String("setting.key", key))
	defer observability.FinishSpan(span, &err)

	if strings.TrimSpace(key) == "" {
		return "", contextutils.WrapError(contextutils.ErrInvalidInput, "setting key cannot be empty")
	}

	var value string
	err = s.db.QueryRowContext(ctx, `
		SELECT setting_value FROM worker_settings WHERE setting_key = $1
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug(ctx, "Setting not found", map[string]interface{}{"setting_key": key})
			return "", contextutils.WrapErrorf(ErrSettingNotFound, "%s", key)
		}
		s.logger.Error(ctx, "Failed to get setting", err, map[string]interface{}{"setting_key": key})
		return "", contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to get setting %s: %v", key, err)
	}

	return value, nil
}

// SetSetting updates or creates a setting
func (s *WorkerService) SetSetting(ctx context.Context, key, value string) (err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "set_setting", attribute.String("setting.key", key))
	defer observability.FinishSpan(span, &err)

	if strings.TrimSpace(key) == "" {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "setting key cannot be empty")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_settings (setting_key, setting_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (setting_key) DO UPDATE SET
			setting_value = EXCLUDED.setting_value,
			updated_at = EXCLUDED.updated_at
	`, key, value)
	if err != nil {
		s.logger.Error(ctx, "Failed to set setting", err, map[string]interface{}{"setting_key": key})
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to set setting %s: %v", key, err)
	}

	s.logger.Debug(ctx, "Setting updated", map[string]interface{}{"setting_key": key, "setting_value": value})
	return nil
}

// IsGlobalPaused checks if every scheduled cycle is paused. A missing setting means not paused.
func (s *WorkerService) IsGlobalPaused(ctx context.Context) (result0 bool, err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "is_global_paused")
	defer observability.FinishSpan(span, &err)

	value, err := s.GetSetting(ctx, globalPauseKey)
	if err != nil {
		if errors.Is(err, ErrSettingNotFound) {
			return false, nil
		}
		return false, err
	}

	return value == "true", nil
}

// SetGlobalPause sets the global pause state
func (s *WorkerService) SetGlobalPause(ctx context.Context, paused bool) (err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "set_global_pause", attribute.Bool("paused", paused))
	defer observability.FinishSpan(span, &err)

	value := "false"
	if paused {
		value = "true"
	}

	if err = s.SetSetting(ctx, globalPauseKey, value); err != nil {
		return err
	}

	s.logger.Info(ctx, "Global pause state updated", map[string]interface{}{"global_paused": paused})
	return nil
}

// UpdateWorkerStatus upserts the status row of a worker instance
func (s *WorkerService) UpdateWorkerStatus(ctx context.Context, instance string, status *models.WorkerStatus) (err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "update_worker_status",
		attribute.String("worker.instance", instance),
		attribute.Bool("worker.is_running", status.IsRunning),
		attribute.Bool("worker.is_paused", status.IsPaused),
	)
	defer observability.FinishSpan(span, &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_status (
			worker_instance, is_running, is_paused, current_activity,
			last_heartbeat, updated_at
		) VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (worker_instance) DO UPDATE SET
			is_running = EXCLUDED.is_running,
			is_paused = EXCLUDED.is_paused,
			current_activity = EXCLUDED.current_activity,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`, instance, status.IsRunning, status.IsPaused, status.CurrentActivity)
	if err != nil {
		s.logger.Error(ctx, "Failed to update worker status", err, map[string]interface{}{
			"worker_instance": instance,
			"is_running":      status.IsRunning,
			"is_paused":       status.IsPaused,
		})
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to update worker status for instance %s: %v", instance, err)
	}

	return nil
}

// RecordCycleRun stores the outcome of the latest cycle run and bumps the counters
func (s *WorkerService) RecordCycleRun(ctx context.Context, instance string, run models.CycleRun) (err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "record_cycle_run",
		attribute.String("worker.instance", instance),
		attribute.String("worker.cycle", run.Cycle),
	)
	defer observability.FinishSpan(span, &err)

	runErr := sql.NullString{String: run.Error, Valid: run.Error != ""}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_status (
			worker_instance, is_running, last_cycle, last_run_start, last_run_finish,
			last_run_error, total_items_processed, total_runs, last_heartbeat, updated_at
		) VALUES ($1, TRUE, $2, $3, $4, $5, $6, 1, NOW(), NOW())
		ON CONFLICT (worker_instance) DO UPDATE SET
			last_cycle = EXCLUDED.last_cycle,
			last_run_start = EXCLUDED.last_run_start,
			last_run_finish = EXCLUDED.last_run_finish,
			last_run_error = EXCLUDED.last_run_error,
			total_items_processed = worker_status.total_items_processed + EXCLUDED.total_items_processed,
			total_runs = worker_status.total_runs + 1,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`, instance, run.Cycle, run.StartedAt, run.StartedAt.Add(run.Duration), runErr, run.Items)
	if err != nil {
		s.logger.Error(ctx, "Failed to record cycle run", err, map[string]interface{}{
			"worker_instance": instance,
			"cycle":           run.Cycle,
		})
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to record %s run: %v", run.Cycle, err)
	}
	return nil
}

// GetWorkerStatus retrieves worker status by instance
func (s *WorkerService) GetWorkerStatus(ctx context.Context, instance string) (result0 *models.WorkerStatus, err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "get_worker_status", attribute.String("worker.instance", instance))
	defer observability.FinishSpan(span, &err)

	var status models.WorkerStatus
	err = s.db.QueryRowContext(ctx, `
		SELECT worker_instance, is_running, is_paused, current_activity,
			   last_heartbeat, last_cycle, last_run_start, last_run_finish, last_run_error,
			   total_items_processed, total_runs, updated_at
		FROM worker_status WHERE worker_instance = $1
	`, instance).Scan(
		&status.WorkerInstance, &status.IsRunning, &status.IsPaused, &status.CurrentActivity,
		&status.LastHeartbeat, &status.LastCycle, &status.LastRunStart, &status.LastRunFinish,
		&status.LastRunError, &status.TotalItemsProcessed, &status.TotalRuns, &status.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "worker status not found for instance %s", instance)
		}
		s.logger.Error(ctx, "Failed to get worker status", err, map[string]interface{}{"worker_instance": instance})
		return nil, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to get worker status for instance %s: %v", instance, err)
	}

	return &status, nil
}

// UpdateHeartbeat updates the heartbeat for a worker instance
func (s *WorkerService) UpdateHeartbeat(ctx context.Context, instance string) (err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "update_heartbeat", attribute.String("worker.instance", instance))
	defer observability.FinishSpan(span, &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_status (worker_instance, last_heartbeat, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (worker_instance) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`, instance)
	if err != nil {
		s.logger.Error(ctx, "Failed to update heartbeat", err, map[string]interface{}{"worker_instance": instance})
		return contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to update heartbeat for instance %s: %v", instance, err)
	}

	return nil
}

// IsWorkerHealthy checks if a worker instance is healthy based on recent heartbeat
func (s *WorkerService) IsWorkerHealthy(ctx context.Context, instance string) (result0 bool, err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "is_worker_healthy", attribute.String("worker.instance", instance))
	defer observability.FinishSpan(span, &err)

	var lastHeartbeat sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT last_heartbeat FROM worker_status WHERE worker_instance = $1
	`, instance).Scan(&lastHeartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug(ctx, "Worker not found, considered unhealthy", map[string]interface{}{"worker_instance": instance})
			return false, nil
		}
		return false, contextutils.WrapErrorf(contextutils.ErrDatabaseQuery, "failed to check worker health for instance %s: %v", instance, err)
	}

	if !lastHeartbeat.Valid {
		return false, nil
	}

	healthy := time.Since(lastHeartbeat.Time) < workerHealthyWithin
	span.SetAttributes(attribute.Bool("worker.healthy", healthy))
	return healthy, nil
}
