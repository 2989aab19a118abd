package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// WorkerSettings represents worker configuration settings stored in database
type WorkerSettings struct {
	SettingKey   string    `json:"setting_key" db:"setting_key"`
	SettingValue string    `json:"setting_value" db:"setting_value"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// WorkerStatus represents worker health and activity status
type WorkerStatus struct {
	WorkerInstance      string         `json:"worker_instance" db:"worker_instance"`
	IsRunning           bool           `json:"is_running" db:"is_running"`
	IsPaused            bool           `json:"is_paused" db:"is_paused"`
	CurrentActivity     sql.NullString `json:"current_activity" db:"current_activity"`
	LastHeartbeat       sql.NullTime   `json:"last_heartbeat" db:"last_heartbeat"`
	LastCycle           sql.NullString `json:"last_cycle" db:"last_cycle"`
	LastRunStart        sql.NullTime   `json:"last_run_start" db:"last_run_start"`
	LastRunFinish       sql.NullTime   `json:"last_run_finish" db:"last_run_finish"`
	LastRunError        sql.NullString `json:"last_run_error" db:"last_run_error"`
	TotalItemsProcessed int            `json:"total_items_processed" db:"total_items_processed"`
	TotalRuns           int            `json:"total_runs" db:"total_runs"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

// MarshalJSON customizes JSON marshaling for WorkerStatus to handle sql.NullString and sql.NullTime properly
func (ws WorkerStatus) MarshalJSON() (result0 []byte, err error) {
	return json.Marshal(&struct {
		WorkerInstance      string     `json:"worker_instance"`
		IsRunning           bool       `json:"is_running"`
		IsPaused            bool       `json:"is_paused"`
		CurrentActivity     *string    `json:"current_activity"`
		LastHeartbeat       *time.Time `json:"last_heartbeat"`
		LastCycle           *string    `json:"last_cycle"`
		LastRunStart        *time.Time `json:"last_run_start"`
		LastRunFinish       *time.Time `json:"last_run_finish"`
		LastRunError        *string    `json:"last_run_error"`
		TotalItemsProcessed int        `json:"total_items_processed"`
		TotalRuns           int        `json:"total_runs"`
		UpdatedAt           time.Time  `json:"updated_at"`
	}{
		WorkerInstance:      ws.WorkerInstance,
		IsRunning:           ws.IsRunning,
		IsPaused:            ws.IsPaused,
		CurrentActivity:     nullStringToPointer(ws.CurrentActivity),
		LastHeartbeat:       nullTimeToPointer(ws.LastHeartbeat),
		LastCycle:           nullStringToPointer(ws.LastCycle),
		LastRunStart:        nullTimeToPointer(ws.LastRunStart),
		LastRunFinish:       nullTimeToPointer(ws.LastRunFinish),
		LastRunError:        nullStringToPointer(ws.LastRunError),
		TotalItemsProcessed: ws.TotalItemsProcessed,
		TotalRuns:           ws.TotalRuns,
		UpdatedAt:           ws.UpdatedAt,
	})
}

// CycleRun records one execution of a scheduled cycle
type CycleRun struct {
	Cycle     string        `json:"cycle"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Items     int           `json:"items"`
	Summary   string        `json:"summary,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the run finished without error
func (r CycleRun) Succeeded() bool {
	return r.Error == ""
}
