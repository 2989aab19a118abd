package models

import (
	"encoding/json"
	"time"

	contextutils "lingocore/internal/utils"
)

// TaskKind names a unit of deferred work on the task queue
type TaskKind string

const (
	// TaskNotification is consumed by the delivery service outside this engine
	TaskNotification TaskKind = "notification"
	// TaskReportGenerate asks a worker to produce a report's content
	TaskReportGenerate TaskKind = "report_generate"
	// TaskReportDeliver asks a worker to hand a generated report to delivery
	TaskReportDeliver TaskKind = "report_deliver"
)

// Task is a kind plus JSON payload, optionally held back until NotBefore.
// A non-empty UniqueKey makes enqueueing idempotent.
type Task struct {
	Kind      TaskKind        `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore *time.Time      `json:"not_before,omitempty"`
	UniqueKey string          `json:"unique_key,omitempty"`
}

// NewTask builds a task, marshaling payload to JSON
func NewTask(kind TaskKind, payload interface{}) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "marshal %s payload: %v", kind, err)
	}
	return &Task{Kind: kind, Payload: data}, nil
}

// DecodePayload unmarshals the task payload into v
func (t *Task) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "decode %s payload: %v", t.Kind, err)
	}
	return nil
}

// NotificationKind distinguishes the notifications this engine produces
type NotificationKind string

const (
	// NotificationSessionReady tells the learner a new session is available
	NotificationSessionReady NotificationKind = "session_ready"
	// NotificationStreakRisk warns a learner whose streak lapses without activity today
	NotificationStreakRisk NotificationKind = "streak_risk"
	// NotificationLongBreak nudges a learner who has been inactive
	NotificationLongBreak NotificationKind = "long_break"
	// NotificationReportReady announces a generated report
	NotificationReportReady NotificationKind = "report_ready"
)

// NotificationPayload is the body of a TaskNotification
type NotificationPayload struct {
	Kind         NotificationKind `json:"kind"`
	UserID       int64            `json:"user_id"`
	BotID        string           `json:"bot_id"`
	ReportID     string           `json:"report_id,omitempty"`
	ReminderStep int              `json:"reminder_step,omitempty"`
	DaysInactive int              `json:"days_inactive,omitempty"`
}

// ReportTaskPayload is the body of report_generate and report_deliver tasks
type ReportTaskPayload struct {
	ReportID string `json:"report_id"`
}
