// Package queue is the task broker shared by notification and report tasks. One TaskQueue
// serves immediate and deferred work; a deferred task carries a not-before time.
package queue

import (
	"context"
	"time"

	"lingocore/internal/models"
)

// TaskQueue enqueues tasks for at-least-once delivery
type TaskQueue interface {
	// Enqueue schedules task. A nil notBefore means deliver as soon as possible.
	Enqueue(ctx context.Context, task *models.Task, notBefore *time.Time) (string, error)
}

// HandlerFunc processes one delivered task. Handlers must be idempotent.
type HandlerFunc func(ctx context.Context, task *models.Task) error
