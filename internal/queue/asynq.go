package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
)

// enqueuer is the slice of asynq.Client the queue uses
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqQueue implements TaskQueue on an asynq (redis) broker. Notification tasks go to the
// notification queue, report tasks to the report queue.
type AsynqQueue struct {
	client   enqueuer
	queues   map[models.TaskKind]string
	maxRetry int
	timeout  time.Duration
	logger   *observability.Logger
}

var _ TaskQueue = (*AsynqQueue)(nil)

// NewAsynqQueue creates a queue backed by the given asynq client
func NewAsynqQueue(client enqueuer, cfg config.QueueConfig, logger *observability.Logger) *AsynqQueue {
	return &AsynqQueue{
		client: client,
		queues: map[models.TaskKind]string{
			models.TaskNotification:   cfg.NotificationQueue,
			models.TaskReportGenerate: cfg.ReportQueue,
			models.TaskReportDeliver:  cfg.ReportQueue,
		},
		maxRetry: cfg.MaxRetry,
		timeout:  cfg.TaskTimeout,
		logger:   logger,
	}
}

// RedisConnOpt parses the broker URL into asynq connection options
func RedisConnOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "invalid queue redis url %s: %v", contextutils.RedactURL(redisURL), err)
	}
	return opt, nil
}

// Enqueue submits task to the broker
func (q *AsynqQueue) Enqueue(ctx context.Context, task *models.Task, notBefore *time.Time) (result0 string, err error) {
	ctx, span := observability.TraceQueueFunction(ctx, "enqueue",
		observability.AttributeTaskKind(task.Kind),
		attribute.Bool("task.deferred", notBefore != nil),
	)
	defer observability.FinishSpan(span, &err)

	queueName, ok := q.queues[task.Kind]
	if !ok {
		return "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "no queue for task kind %q", task.Kind)
	}

	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(q.maxRetry),
	}
	if q.timeout > 0 {
		opts = append(opts, asynq.Timeout(q.timeout))
	}
	if notBefore != nil {
		opts = append(opts, asynq.ProcessAt(*notBefore))
	} else if task.NotBefore != nil {
		opts = append(opts, asynq.ProcessAt(*task.NotBefore))
	}
	if task.UniqueKey != "" {
		opts = append(opts, asynq.TaskID(task.UniqueKey))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(string(task.Kind), task.Payload), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// already queued or retained under the same key
		q.logger.Debug(ctx, "Task already enqueued", map[string]interface{}{
			"task_id": task.UniqueKey,
			"kind":    string(task.Kind),
		})
		return task.UniqueKey, nil
	}
	if err != nil {
		return "", contextutils.WrapErrorf(contextutils.ErrQueueUnavailable, "failed to enqueue %s task: %v", task.Kind, err)
	}

	span.SetAttributes(attribute.String("task.id", info.ID), attribute.String("task.queue", info.Queue))
	q.logger.Debug(ctx, "Enqueued task", map[string]interface{}{
		"task_id": info.ID,
		"kind":    string(task.Kind),
		"queue":   info.Queue,
	})
	return info.ID, nil
}

// Close releases the broker connection
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// Consumer dispatches delivered tasks to handlers registered per kind
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *observability.Logger
}

// NewConsumer creates a consumer for the report queue. The notification queue is
// drained by the delivery service, never by this process.
func NewConsumer(redisOpt asynq.RedisConnOpt, cfg config.QueueConfig, logger *observability.Logger) *Consumer {
	var server *asynq.Server
	if redisOpt != nil {
		server = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      consumerQueues(cfg),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error(ctx, "Task failed", err, map[string]interface{}{"kind": task.Type()})
			}),
			Logger: &asynqLogger{logger: logger},
		})
	}
	return &Consumer{
		server: server,
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
}

func consumerQueues(cfg config.QueueConfig) map[string]int {
	return map[string]int{cfg.ReportQueue: 1}
}

// IsFinalAttempt reports whether the task being handled will not be redelivered on error.
// Outside a broker delivery there is no retry, so it is always final.
func IsFinalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

// Handle registers the handler for one task kind. Invalid payloads are not retried.
func (c *Consumer) Handle(kind models.TaskKind, handler HandlerFunc) {
	c.mux.HandleFunc(string(kind), func(ctx context.Context, t *asynq.Task) (err error) {
		ctx, span := observability.TraceQueueFunction(ctx, "handle", observability.AttributeTaskKind(kind))
		defer observability.FinishSpan(span, &err)

		err = handler(ctx, &models.Task{Kind: models.TaskKind(t.Type()), Payload: t.Payload()})
		if err != nil && !contextutils.IsRetryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	})
}

// ProcessTask routes one task through the registered handlers
func (c *Consumer) ProcessTask(ctx context.Context, t *asynq.Task) error {
	return c.mux.ProcessTask(ctx, t)
}

// Start runs the consumer in the background
func (c *Consumer) Start() error {
	if c.server == nil {
		return errors.New("consumer has no broker connection")
	}
	c.logger.Info(context.Background(), "Starting task consumer")
	return c.server.Start(c.mux)
}

// Shutdown waits for in-flight tasks and stops the consumer
func (c *Consumer) Shutdown() {
	if c.server == nil {
		return
	}
	c.logger.Info(context.Background(), "Stopping task consumer")
	c.server.Shutdown()
}

// asynqLogger routes asynq's internal logs through the structured logger
type asynqLogger struct {
	logger *observability.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) {
	l.logger.Debug(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Info(args ...interface{}) {
	l.logger.Info(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Warn(args ...interface{}) {
	l.logger.Warn(context.Background(), fmt.Sprint(args...))
}

func (l *asynqLogger) Error(args ...interface{}) {
	l.logger.Error(context.Background(), fmt.Sprint(args...), nil)
}

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(context.Background(), fmt.Sprint(args...), nil)
}
