package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/queue"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

const (
	weeklyReportSpan   = 7 * 24 * time.Hour
	stalledReportBatch = 100
)

// ReportDispatcherInterface is what request paths need from the dispatcher
type ReportDispatcherInterface interface {
	RequestReport(ctx context.Context, userID int64, botID string, kind models.ReportKind) (reportID, taskID string, err error)
}

// ReportDispatcher drives a report through PENDING, GENERATING, GENERATED and SENT using
// queued tasks. Each handler checks the report status first so duplicate deliveries are no-ops.
type ReportDispatcher struct {
	reports  ReportRepository
	attempts AttemptRepository
	profiles ProfileRepository
	writer   ReportWriter
	queue    queue.TaskQueue
	metrics  observability.MetricsRecorder
	logger   *observability.Logger
	cfg      config.ReportConfig
	now      func() time.Time
	// finalAttempt reports whether a failed task is not redelivered
	finalAttempt func(context.Context) bool
}

var _ ReportDispatcherInterface = (*ReportDispatcher)(nil)

// NewReportDispatcher creates a report dispatcher
func NewReportDispatcher(
	reports ReportRepository,
	attempts AttemptRepository,
	profiles ProfileRepository,
	writer ReportWriter,
	taskQueue queue.TaskQueue,
	metrics observability.MetricsRecorder,
	cfg config.ReportConfig,
	logger *observability.Logger,
) *ReportDispatcher {
	return &ReportDispatcher{
		reports:  reports,
		attempts: attempts,
		profiles: profiles,
		writer:   writer,
		queue:    taskQueue,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,

		finalAttempt: queue.IsFinalAttempt,
	}
}

// RequestReport creates a PENDING report and enqueues its generation
func (d *ReportDispatcher) RequestReport(ctx context.Context, userID int64, botID string, kind models.ReportKind) (reportID, taskID string, err error) {
	ctx, span := observability.TraceReportFunction(ctx, "request_report",
		observability.AttributeUserID(userID),
		attribute.String("report.kind", string(kind)),
	)
	defer observability.FinishSpan(span, &err)

	if _, err := models.ParseReportKind(string(kind)); err != nil {
		return "", "", err
	}
	if botID == "" {
		return "", "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "bot id is required")
	}

	report := &models.Report{UserID: userID, BotID: botID, Kind: kind}
	if err := d.reports.Create(ctx, report); err != nil {
		return "", "", err
	}

	taskID, err = d.enqueue(ctx, models.TaskReportGenerate, models.ReportTaskPayload{ReportID: report.ID}, nil, "")
	if err != nil {
		// the row would otherwise sit in PENDING with nothing to pick it up
		if failErr := d.reports.Fail(ctx, report.ID, models.ReportPending, err.Error()); failErr != nil {
			d.logger.Error(ctx, "Failed to mark unqueued report failed", failErr, map[string]interface{}{"report_id": report.ID})
		}
		return report.ID, "", err
	}

	span.SetAttributes(observability.AttributeReportID(report.ID))
	return report.ID, taskID, nil
}

// HandleGenerate consumes report_generate tasks
func (d *ReportDispatcher) HandleGenerate(ctx context.Context, task *models.Task) (err error) {
	var payload models.ReportTaskPayload
	if err := task.DecodePayload(&payload); err != nil {
		return err
	}
	ctx, span := observability.TraceReportFunction(ctx, "generate_report", observability.AttributeReportID(payload.ReportID))
	defer observability.FinishSpan(span, &err)

	fields := map[string]interface{}{"report_id": payload.ReportID}

	ok, err := d.claim(ctx, payload.ReportID, fields)
	if err != nil || !ok {
		return err
	}

	content, err := d.generate(ctx, payload.ReportID)
	if err == nil {
		err = d.reports.CompleteGeneration(ctx, payload.ReportID, content)
	}
	if err != nil {
		return d.generationFailed(ctx, payload.ReportID, err, fields)
	}

	d.metrics.ReportFinished(ctx, "generate", string(models.ReportGenerated))
	return d.scheduleDelivery(ctx, payload.ReportID, "deliver:"+payload.ReportID, fields)
}

// claim moves the report to GENERATING. When the CAS loses it looks at where the report
// is: GENERATED gets its delivery (re)scheduled, a stale GENERATING claim is taken over,
// anything else is a duplicate.
func (d *ReportDispatcher) claim(ctx context.Context, id string, fields map[string]interface{}) (bool, error) {
	err := d.reports.Transition(ctx, id, models.ReportPending, models.ReportGenerating)
	if err == nil {
		return true, nil
	}
	if !contextutils.IsConflict(err) {
		return false, err
	}

	report, err := d.reports.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch report.Status {
	case models.ReportGenerated:
		d.logger.Info(ctx, "Report already generated, scheduling delivery", fields)
		return false, d.scheduleDelivery(ctx, id, "deliver:"+id, fields)
	case models.ReportGenerating:
		return d.takeOver(ctx, report, fields)
	}
	d.logger.Info(ctx, "Report already handled, acknowledging duplicate", map[string]interface{}{
		"report_id": id,
		"status":    string(report.Status),
	})
	return false, nil
}

func (d *ReportDispatcher) takeOver(ctx context.Context, report *models.Report, fields map[string]interface{}) (bool, error) {
	staleBefore := d.now().Add(-d.cfg.ClaimTimeout)
	if report.ClaimedAt.Valid && !report.ClaimedAt.Time.Before(staleBefore) {
		d.logger.Info(ctx, "Report is being generated by another worker, acknowledging duplicate", fields)
		return false, nil
	}

	if err := d.reports.Requeue(ctx, report.ID, staleBefore); err != nil {
		if contextutils.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	if err := d.reports.Transition(ctx, report.ID, models.ReportPending, models.ReportGenerating); err != nil {
		if contextutils.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	d.logger.Warn(ctx, "Took over stale report claim", map[string]interface{}{
		"report_id":  report.ID,
		"claimed_at": report.ClaimedAt.Time,
	})
	return true, nil
}

// generationFailed releases the claim for another attempt when the cause is transient and
// the broker will redeliver, and marks the report FAILED otherwise
func (d *ReportDispatcher) generationFailed(ctx context.Context, id string, cause error, fields map[string]interface{}) error {
	// the row outlives a cancelled handler context
	dbCtx := context.WithoutCancel(ctx)

	if contextutils.IsConflict(cause) {
		d.logger.Warn(ctx, "Report claim was taken over, dropping generated content", fields)
		return nil
	}

	if isTransient(cause) && !d.finalAttempt(ctx) {
		if err := d.reports.Transition(dbCtx, id, models.ReportGenerating, models.ReportPending); err != nil {
			// the stale claim takeover picks it up after the claim timeout
			d.logger.Error(ctx, "Failed to release report claim", err, fields)
		}
		d.logger.Warn(ctx, "Report generation interrupted, will retry", map[string]interface{}{
			"report_id": id,
			"error":     cause.Error(),
		})
		return contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "report %s generation interrupted: %v", id, cause)
	}

	d.metrics.ReportFinished(ctx, "generate", string(models.ReportFailed))
	d.logger.Error(ctx, "Report generation failed", cause, fields)
	if err := d.reports.Fail(dbCtx, id, models.ReportGenerating, cause.Error()); err != nil {
		d.logger.Error(ctx, "Failed to mark report failed", err, fields)
	}
	// FAILED is terminal, a retry would lose the CAS anyway
	return nil
}

func isTransient(err error) bool {
	return contextutils.IsRetryable(err) ||
		contextutils.GetErrorCode(err) == contextutils.ErrorCodeDatabaseQuery ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// scheduleDelivery enqueues the deliver task once per key
func (d *ReportDispatcher) scheduleDelivery(ctx context.Context, id, key string, fields map[string]interface{}) error {
	deliverAt := d.now().Add(d.cfg.DeliverDelay)
	if _, err := d.enqueue(ctx, models.TaskReportDeliver, models.ReportTaskPayload{ReportID: id}, &deliverAt, key); err != nil {
		// GENERATED stays put; the redelivered generate task or the recovery sweep schedules it
		d.logger.Error(ctx, "Failed to enqueue report delivery", err, fields)
		return err
	}
	d.logger.Info(ctx, "Report delivery scheduled", map[string]interface{}{
		"report_id":  id,
		"deliver_at": deliverAt,
	})
	return nil
}

func (d *ReportDispatcher) generate(ctx context.Context, reportID string) (string, error) {
	report, err := d.reports.Get(ctx, reportID)
	if err != nil {
		return "", err
	}

	var since time.Time
	if report.Kind == models.ReportWeekly {
		since = d.now().Add(-weeklyReportSpan)
	}
	attempts, err := d.attempts.RecentForUser(ctx, report.UserID, since, d.cfg.RecentAttempts)
	if err != nil {
		return "", err
	}

	level := ""
	if profile, err := d.profiles.Get(ctx, report.UserID, report.BotID); err == nil {
		level = profile.LanguageLevel
	} else if !contextutils.IsNotFound(err) {
		return "", err
	}

	content, err := d.writer.WriteReport(ctx, ReportRequest{
		Kind:     report.Kind,
		Language: report.BotID,
		Level:    level,
		Attempts: attempts,
	})
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", contextutils.WrapErrorf(contextutils.ErrJudgeResponseInvalid, "report writer returned no content")
	}
	return content, nil
}

// HandleDeliver consumes report_deliver tasks. The notification is queued before the
// report moves to SENT, so a failed enqueue leaves it GENERATED for the retry.
func (d *ReportDispatcher) HandleDeliver(ctx context.Context, task *models.Task) (err error) {
	var payload models.ReportTaskPayload
	if err := task.DecodePayload(&payload); err != nil {
		return err
	}
	ctx, span := observability.TraceReportFunction(ctx, "deliver_report", observability.AttributeReportID(payload.ReportID))
	defer observability.FinishSpan(span, &err)

	fields := map[string]interface{}{"report_id": payload.ReportID}

	report, err := d.reports.Get(ctx, payload.ReportID)
	if err != nil {
		return err
	}
	switch report.Status {
	case models.ReportGenerated:
	case models.ReportSent:
		d.logger.Info(ctx, "Report already delivered, acknowledging duplicate", fields)
		return nil
	default:
		d.logger.Warn(ctx, "Report is not ready for delivery", map[string]interface{}{
			"report_id": report.ID,
			"status":    string(report.Status),
		})
		return nil
	}

	notification := models.NotificationPayload{
		Kind:     models.NotificationReportReady,
		UserID:   report.UserID,
		BotID:    report.BotID,
		ReportID: report.ID,
	}
	if _, err := d.enqueue(ctx, models.TaskNotification, notification, nil, "report_ready:"+report.ID); err != nil {
		d.logger.Error(ctx, "Failed to enqueue report notification", err, fields)
		return err
	}

	if err := d.reports.Transition(ctx, report.ID, models.ReportGenerated, models.ReportSent); err != nil {
		if contextutils.IsConflict(err) {
			d.logger.Info(ctx, "Report already marked sent, acknowledging duplicate", fields)
			return nil
		}
		return err
	}

	d.metrics.NotificationEnqueued(ctx, string(models.NotificationReportReady))
	d.metrics.ReportFinished(ctx, "deliver", string(models.ReportSent))
	return nil
}

// RecoverStalledReports finds reports left behind by crashed or exhausted workers. Stale
// GENERATING claims get a fresh generate task and GENERATED reports that never went out
// get their delivery scheduled. It returns how many were recovered.
func (d *ReportDispatcher) RecoverStalledReports(ctx context.Context) (result0 int, err error) {
	ctx, span := observability.TraceReportFunction(ctx, "recover_stalled_reports")
	defer observability.FinishSpan(span, &err)

	staleBefore := d.now().Add(-d.cfg.ClaimTimeout)
	stalled, err := d.reports.ListStalled(ctx, staleBefore, stalledReportBatch)
	if err != nil {
		return 0, err
	}

	// one recovery task per report per claim timeout window
	round := ":recover:" + strconv.FormatInt(d.now().Truncate(d.cfg.ClaimTimeout).Unix(), 10)

	recovered := 0
	for _, report := range stalled {
		fields := map[string]interface{}{"report_id": report.ID, "status": string(report.Status)}
		switch report.Status {
		case models.ReportGenerating:
			// the generate handler takes the stale claim over
			payload := models.ReportTaskPayload{ReportID: report.ID}
			if _, err := d.enqueue(ctx, models.TaskReportGenerate, payload, nil, "generate:"+report.ID+round); err != nil {
				d.logger.Error(ctx, "Failed to enqueue stalled report", err, fields)
				continue
			}
		case models.ReportGenerated:
			if err := d.scheduleDelivery(ctx, report.ID, "deliver:"+report.ID+round, fields); err != nil {
				continue
			}
		default:
			continue
		}
		d.logger.Warn(ctx, "Recovered stalled report", fields)
		recovered++
	}

	span.SetAttributes(
		attribute.Int("report.stalled", len(stalled)),
		attribute.Int("report.recovered", recovered),
	)
	return recovered, nil
}

// RequestWeeklyReports requests a weekly report for every profile active enough in the
// last seven days. It returns how many were requested.
func (d *ReportDispatcher) RequestWeeklyReports(ctx context.Context) (result0 int, err error) {
	ctx, span := observability.TraceReportFunction(ctx, "request_weekly_reports")
	defer observability.FinishSpan(span, &err)

	candidates, err := d.profiles.ListWeeklyReportCandidates(ctx, d.now().Add(-weeklyReportSpan), d.cfg.WeeklyMinAttempts)
	if err != nil {
		return 0, err
	}

	requested := 0
	for _, p := range candidates {
		if _, _, err := d.RequestReport(ctx, p.UserID, p.BotID, models.ReportWeekly); err != nil {
			d.logger.Error(ctx, "Failed to request weekly report", err, map[string]interface{}{
				"user_id": p.UserID,
				"bot_id":  p.BotID,
			})
			continue
		}
		requested++
	}

	span.SetAttributes(
		attribute.Int("report.candidates", len(candidates)),
		attribute.Int("report.requested", requested),
	)
	return requested, nil
}

// RegisterHandlers wires the report task kinds into a consumer
func (d *ReportDispatcher) RegisterHandlers(consumer *queue.Consumer) {
	consumer.Handle(models.TaskReportGenerate, d.HandleGenerate)
	consumer.Handle(models.TaskReportDeliver, d.HandleDeliver)
}

func (d *ReportDispatcher) enqueue(ctx context.Context, kind models.TaskKind, payload interface{}, notBefore *time.Time, uniqueKey string) (string, error) {
	task, err := models.NewTask(kind, payload)
	if err != nil {
		return "", err
	}
	task.UniqueKey = uniqueKey
	return d.queue.Enqueue(ctx, task, notBefore)
}
