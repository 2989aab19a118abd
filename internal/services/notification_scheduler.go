package services

import (
	"context"
	"slices"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/queue"
	contextutils "lingocore/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// NotificationReport summarizes a notification scan
type NotificationReport struct {
	SessionReady int `json:"session_ready"`
	StreakRisk   int `json:"streak_risk"`
	LongBreak    int `json:"long_break"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// NotificationScheduler scans learner profiles and enqueues due notifications.
// Every enqueue is preceded by a conditional stamp on the profile, and the stamp is
// rolled back when the enqueue fails.
type NotificationScheduler struct {
	profiles ProfileRepository
	queue    queue.TaskQueue
	metrics  observability.MetricsRecorder
	logger   *observability.Logger
	cfg      config.NotificationConfig
	steps    []time.Duration
	now      func() time.Time
}

// NewNotificationScheduler creates a scheduler
func NewNotificationScheduler(profiles ProfileRepository, taskQueue queue.TaskQueue, metrics observability.MetricsRecorder, cfg config.NotificationConfig, logger *observability.Logger) *NotificationScheduler {
	steps := slices.Clone(cfg.LongBreakSteps)
	if len(steps) == 0 {
		steps = config.DefaultLongBreakSteps()
	}
	slices.Sort(steps)
	return &NotificationScheduler{
		profiles: profiles,
		queue:    taskQueue,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		steps:    steps,
		now:      time.Now,
	}
}

// RunCycle runs one scan. Per-profile failures are counted and logged.
func (s *NotificationScheduler) RunCycle(ctx context.Context) (result0 NotificationReport, err error) {
	ctx, span := observability.TraceNotificationFunction(ctx, "run_cycle")
	defer observability.FinishSpan(span, &err)

	now := s.now()
	var report NotificationReport

	if err := s.sessionReminders(ctx, now, &report); err != nil {
		return report, err
	}
	if err := s.longBreakReminders(ctx, now, &report); err != nil {
		return report, err
	}

	span.SetAttributes(
		attribute.Int("notifications.session_ready", report.SessionReady),
		attribute.Int("notifications.streak_risk", report.StreakRisk),
		attribute.Int("notifications.long_break", report.LongBreak),
		attribute.Int("notifications.failed", report.Failed),
	)
	return report, nil
}

// sessionReminders pages through every session that opened within the lookback and was not
// announced yet, so a backlog larger than one batch drains within the same cycle
func (s *NotificationScheduler) sessionReminders(ctx context.Context, now time.Time, report *NotificationReport) error {
	since := now.Add(-s.sessionLookback())
	var cursor SessionCursor

	for {
		if err := ctx.Err(); err != nil {
			return contextutils.WrapErrorf(contextutils.ErrTimeout, "notification scan interrupted: %v", err)
		}
		batch, err := s.profiles.ListSessionReady(ctx, since, now, cursor, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for i := range batch {
			s.sessionReady(ctx, &batch[i], now, report)
		}
		if len(batch) < s.cfg.BatchSize {
			return nil
		}
		last := batch[len(batch)-1]
		cursor = SessionCursor{FrozenUntil: last.SessionFrozenUntil.Time, UserID: last.UserID, BotID: last.BotID}
	}
}

func (s *NotificationScheduler) sessionLookback() time.Duration {
	if s.cfg.SessionLookback > s.cfg.Interval {
		return s.cfg.SessionLookback
	}
	return s.cfg.Interval
}

func (s *NotificationScheduler) sessionReady(ctx context.Context, p *models.UserBotProfile, now time.Time, report *NotificationReport) {
	fields := map[string]interface{}{"user_id": p.UserID, "bot_id": p.BotID}

	ok, err := s.profiles.ClaimSessionReminder(ctx, p.UserID, p.BotID, now)
	if err != nil {
		report.Failed++
		s.logger.Error(ctx, "Failed to stamp session reminder", err, fields)
		return
	}
	if !ok {
		report.Skipped++
		return
	}

	payload := models.NotificationPayload{Kind: models.NotificationSessionReady, UserID: p.UserID, BotID: p.BotID}
	if err := s.enqueue(ctx, payload); err != nil {
		report.Failed++
		s.logger.Error(ctx, "Failed to enqueue session reminder", err, fields)
		if relErr := s.profiles.ReleaseSessionReminder(ctx, p.UserID, p.BotID, now, p.LastSessionReminderAt); relErr != nil {
			s.logger.Error(ctx, "Failed to release session reminder stamp", relErr, fields)
		}
		return
	}
	report.SessionReady++
}

func (s *NotificationScheduler) longBreakReminders(ctx context.Context, now time.Time, report *NotificationReport) error {
	inactiveSince := now.Add(-s.steps[0])
	var cursor models.UserBotProfile

	for {
		if err := ctx.Err(); err != nil {
			return contextutils.WrapErrorf(contextutils.ErrTimeout, "notification scan interrupted: %v", err)
		}
		batch, err := s.profiles.ListInactive(ctx, inactiveSince, ProfileCursor{UserID: cursor.UserID, BotID: cursor.BotID}, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for i := range batch {
			s.longBreak(ctx, &batch[i], now, report)
		}
		if len(batch) < s.cfg.BatchSize {
			return nil
		}
		cursor = batch[len(batch)-1]
	}
}

// DueLongBreakStep returns the ladder step a profile is due for at now, or -1.
// A step is due when the inactivity reached it, no equal or higher step was sent during
// this inactivity streak, and the last reminder is older than the cooldown. The learner
// must also have last been active around this UTC time of day.
func (s *NotificationScheduler) DueLongBreakStep(p *models.UserBotProfile, now time.Time) int {
	if !p.LastActivityAt.Valid {
		return -1
	}
	if !s.inReminderWindow(p.LastActivityAt.Time, now) {
		return -1
	}
	inactivity := now.Sub(p.LastActivityAt.Time)

	step := -1
	for i, d := range s.steps {
		if inactivity >= d {
			step = i
		}
	}
	if step < 0 || step <= p.LongBreakStep() {
		return -1
	}
	if p.LastLongBreakReminderAt.Valid && now.Sub(p.LastLongBreakReminderAt.Time) < s.cfg.LongBreakCooldown {
		return -1
	}
	return step
}

// inReminderWindow reports whether the time of day of lastActivity lies within half the
// configured window of now's, both in UTC. The comparison wraps around midnight.
func (s *NotificationScheduler) inReminderWindow(lastActivity, now time.Time) bool {
	window := s.cfg.LongBreakTimeWindow
	if window <= 0 || window >= 24*time.Hour {
		return true
	}
	diff := timeOfDay(now) - timeOfDay(lastActivity)
	if diff < 0 {
		diff = -diff
	}
	if diff > 12*time.Hour {
		diff = 24*time.Hour - diff
	}
	return diff <= window/2
}

func timeOfDay(t time.Time) time.Duration {
	t = t.UTC()
	return t.Sub(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC))
}

func (s *NotificationScheduler) longBreak(ctx context.Context, p *models.UserBotProfile, now time.Time, report *NotificationReport) {
	step := s.DueLongBreakStep(p, now)
	if step < 0 {
		return
	}
	fields := map[string]interface{}{"user_id": p.UserID, "bot_id": p.BotID, "step": step}

	claim := LongBreakClaim{
		UserID:         p.UserID,
		BotID:          p.BotID,
		Step:           step,
		ClaimedAt:      now,
		CooldownCutoff: now.Add(-s.cfg.LongBreakCooldown),
		PreviousAt:     p.LastLongBreakReminderAt,
		PreviousStep:   p.LastLongBreakReminderStep,
	}
	ok, err := s.profiles.ClaimLongBreakReminder(ctx, claim)
	if err != nil {
		report.Failed++
		s.logger.Error(ctx, "Failed to stamp long break reminder", err, fields)
		return
	}
	if !ok {
		report.Skipped++
		return
	}

	kind := models.NotificationLongBreak
	if step == 0 && p.CurrentStreak > 0 {
		kind = models.NotificationStreakRisk
	}
	payload := models.NotificationPayload{
		Kind:         kind,
		UserID:       p.UserID,
		BotID:        p.BotID,
		ReminderStep: step,
		DaysInactive: int(now.Sub(p.LastActivityAt.Time) / (24 * time.Hour)),
	}
	if err := s.enqueue(ctx, payload); err != nil {
		report.Failed++
		s.logger.Error(ctx, "Failed to enqueue long break reminder", err, fields)
		if relErr := s.profiles.ReleaseLongBreakReminder(ctx, claim); relErr != nil {
			s.logger.Error(ctx, "Failed to release long break reminder stamp", relErr, fields)
		}
		return
	}

	if kind == models.NotificationStreakRisk {
		report.StreakRisk++
	} else {
		report.LongBreak++
	}
}

func (s *NotificationScheduler) enqueue(ctx context.Context, payload models.NotificationPayload) error {
	task, err := models.NewTask(models.TaskNotification, payload)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, task, nil); err != nil {
		return err
	}
	s.metrics.NotificationEnqueued(ctx, string(payload.Kind))
	return nil
}
