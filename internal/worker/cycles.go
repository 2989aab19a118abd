package worker

import (
	"context"
	"fmt"

	"lingocore/internal/config"
	"lingocore/internal/services"
)

// Cycle names
const (
	CycleStock          = "stock"
	CycleQuality        = "quality"
	CycleReview         = "review"
	CycleNotifications  = "notifications"
	CycleWeeklyReports  = "weekly_reports"
	CycleReportRecovery = "report_recovery"
)

// StockRefiller runs one stock refill pass
type StockRefiller interface {
	RunCycle(ctx context.Context) (services.StockReport, error)
}

// QualityScanner runs one quality monitoring pass
type QualityScanner interface {
	RunCycle(ctx context.Context) (services.QualityReport, error)
}

// Reviewer runs one review pass
type Reviewer interface {
	RunCycle(ctx context.Context) (services.ReviewReport, error)
}

// NotificationScanner runs one notification pass
type NotificationScanner interface {
	RunCycle(ctx context.Context) (services.NotificationReport, error)
}

// WeeklyReportRequester requests weekly reports for eligible learners
type WeeklyReportRequester interface {
	RequestWeeklyReports(ctx context.Context) (int, error)
}

// StalledReportRecoverer reschedules reports abandoned mid-pipeline
type StalledReportRecoverer interface {
	RecoverStalledReports(ctx context.Context) (int, error)
}

// ReportScheduler is the report side of the worker
type ReportScheduler interface {
	WeeklyReportRequester
	StalledReportRecoverer
}

// StockCycle wraps the stock manager
func StockCycle(m StockRefiller, cfg config.StockConfig) Cycle {
	return Cycle{
		Name:     CycleStock,
		Interval: cfg.Interval,
		Run: func(ctx context.Context) (int, string, error) {
			report, err := m.RunCycle(ctx)
			if err != nil {
				return 0, "", err
			}
			short, rejected := 0, 0
			for _, p := range report.Pairs {
				rejected += p.Rejected
				if p.Short {
					short++
				}
			}
			generated := report.Generated()
			if generated == 0 && short == 0 {
				return 0, fmt.Sprintf("%s all %d pools at floor", NoActionPrefix, len(report.Pairs)), nil
			}
			return generated, fmt.Sprintf("generated=%d rejected=%d short_pools=%d pools=%d",
				generated, rejected, short, len(report.Pairs)), nil
		},
	}
}

// QualityCycle wraps the quality monitor
func QualityCycle(m QualityScanner, cfg config.QualityConfig) Cycle {
	return Cycle{
		Name:     CycleQuality,
		Interval: cfg.Interval,
		Run: func(ctx context.Context) (int, string, error) {
			r, err := m.RunCycle(ctx)
			if err != nil {
				return 0, "", err
			}
			if r.Demoted == 0 && r.Failed == 0 {
				return r.Scanned, fmt.Sprintf("%s scanned=%d", NoActionPrefix, r.Scanned), nil
			}
			return r.Scanned, fmt.Sprintf("scanned=%d updated=%d demoted=%d conflicts=%d failed=%d",
				r.Scanned, r.Updated, r.Demoted, r.Conflicts, r.Failed), nil
		},
	}
}

// ReviewCycle wraps the review processor
func ReviewCycle(p Reviewer, cfg config.ReviewConfig) Cycle {
	return Cycle{
		Name:     CycleReview,
		Interval: cfg.Interval,
		Run: func(ctx context.Context) (int, string, error) {
			r, err := p.RunCycle(ctx)
			if err != nil {
				return 0, "", err
			}
			handled := r.Reviewed + r.Deferred + r.Conflicts + r.Invalid
			if handled == 0 {
				return 0, NoActionPrefix + " nothing pending review", nil
			}
			return r.Reviewed, fmt.Sprintf("republished=%d archived=%d escalated=%d deferred=%d conflicts=%d invalid=%d",
				r.Republished, r.Archived, r.Escalated, r.Deferred, r.Conflicts, r.Invalid), nil
		},
	}
}

// NotificationCycle wraps the notification scheduler
func NotificationCycle(s NotificationScanner, cfg config.NotificationConfig) Cycle {
	return Cycle{
		Name:     CycleNotifications,
		Interval: cfg.Interval,
		Run: func(ctx context.Context) (int, string, error) {
			r, err := s.RunCycle(ctx)
			if err != nil {
				return 0, "", err
			}
			sent := r.SessionReady + r.StreakRisk + r.LongBreak
			if sent == 0 && r.Failed == 0 {
				return 0, fmt.Sprintf("%s skipped=%d", NoActionPrefix, r.Skipped), nil
			}
			return sent, fmt.Sprintf("session_ready=%d streak_risk=%d long_break=%d skipped=%d failed=%d",
				r.SessionReady, r.StreakRisk, r.LongBreak, r.Skipped, r.Failed), nil
		},
	}
}

// WeeklyReportCycle runs on the weekly cron schedule in the configured timezone
func WeeklyReportCycle(d WeeklyReportRequester, cfg config.ReportConfig) Cycle {
	return Cycle{
		Name:     CycleWeeklyReports,
		Schedule: weeklySchedule(cfg),
		Run: func(ctx context.Context) (int, string, error) {
			n, err := d.RequestWeeklyReports(ctx)
			if err != nil {
				return n, "", err
			}
			if n == 0 {
				return 0, NoActionPrefix + " no eligible learners", nil
			}
			return n, fmt.Sprintf("requested=%d", n), nil
		},
	}
}

// ReportRecoveryCycle wraps the stalled report sweep
func ReportRecoveryCycle(r StalledReportRecoverer, cfg config.ReportConfig) Cycle {
	return Cycle{
		Name:     CycleReportRecovery,
		Interval: cfg.RecoveryInterval,
		Run: func(ctx context.Context) (int, string, error) {
			n, err := r.RecoverStalledReports(ctx)
			if err != nil {
				return n, "", err
			}
			if n == 0 {
				return 0, NoActionPrefix + " no stalled reports", nil
			}
			return n, fmt.Sprintf("recovered=%d", n), nil
		},
	}
}

func weeklySchedule(cfg config.ReportConfig) string {
	if cfg.WeeklySchedule == "" {
		return ""
	}
	if cfg.Timezone == "" {
		return cfg.WeeklySchedule
	}
	return "CRON_TZ=" + cfg.Timezone + " " + cfg.WeeklySchedule
}

// Cycles builds the cycle list for a worker process
func Cycles(cfg *config.Config, stock StockRefiller, quality QualityScanner, review Reviewer, notifications NotificationScanner, reports ReportScheduler) []Cycle {
	cycles := []Cycle{
		StockCycle(stock, cfg.Stock),
		QualityCycle(quality, cfg.Quality),
		ReviewCycle(review, cfg.Review),
		NotificationCycle(notifications, cfg.Notifications),
		ReportRecoveryCycle(reports, cfg.Reports),
	}
	if cfg.Reports.WeeklyEnabled {
		cycles = append(cycles, WeeklyReportCycle(reports, cfg.Reports))
	}
	return cycles
}
