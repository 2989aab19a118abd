// Package worker runs the periodic lifecycle cycles (stock refill, quality
// monitoring, review, notifications and weekly reports) on their own
// schedules and reports worker health. A failing or panicking cycle is
// recorded and the scheduler keeps going.
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/services"
	contextutils "lingocore/internal/utils"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// NoActionPrefix marks cycle summaries where nothing had to change
	NoActionPrefix        = config.NoActionPrefix
	triggerThrottleWindow = config.WorkerTriggerThrottle // Ignore repeated manual triggers of one cycle within this window
)

// Trigger sources recorded with every run
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// CycleFunc runs one pass of a cycle and reports how many items it handled
type CycleFunc func(ctx context.Context) (items int, summary string, err error)

// Cycle describes a periodic job. Interval drives a ticker, Schedule a cron
// expression; a cycle with neither only runs when triggered.
type Cycle struct {
	Name     string
	Interval time.Duration
	Schedule string
	Timeout  time.Duration
	Run      CycleFunc
}

// Status represents the current state of the worker
type Status struct {
	IsRunning       bool                   `json:"is_running"`
	IsPaused        bool                   `json:"is_paused"`
	CurrentActivity string                 `json:"current_activity,omitempty"`
	LastCycle       string                 `json:"last_cycle,omitempty"`
	LastRunStart    time.Time              `json:"last_run_start"`
	LastRunFinish   time.Time              `json:"last_run_finish"`
	LastRunError    string                 `json:"last_run_error,omitempty"`
	Cycles          map[string]CycleStatus `json:"cycles"`
}

// CycleStatus is the per-cycle part of Status
type CycleStatus struct {
	Interval      time.Duration `json:"interval,omitempty"`
	Schedule      string        `json:"schedule,omitempty"`
	Running       bool          `json:"running"`
	Runs          int           `json:"runs"`
	LastRunStart  time.Time     `json:"last_run_start"`
	LastRunFinish time.Time     `json:"last_run_finish"`
	LastRunError  string        `json:"last_run_error,omitempty"`
	NextRun       time.Time     `json:"next_run"`
}

// RunRecord tracks individual cycle runs
type RunRecord struct {
	Cycle     string        `json:"cycle"`
	Trigger   string        `json:"trigger"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"` // Success, Failure, Skipped
	Items     int           `json:"items"`
	Details   string        `json:"details"`
}

// ActivityLog represents a single activity log entry
type ActivityLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // INFO, WARN, ERROR
	Message   string    `json:"message"`
	Cycle     string    `json:"cycle,omitempty"`
}

type cycleState struct {
	cycle   Cycle
	trigger chan struct{}
	running sync.Mutex
	entry   cron.EntryID
}

func (s *cycleState) timeout() time.Duration {
	if s.cycle.Timeout > 0 {
		return s.cycle.Timeout
	}
	if s.cycle.Interval > 0 {
		return s.cycle.Interval
	}
	return config.CLICycleTimeout
}

// Worker schedules and runs lifecycle cycles
type Worker struct {
	workerService services.WorkerServiceInterface
	metrics       observability.MetricsRecorder
	instance      string
	cfg           *config.Config
	logger        *observability.Logger

	order  []string
	cycles map[string]*cycleState
	cron   *cron.Cron

	status        Status
	history       []RunRecord
	activityLogs  []ActivityLog
	lastTriggered map[string]time.Time
	totalRuns     int
	totalItems    int
	mu            sync.RWMutex

	startPaused bool
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// Time function for testing - defaults to time.Now
	timeNow func() time.Time
}

// NewWorker builds a worker for the given cycles. Cycle names must be unique
// and cron schedules must parse.
func NewWorker(workerService services.WorkerServiceInterface, cycles []Cycle, metrics observability.MetricsRecorder, instance string, cfg *config.Config, logger *observability.Logger) (*Worker, error) {
	if instance == "" {
		instance = "default"
	}

	w := &Worker{
		workerService: workerService,
		metrics:       metrics,
		instance:      instance,
		cfg:           cfg,
		logger:        logger,
		cycles:        make(map[string]*cycleState, len(cycles)),
		cron:          cron.New(),
		status:        Status{CurrentActivity: "Initialized", Cycles: make(map[string]CycleStatus, len(cycles))},
		history:       make([]RunRecord, 0, cfg.Server.MaxHistory),
		lastTriggered: make(map[string]time.Time),
		startPaused:   getEnvBool("WORKER_START_PAUSED", false),
		runCtx:        context.Background(),
		timeNow:       time.Now,
	}

	for _, c := range cycles {
		if c.Name == "" || c.Run == nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "cycle %q needs a name and a run function", c.Name)
		}
		if _, dup := w.cycles[c.Name]; dup {
			return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "duplicate cycle %q", c.Name)
		}
		st := &cycleState{cycle: c, trigger: make(chan struct{}, 1)}
		if c.Schedule != "" {
			id, err := w.cron.AddFunc(c.Schedule, func() {
				w.runScheduled(w.baseContext(), st, TriggerSchedule)
			})
			if err != nil {
				return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "cycle %s: bad schedule %q: %v", c.Name, c.Schedule, err)
			}
			st.entry = id
		}
		w.cycles[c.Name] = st
		w.order = append(w.order, c.Name)
		w.status.Cycles[c.Name] = CycleStatus{Interval: c.Interval, Schedule: c.Schedule}
	}

	return w, nil
}

// getEnvBool is a helper function to get boolean environment variables
func getEnvBool(key string, defaultValue bool) bool {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}

// Start runs every cycle on its schedule and blocks until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.runCtx = ctx
	w.cancel = cancel
	w.status.IsRunning = true
	w.mu.Unlock()

	w.handleStartupPause(ctx)
	w.updateDatabaseStatus(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(ctx)
	}()

	for _, name := range w.order {
		st := w.cycles[name]
		w.wg.Add(1)
		go w.loop(ctx, st)
	}
	w.cron.Start()
	w.refreshCronNextRuns()

	initialStatus := w.getInitialWorkerStatus(ctx)
	w.logger.Info(ctx, "Worker started", map[string]interface{}{
		"instance": w.instance,
		"status":   initialStatus,
		"cycles":   strings.Join(w.order, ","),
	})
	w.logActivity("INFO", fmt.Sprintf("Worker %s started (%s)", w.instance, initialStatus), "")

	<-ctx.Done()

	w.logger.Info(ctx, "Worker shutting down", map[string]interface{}{
		"instance": w.instance,
	})
	w.logActivity("INFO", fmt.Sprintf("Worker %s shutting down", w.instance), "")

	// Stop returns a context that is done once running cron jobs finish
	<-w.cron.Stop().Done()
	w.wg.Wait()

	w.mu.Lock()
	w.status.IsRunning = false
	w.status.CurrentActivity = "Stopped"
	w.mu.Unlock()
	w.updateDatabaseStatus(context.WithoutCancel(ctx))
}

// loop drives one cycle from its ticker and manual triggers
func (w *Worker) loop(ctx context.Context, st *cycleState) {
	defer w.wg.Done()

	var tick <-chan time.Time
	if st.cycle.Interval > 0 {
		ticker := time.NewTicker(st.cycle.Interval)
		defer ticker.Stop()
		tick = ticker.C
		w.setNextRun(st.cycle.Name, w.timeNow().Add(st.cycle.Interval))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			w.runScheduled(ctx, st, TriggerSchedule)
			w.setNextRun(st.cycle.Name, w.timeNow().Add(st.cycle.Interval))
		case <-st.trigger:
			w.runScheduled(ctx, st, TriggerManual)
		}
	}
}

func (w *Worker) runScheduled(ctx context.Context, st *cycleState, trigger string) {
	if _, err := w.runCycle(ctx, st, trigger); err != nil && contextutils.IsConflict(err) {
		w.logger.Warn(ctx, "Cycle still running, skipping this run", map[string]interface{}{
			"instance": w.instance,
			"cycle":    st.cycle.Name,
			"trigger":  trigger,
		})
	}
	if st.cycle.Schedule != "" {
		w.refreshCronNextRuns()
	}
}

// handleStartupPause sets global pause if configured
func (w *Worker) handleStartupPause(ctx context.Context) {
	if !w.startPaused {
		return
	}
	w.logger.Info(ctx, "Worker configured to start paused - setting global pause", map[string]interface{}{
		"instance": w.instance,
	})
	if err := w.workerService.SetGlobalPause(ctx, true); err != nil {
		w.logger.Error(ctx, "Failed to set global pause on startup", err, map[string]interface{}{
			"instance": w.instance,
		})
	}
}

// getInitialWorkerStatus determines the initial status string
func (w *Worker) getInitialWorkerStatus(ctx context.Context) string {
	if paused, reason := w.checkPauseStatus(ctx); paused {
		return "paused: " + reason
	}
	return "running"
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(config.WorkerHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.workerService.UpdateHeartbeat(ctx, w.instance); err != nil {
				w.logger.Error(ctx, "Failed to update heartbeat for worker", err, map[string]interface{}{
					"instance": w.instance,
				})
			}
		}
	}
}

// runCycle executes a single cycle run. Runs of the same cycle never
// overlap; a second caller gets a conflict.
func (w *Worker) runCycle(parent context.Context, st *cycleState, trigger string) (result0 RunRecord, err error) {
	name := st.cycle.Name
	if !st.running.TryLock() {
		return RunRecord{}, contextutils.WrapErrorf(contextutils.ErrConflict, "cycle %s is already running", name)
	}
	defer st.running.Unlock()

	ctx, span := observability.TraceWorkerFunction(parent, "run_cycle",
		attribute.String("worker.instance", w.instance),
		attribute.String("worker.cycle", name),
		attribute.String("worker.trigger", trigger),
	)
	defer observability.FinishSpan(span, &err)

	if trigger != TriggerCLI {
		if paused, reason := w.checkPauseStatus(ctx); paused {
			span.SetAttributes(attribute.String("pause_reason", reason))
			w.updateActivity(reason)
			return RunRecord{Cycle: name, Trigger: trigger, Status: "Skipped", Details: reason}, nil
		}
	}

	start := w.timeNow()
	w.markStarted(name, start)

	runCtx, cancel := context.WithTimeout(ctx, st.timeout())
	items, summary, runErr := w.safeRun(runCtx, st.cycle)
	cancel()

	end := w.timeNow()
	record := RunRecord{
		Cycle:     name,
		Trigger:   trigger,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Items:     items,
		Details:   summary,
		Status:    "Success",
	}
	if runErr != nil {
		record.Status = "Failure"
		if record.Details == "" {
			record.Details = runErr.Error()
		}
	}
	span.SetAttributes(attribute.Int("cycle.items", items))

	w.finishRun(ctx, record, runErr)
	return record, runErr
}

// safeRun turns a panicking cycle into an error
func (w *Worker) safeRun(ctx context.Context, c Cycle) (items int, summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = contextutils.WrapErrorf(contextutils.ErrInternalError, "cycle %s panicked: %v", c.Name, r)
			w.logger.Error(ctx, "Cycle panicked", err, map[string]interface{}{
				"instance": w.instance,
				"cycle":    c.Name,
				"stack":    string(debug.Stack()),
			})
		}
	}()
	return c.Run(ctx)
}

func (w *Worker) markStarted(name string, start time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.CurrentActivity = "Running " + name
	w.status.LastCycle = name
	w.status.LastRunStart = start
	cs := w.status.Cycles[name]
	cs.Running = true
	cs.LastRunStart = start
	w.status.Cycles[name] = cs
}

// finishRun records the run in status, history, metrics and the database
func (w *Worker) finishRun(ctx context.Context, record RunRecord, runErr error) {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	w.mu.Lock()
	w.status.CurrentActivity = "Idle"
	w.status.LastRunFinish = record.EndTime
	w.status.LastRunError = errText
	cs := w.status.Cycles[record.Cycle]
	cs.Running = false
	cs.Runs++
	cs.LastRunFinish = record.EndTime
	cs.LastRunError = errText
	w.status.Cycles[record.Cycle] = cs
	w.totalRuns++
	w.totalItems += record.Items
	w.mu.Unlock()

	w.recordRunHistory(record)
	w.metrics.CycleFinished(ctx, record.Cycle, record.Duration, runErr)

	fields := map[string]interface{}{
		"instance":    w.instance,
		"cycle":       record.Cycle,
		"trigger":     record.Trigger,
		"items":       record.Items,
		"duration_ms": record.Duration.Milliseconds(),
		"summary":     record.Details,
	}
	switch {
	case runErr != nil:
		w.logger.Error(ctx, "Cycle failed", runErr, fields)
		w.logActivity("ERROR", fmt.Sprintf("%s failed: %s", record.Cycle, errText), record.Cycle)
	case strings.HasPrefix(record.Details, NoActionPrefix):
		w.logger.Debug(ctx, "Cycle finished with nothing to do", fields)
	default:
		w.logger.Info(ctx, "Cycle finished", fields)
		w.logActivity("INFO", fmt.Sprintf("%s: %s", record.Cycle, record.Details), record.Cycle)
	}

	run := models.CycleRun{
		Cycle:     record.Cycle,
		Trigger:   record.Trigger,
		StartedAt: record.StartTime,
		Duration:  record.Duration,
		Items:     record.Items,
		Summary:   record.Details,
		Error:     errText,
	}
	if err := w.workerService.RecordCycleRun(ctx, w.instance, run); err != nil {
		w.logger.Error(ctx, "Failed to record cycle run", err, map[string]interface{}{
			"instance": w.instance,
			"cycle":    record.Cycle,
		})
	}
	w.updateDatabaseStatus(ctx)
}

// checkPauseStatus checks global and instance pause
func (w *Worker) checkPauseStatus(ctx context.Context) (bool, string) {
	globalPaused, err := w.workerService.IsGlobalPaused(ctx)
	if err != nil {
		w.logger.Error(ctx, "Failed to check global pause status", err, map[string]interface{}{
			"instance": w.instance,
		})
		return true, "Error checking global pause status"
	}
	if globalPaused {
		return true, "Globally paused"
	}
	status, err := w.workerService.GetWorkerStatus(ctx, w.instance)
	if err != nil {
		// Worker status not found might happen during startup - assume not paused
		w.logger.Debug(ctx, "Worker status not found during pause check (assuming not paused)", map[string]interface{}{
			"instance": w.instance,
		})
		return false, ""
	}
	if status != nil && status.IsPaused {
		return true, "Worker instance paused"
	}
	return false, ""
}

// recordRunHistory records the run in history and trims the slice
func (w *Worker) recordRunHistory(record RunRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, record)
	if max := w.cfg.Server.MaxHistory; max > 0 && len(w.history) > max {
		w.history = w.history[len(w.history)-max:]
	}
}

// GetStatus returns the current worker status
func (w *Worker) GetStatus() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status := w.status
	status.Cycles = make(map[string]CycleStatus, len(w.status.Cycles))
	for name, cs := range w.status.Cycles {
		status.Cycles[name] = cs
	}
	return status
}

// GetHistory returns the worker's run history, oldest first
func (w *Worker) GetHistory() []RunRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	history := make([]RunRecord, len(w.history))
	copy(history, w.history)
	return history
}

// GetActivityLogs returns recent activity logs
func (w *Worker) GetActivityLogs() []ActivityLog {
	w.mu.RLock()
	defer w.mu.RUnlock()
	logs := make([]ActivityLog, len(w.activityLogs))
	copy(logs, w.activityLogs)
	return logs
}

// GetInstance returns the worker instance name
func (w *Worker) GetInstance() string {
	return w.instance
}

// CycleNames lists the registered cycles in registration order
func (w *Worker) CycleNames() []string {
	names := make([]string, len(w.order))
	copy(names, w.order)
	return names
}

// TriggerCycle asks the scheduler to run a cycle as soon as possible
func (w *Worker) TriggerCycle(ctx context.Context, name string) error {
	st, ok := w.cycles[name]
	if !ok {
		return contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "unknown cycle %q", name)
	}

	now := w.timeNow()
	w.mu.Lock()
	if last, seen := w.lastTriggered[name]; seen && now.Sub(last) < triggerThrottleWindow {
		w.mu.Unlock()
		return contextutils.WrapErrorf(contextutils.ErrConflict, "cycle %s was triggered %s ago", name, now.Sub(last).Round(time.Second))
	}
	w.lastTriggered[name] = now
	w.mu.Unlock()

	select {
	case st.trigger <- struct{}{}:
		w.logger.Info(ctx, "Manual trigger sent to cycle", map[string]interface{}{
			"instance": w.instance,
			"cycle":    name,
		})
		w.logActivity("INFO", fmt.Sprintf("%s triggered manually", name), name)
	default:
		w.logger.Info(ctx, "Manual trigger already pending for cycle", map[string]interface{}{
			"instance": w.instance,
			"cycle":    name,
		})
	}
	return nil
}

// RunOnce runs a cycle synchronously, ignoring pause flags
func (w *Worker) RunOnce(ctx context.Context, name string) (RunRecord, error) {
	st, ok := w.cycles[name]
	if !ok {
		return RunRecord{}, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "unknown cycle %q", name)
	}
	return w.runCycle(ctx, st, TriggerCLI)
}

// Pause pauses this worker instance
func (w *Worker) Pause(ctx context.Context) {
	w.mu.Lock()
	w.status.IsPaused = true
	w.mu.Unlock()
	w.logger.Info(ctx, "Worker paused", map[string]interface{}{
		"instance": w.instance,
	})
	w.logActivity("INFO", fmt.Sprintf("Worker %s paused", w.instance), "")
	w.updateDatabaseStatus(ctx)
}

// Resume resumes this worker instance
func (w *Worker) Resume(ctx context.Context) {
	w.mu.Lock()
	w.status.IsPaused = false
	w.mu.Unlock()
	w.logger.Info(ctx, "Worker resumed", map[string]interface{}{
		"instance": w.instance,
	})
	w.logActivity("INFO", fmt.Sprintf("Worker %s resumed", w.instance), "")
	w.updateDatabaseStatus(ctx)
}

// SetGlobalPause pauses or resumes every worker instance
func (w *Worker) SetGlobalPause(ctx context.Context, paused bool) error {
	if err := w.workerService.SetGlobalPause(ctx, paused); err != nil {
		return err
	}
	w.logActivity("INFO", fmt.Sprintf("Global pause set to %t", paused), "")
	return nil
}

// Shutdown stops the scheduler and waits for running cycles until ctx expires
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.RLock()
	cancel := w.cancel
	w.mu.RUnlock()

	w.logger.Info(ctx, "Worker starting shutdown", map[string]interface{}{
		"instance": w.instance,
	})
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info(ctx, "Worker shutdown completed", map[string]interface{}{
			"instance": w.instance,
		})
		return nil
	case <-ctx.Done():
		return contextutils.WrapErrorf(contextutils.ErrTimeout, "worker %s did not stop in time", w.instance)
	}
}

// updateDatabaseStatus updates the worker status in the database
func (w *Worker) updateDatabaseStatus(ctx context.Context) {
	w.mu.RLock()
	dbStatus := &models.WorkerStatus{
		WorkerInstance:      w.instance,
		IsRunning:           w.status.IsRunning,
		IsPaused:            w.status.IsPaused,
		CurrentActivity:     sql.NullString{String: w.status.CurrentActivity, Valid: w.status.CurrentActivity != ""},
		LastHeartbeat:       sql.NullTime{Time: w.timeNow(), Valid: true},
		LastCycle:           sql.NullString{String: w.status.LastCycle, Valid: w.status.LastCycle != ""},
		LastRunStart:        sql.NullTime{Time: w.status.LastRunStart, Valid: !w.status.LastRunStart.IsZero()},
		LastRunFinish:       sql.NullTime{Time: w.status.LastRunFinish, Valid: !w.status.LastRunFinish.IsZero()},
		LastRunError:        sql.NullString{String: w.status.LastRunError, Valid: w.status.LastRunError != ""},
		TotalItemsProcessed: w.totalItems,
		TotalRuns:           w.totalRuns,
	}
	w.mu.RUnlock()

	if err := w.workerService.UpdateWorkerStatus(ctx, w.instance, dbStatus); err != nil {
		w.logger.Error(ctx, "Failed to update worker status in database", err, map[string]interface{}{
			"instance": w.instance,
		})
	}
}

func (w *Worker) baseContext() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.runCtx
}

func (w *Worker) setNextRun(name string, next time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cs := w.status.Cycles[name]
	cs.NextRun = next
	w.status.Cycles[name] = cs
}

func (w *Worker) refreshCronNextRuns() {
	for _, name := range w.order {
		st := w.cycles[name]
		if st.cycle.Schedule == "" {
			continue
		}
		w.setNextRun(name, w.cron.Entry(st.entry).Next)
	}
}

func (w *Worker) updateActivity(activity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.CurrentActivity = activity
}

// logActivity adds an activity log entry
func (w *Worker) logActivity(level, message, cycle string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.activityLogs = append(w.activityLogs, ActivityLog{
		Timestamp: w.timeNow(),
		Level:     level,
		Message:   message,
		Cycle:     cycle,
	})

	// Keep only the last MaxHistory entries
	if max := w.cfg.Server.MaxHistory; max > 0 && len(w.activityLogs) > max {
		w.activityLogs = w.activityLogs[len(w.activityLogs)-max:]
	}
}
