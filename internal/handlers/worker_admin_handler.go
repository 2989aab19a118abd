package handlers

import (
	"net/http"
	"strings"

	"lingocore/internal/config"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/services"
	contextutils "lingocore/internal/utils"
	"lingocore/internal/worker"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// WorkerAdminHandler serves worker administration and the two request paths
// (answer validation and report requests)
type WorkerAdminHandler struct {
	config        *config.Config
	worker        *worker.Worker
	workerService services.WorkerServiceInterface
	validator     services.AnswerValidatorInterface
	reports       services.ReportDispatcherInterface
	logger        *observability.Logger
}

// NewWorkerAdminHandler creates a new WorkerAdminHandler
func NewWorkerAdminHandler(
	cfg *config.Config,
	w *worker.Worker,
	workerService services.WorkerServiceInterface,
	validator services.AnswerValidatorInterface,
	reports services.ReportDispatcherInterface,
	logger *observability.Logger,
) *WorkerAdminHandler {
	return &WorkerAdminHandler{
		config:        cfg,
		worker:        w,
		workerService: workerService,
		validator:     validator,
		reports:       reports,
		logger:        logger,
	}
}

// ValidateAnswerRequest is the body of POST /v1/validate
type ValidateAnswerRequest struct {
	ExerciseID int64  `json:"exercise_id" binding:"required,gt=0"`
	UserID     int64  `json:"user_id" binding:"required,gt=0"`
	Answer     string `json:"answer" binding:"required"`
}

// RequestReportRequest is the body of POST /v1/reports
type RequestReportRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	BotID  string `json:"bot_id" binding:"required"`
	Kind   string `json:"kind" binding:"required,oneof=full weekly"`
}

// GetWorkerDetails returns the local scheduler state and run history
func (h *WorkerAdminHandler) GetWorkerDetails(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_worker_details")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}

	globalPaused, err := h.workerService.IsGlobalPaused(ctx)
	if err != nil {
		h.logger.Warn(ctx, "Failed to get global pause status", map[string]interface{}{"error": err.Error()})
		globalPaused = false
	}

	c.JSON(http.StatusOK, gin.H{
		"instance":      h.worker.GetInstance(),
		"status":        h.worker.GetStatus(),
		"history":       h.worker.GetHistory(),
		"global_paused": globalPaused,
	})
}

// GetActivityLogs returns recent activity logs from the worker
func (h *WorkerAdminHandler) GetActivityLogs(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_activity_logs")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": h.worker.GetActivityLogs()})
}

// GetWorkerStatus returns the persisted status row of an instance
func (h *WorkerAdminHandler) GetWorkerStatus(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_worker_status")
	defer span.End()
	instance := c.DefaultQuery("instance", "default")

	status, err := h.workerService.GetWorkerStatus(ctx, instance)
	if err != nil {
		HandleAppError(c, contextutils.WrapError(err, "failed to get worker status"))
		return
	}

	healthy, err := h.workerService.IsWorkerHealthy(ctx, instance)
	if err != nil {
		h.logger.Warn(ctx, "Failed to check worker health", map[string]interface{}{"error": err.Error(), "instance": instance})
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "healthy": healthy})
}

// PauseWorker pauses every worker instance
func (h *WorkerAdminHandler) PauseWorker(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "pause_worker")
	defer span.End()
	if err := h.workerService.SetGlobalPause(ctx, true); err != nil {
		HandleAppError(c, contextutils.WrapError(err, "failed to pause worker globally"))
		return
	}
	if h.worker != nil {
		h.worker.Pause(ctx)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Worker paused globally"})
}

// ResumeWorker resumes every worker instance
func (h *WorkerAdminHandler) ResumeWorker(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "resume_worker")
	defer span.End()
	if err := h.workerService.SetGlobalPause(ctx, false); err != nil {
		HandleAppError(c, contextutils.WrapError(err, "failed to resume worker globally"))
		return
	}
	if h.worker != nil {
		h.worker.Resume(ctx)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Worker resumed globally"})
}

// TriggerCycle asks the scheduler to run one cycle now
func (h *WorkerAdminHandler) TriggerCycle(c *gin.Context) {
	name := c.Param("name")
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "trigger_cycle", attribute.String("worker.cycle", name))
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	if err := h.worker.TriggerCycle(ctx, name); err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Cycle triggered", "cycle": name})
}

// ListCycles returns the registered cycle names
func (h *WorkerAdminHandler) ListCycles(c *gin.Context) {
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": h.worker.CycleNames()})
}

// ValidateAnswer judges a learner answer
func (h *WorkerAdminHandler) ValidateAnswer(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "validate_answer")
	defer span.End()

	var req ValidateAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleAppError(c, contextutils.NewAppError(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn, "Invalid request", err.Error()))
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		HandleValidationError(c, "answer", req.Answer, "answer is blank")
		return
	}
	span.SetAttributes(observability.AttributeExerciseID(req.ExerciseID), observability.AttributeUserID(req.UserID))

	judgement, err := h.validator.Validate(ctx, req.ExerciseID, req.UserID, req.Answer)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, judgement)
}

// RequestReport queues a progress report
func (h *WorkerAdminHandler) RequestReport(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "request_report")
	defer span.End()

	var req RequestReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleAppError(c, contextutils.NewAppError(contextutils.ErrorCodeInvalidInput, contextutils.SeverityWarn, "Invalid request", err.Error()))
		return
	}
	kind, err := models.ParseReportKind(req.Kind)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	span.SetAttributes(observability.AttributeUserID(req.UserID), observability.AttributeLanguage(req.BotID))

	reportID, taskID, err := h.reports.RequestReport(ctx, req.UserID, req.BotID, kind)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"report_id": reportID, "task_id": taskID, "status": models.ReportPending})
}

// GetConfigz returns the merged config with secrets masked
func (h *WorkerAdminHandler) GetConfigz(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_configz")
	defer span.End()
	c.IndentedJSON(http.StatusOK, redactedConfig(h.config))
}

func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Database.URL = contextutils.RedactURL(cfg.Database.URL)
	out.Redis.URL = contextutils.RedactURL(cfg.Redis.URL)
	out.Queue.RedisURL = contextutils.RedactURL(cfg.Queue.RedisURL)
	out.Judge.APIKey = contextutils.MaskSecret(cfg.Judge.APIKey)
	out.Speech.APIKey = contextutils.MaskSecret(cfg.Speech.APIKey)
	if len(cfg.OpenTelemetry.Headers) > 0 {
		out.OpenTelemetry.Headers = make(map[string]string, len(cfg.OpenTelemetry.Headers))
		for k, v := range cfg.OpenTelemetry.Headers {
			out.OpenTelemetry.Headers[k] = contextutils.MaskSecret(v)
		}
	}
	return out
}
