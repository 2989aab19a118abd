package handlers

import (
	"net/http"
	"sort"
	"time"

	"lingocore/internal/config"
	"lingocore/internal/middleware"
	"lingocore/internal/observability"
	"lingocore/internal/version"

	"github.com/gin-gonic/gin"
)

// RouteInfo represents information about a single route
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	HandlerName string `json:"handler_name"`
}

// NewWorkerRouter builds the worker's admin HTTP surface
func NewWorkerRouter(cfg *config.Config, h *WorkerAdminHandler, logger *observability.Logger) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	schemas, err := middleware.NewEmbeddedSchemaLoader()
	if err != nil {
		return nil, err
	}
	judgeBreaker := middleware.NewCircuitBreaker(config.ValidateBreakerThreshold, config.ValidateBreakerCooldown)

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(middleware.ErrorRecovery(logger))

	// Health check endpoint (defined before tracing middleware)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "worker"})
	})

	router.Use(observability.GinMiddleware(cfg.OpenTelemetry.ServiceName))
	router.Use(observability.GinErrorAttributes())
	router.RedirectTrailingSlash = false

	router.GET("/configz", h.GetConfigz)

	v1 := router.Group("/v1")
	{
		v1.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, version.Get("worker"))
		})

		v1.POST("/validate",
			judgeBreaker.Middleware(logger),
			middleware.RequestValidation(schemas, "ValidateAnswerRequest", logger),
			h.ValidateAnswer)
		v1.POST("/reports",
			middleware.RequestValidation(schemas, "RequestReportRequest", logger),
			h.RequestReport)

		adminWorker := v1.Group("/admin/worker")
		{
			adminWorker.GET("/details", h.GetWorkerDetails)
			adminWorker.GET("/status", h.GetWorkerStatus)
			adminWorker.GET("/logs", h.GetActivityLogs)
			adminWorker.GET("/cycles", h.ListCycles)
			adminWorker.POST("/cycles/:name/trigger", h.TriggerCycle)
			adminWorker.POST("/pause", h.PauseWorker)
			adminWorker.POST("/resume", h.ResumeWorker)
		}
	}

	routes := collectRoutes(router)
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": "worker", "routes": routes})
	})

	return router, nil
}

// collectRoutes lists the registered routes sorted by path
func collectRoutes(engine *gin.Engine) []RouteInfo {
	var routes []RouteInfo
	for _, route := range engine.Routes() {
		routes = append(routes, RouteInfo{
			Method:      route.Method,
			Path:        route.Path,
			HandlerName: route.Handler,
		})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	return routes
}

// requestLogger logs every request through the observability logger
func requestLogger(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := c.Writer.Status()
		fields := map[string]interface{}{
			"http.method":      c.Request.Method,
			"http.path":        c.Request.URL.Path,
			"http.status_code": statusCode,
			"http.latency_ms":  time.Since(start).Milliseconds(),
			"http.client_ip":   c.ClientIP(),
			"http.user_agent":  c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			fields["http.error"] = c.Errors.String()
		}

		// Use appropriate log level based on status code
		switch {
		case statusCode >= 500:
			logger.Error(c.Request.Context(), "HTTP request failed", nil, fields)
		case statusCode >= 400:
			logger.Warn(c.Request.Context(), "HTTP request warning", fields)
		default:
			logger.Debug(c.Request.Context(), "HTTP request", fields)
		}
	}
}
