// Package main provides the entry point for the lingocore worker service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lingocore/internal/config"
	"lingocore/internal/di"
	"lingocore/internal/handlers"
	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"
	"lingocore/internal/version"
)

// fatalIfErr logs the error with context and panics with a consistent message
func fatalIfErr(ctx context.Context, logger *observability.Logger, msg string, err error, fields map[string]interface{}) {
	logger.Error(ctx, msg, err, fields)
	panic(msg + ": " + err.Error())
}

func main() {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	build := version.Get("worker")
	if cfg.OpenTelemetry.ServiceVersion == "" {
		cfg.OpenTelemetry.ServiceVersion = build.String()
	}

	// Setup observability (tracing/metrics/logging)
	tp, mp, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, cfg.OpenTelemetry.ServiceName, cfg.Server.LogLevel)
	if err != nil {
		panic("Failed to initialize observability: " + err.Error())
	}
	defer func() {
		if tp != nil {
			if shutdowner, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
				if err := shutdowner.Shutdown(context.TODO()); err != nil {
					logger.Warn(ctx, "Error shutting down tracer provider", map[string]interface{}{"error": err.Error(), "provider": "tracer"})
				}
			}
		}
		if mp != nil {
			if err := mp.Shutdown(context.TODO()); err != nil {
				logger.Warn(ctx, "Error shutting down meter provider", map[string]interface{}{"error": err.Error(), "provider": "meter"})
			}
		}
	}()

	instance := os.Getenv("WORKER_INSTANCE")
	logger.Info(ctx, "Starting lingocore worker service", map[string]interface{}{
		"version":  build.String(),
		"port":     cfg.Server.WorkerPort,
		"logLevel": cfg.Server.LogLevel,
		"debug":    cfg.Server.Debug,
		"instance": instance,
		"db_url":   contextutils.RedactURL(cfg.Database.URL),
	})

	container := di.NewServiceContainer(cfg, instance, logger)
	if err := container.Initialize(ctx); err != nil {
		fatalIfErr(ctx, logger, "Failed to initialize services", err, map[string]interface{}{"db_url": contextutils.RedactURL(cfg.Database.URL)})
	}
	defer func() {
		if err := container.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "Warning: failed to close resources", map[string]interface{}{"error": err.Error()})
		}
	}()

	workerInstance, err := container.GetWorker()
	if err != nil {
		fatalIfErr(ctx, logger, "Worker not wired", err, nil)
	}
	workerService, err := container.GetWorkerService()
	if err != nil {
		fatalIfErr(ctx, logger, "Worker service not wired", err, nil)
	}
	validator, err := container.GetValidator()
	if err != nil {
		fatalIfErr(ctx, logger, "Validator not wired", err, nil)
	}
	reports, err := container.GetReportDispatcher()
	if err != nil {
		fatalIfErr(ctx, logger, "Report dispatcher not wired", err, nil)
	}
	consumer, err := container.GetConsumer()
	if err != nil {
		fatalIfErr(ctx, logger, "Task consumer not wired", err, nil)
	}

	// The consumer handles report tasks in this process
	if err := consumer.Start(); err != nil {
		fatalIfErr(ctx, logger, "Failed to start task consumer", err, map[string]interface{}{"queue": cfg.Queue.ReportQueue})
	}

	go workerInstance.Start(ctx)

	adminHandler := handlers.NewWorkerAdminHandler(cfg, workerInstance, workerService, validator, reports, logger)
	router, err := handlers.NewWorkerRouter(cfg, adminHandler, logger)
	if err != nil {
		fatalIfErr(ctx, logger, "Failed to build router", err, nil)
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.WorkerPort,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logger.Info(ctx, "Worker server starting", map[string]interface{}{"port": cfg.Server.WorkerPort})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalIfErr(ctx, logger, "Failed to start worker server", err, map[string]interface{}{"port": cfg.Server.WorkerPort})
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "Worker server shutting down", map[string]interface{}{"service": "worker"})

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, config.WorkerShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests, then stop the cycles, then drain in-flight tasks
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Worker server forced to shutdown", map[string]interface{}{"error": err.Error(), "service": "worker"})
	}
	if err := workerInstance.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Warning: failed to shutdown worker", map[string]interface{}{"error": err.Error(), "service": "worker"})
	}
	consumer.Shutdown()

	logger.Info(ctx, "Worker server exited", map[string]interface{}{"service": "worker"})
}
