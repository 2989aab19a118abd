// Package di provides dependency injection container for managing service lifecycle and dependencies.
package di

import (
	"context"
	"database/sql"
	"sync"

	"lingocore/internal/config"
	"lingocore/internal/database"
	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/queue"
	"lingocore/internal/services"
	contextutils "lingocore/internal/utils"
	"lingocore/internal/worker"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

// Service names registered in the container
const (
	ServiceValidator     = "validator"
	ServiceReports       = "reports"
	ServiceWorkerService = "worker_service"
	ServiceStock         = "stock"
	ServiceQuality       = "quality"
	ServiceReview        = "review"
	ServiceNotifications = "notifications"
	ServiceWorker        = "worker"
	ServiceConsumer      = "consumer"
)

// ServiceContainerInterface defines the interface for service containers
type ServiceContainerInterface interface {
	GetService(name string) (interface{}, error)
	GetValidator() (services.AnswerValidatorInterface, error)
	GetReportDispatcher() (*services.ReportDispatcher, error)
	GetWorkerService() (services.WorkerServiceInterface, error)
	GetWorker() (*worker.Worker, error)
	GetConsumer() (*queue.Consumer, error)
	GetDatabase() *sql.DB
	GetConfig() *config.Config
	GetLogger() *observability.Logger
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ServiceContainer manages all service dependencies and lifecycle
type ServiceContainer struct {
	cfg           *config.Config
	logger        *observability.Logger
	instance      string
	dbManager     *database.Manager
	db            *sql.DB
	services      map[string]interface{}
	mu            sync.RWMutex
	shutdownFuncs []func(context.Context) error
}

var _ ServiceContainerInterface = (*ServiceContainer)(nil)

// NewServiceContainer creates a new dependency injection container for one worker instance
func NewServiceContainer(cfg *config.Config, instance string, logger *observability.Logger) *ServiceContainer {
	return &ServiceContainer{
		cfg:      cfg,
		logger:   logger,
		instance: instance,
		services: make(map[string]interface{}),
	}
}

// Initialize opens the database, cache and broker connections and wires every service.
// Migrations are not run here; `adm db migrate` owns the schema.
func (sc *ServiceContainer) Initialize(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.dbManager = database.NewManager(sc.logger)
	db, err := sc.dbManager.InitDBWithoutMigrations(ctx, sc.cfg.Database)
	if err != nil {
		return contextutils.WrapError(err, "failed to initialize database")
	}
	sc.db = db
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
		return db.Close()
	})

	redisClient, err := database.NewRedisClient(ctx, sc.cfg.Redis, sc.logger)
	if err != nil {
		_ = sc.cleanup(ctx)
		return contextutils.WrapError(err, "failed to initialize judgement cache")
	}
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
		return redisClient.Close()
	})

	redisOpt, err := queue.RedisConnOpt(sc.cfg.QueueRedisURL())
	if err != nil {
		_ = sc.cleanup(ctx)
		return err
	}

	if err := sc.wire(ctx, redisClient, asynq.NewClient(redisOpt), redisOpt); err != nil {
		_ = sc.cleanup(ctx)
		return contextutils.WrapError(err, "failed to wire services")
	}
	return nil
}

// wire builds every service on top of open connections
func (sc *ServiceContainer) wire(ctx context.Context, redisClient *redis.Client, asynqClient *asynq.Client, redisOpt asynq.RedisConnOpt) error {
	metrics, err := observability.NewDomainMetrics(otel.GetMeterProvider().Meter("lingocore"))
	if err != nil {
		return err
	}

	taskQueue := queue.NewAsynqQueue(asynqClient, sc.cfg.Queue, sc.logger)
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
		return taskQueue.Close()
	})
	consumer := queue.NewConsumer(redisOpt, sc.cfg.Queue, sc.logger)
	sc.services[ServiceConsumer] = consumer

	templates, err := services.NewPromptTemplates()
	if err != nil {
		return err
	}
	llm, err := services.NewLLMClient(sc.cfg, templates, metrics, sc.logger)
	if err != nil {
		return err
	}
	canon := services.NewCanonicalizer()

	exercises := services.NewExerciseRepository(sc.db, sc.logger)
	attempts := services.NewAttemptRepository(sc.db, sc.logger)
	judgements := services.NewJudgementRepository(sc.db, sc.logger)
	profiles := services.NewProfileRepository(sc.db, sc.logger)
	reportRepo := services.NewReportRepository(sc.db, sc.logger)
	workerService := services.NewWorkerService(sc.db, sc.logger)
	sc.services[ServiceWorkerService] = workerService

	cache := services.NewRedisJudgementCache(redisClient, sc.cfg.Redis.KeyPrefix, sc.cfg.Redis.JudgementTTL)
	validator := services.NewAnswerValidator(exercises, judgements, attempts, cache,
		services.NewRoutingJudge(llm, canon), canon, metrics, sc.logger)
	sc.services[ServiceValidator] = validator

	speech, audio, err := sc.media(ctx)
	if err != nil {
		return err
	}
	stock := services.NewStockManager(exercises, sc.generators(llm), speech, audio, metrics, sc.cfg.Stock, sc.logger)
	sc.services[ServiceStock] = stock

	quality := services.NewQualityMonitor(exercises, attempts, metrics, sc.cfg.Quality, sc.logger)
	sc.services[ServiceQuality] = quality

	review := services.NewReviewProcessor(exercises, attempts, llm, metrics, sc.cfg.Review, sc.logger)
	sc.services[ServiceReview] = review

	notifications := services.NewNotificationScheduler(profiles, taskQueue, metrics, sc.cfg.Notifications, sc.logger)
	sc.services[ServiceNotifications] = notifications

	reports := services.NewReportDispatcher(reportRepo, attempts, profiles, llm, taskQueue, metrics, sc.cfg.Reports, sc.logger)
	reports.RegisterHandlers(consumer)
	sc.services[ServiceReports] = reports

	w, err := worker.NewWorker(workerService,
		worker.Cycles(sc.cfg, stock, quality, review, notifications, reports),
		metrics, sc.instance, sc.cfg, sc.logger)
	if err != nil {
		return err
	}
	sc.services[ServiceWorker] = w
	return nil
}

// generators maps each exercise type to its source. accent_choice comes from the
// dictionary scraper and is absent when no source is configured.
func (sc *ServiceContainer) generators(llm services.ExerciseWriter) map[models.ExerciseType]services.ExerciseGenerator {
	gens := make(map[models.ExerciseType]services.ExerciseGenerator, len(models.AllExerciseTypes))
	for _, t := range models.AllExerciseTypes {
		if t == models.AccentChoice {
			continue
		}
		gens[t] = services.NewLLMExerciseGenerator(llm, t, "")
	}
	if sc.cfg.Stock.AccentSourceURL != "" {
		gens[models.AccentChoice] = services.NewAccentScraper(sc.cfg.Stock.AccentSourceURL, sc.logger)
	}
	return gens
}

// media returns the synthesizer and audio store, either of which may be nil when disabled
func (sc *ServiceContainer) media(ctx context.Context) (services.SpeechSynthesizer, services.AudioStore, error) {
	var (
		speech services.SpeechSynthesizer
		audio  services.AudioStore
	)
	if sc.cfg.Speech.Enabled {
		speech = services.NewHTTPSpeechSynthesizer(sc.cfg.Speech)
	}
	if sc.cfg.Storage.Bucket != "" {
		store, err := services.NewGCSAudioStore(ctx, sc.cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
			return store.Close()
		})
		audio = store
	}
	return speech, audio, nil
}

// GetService retrieves a service by name with type assertion
func (sc *ServiceContainer) GetService(name string) (interface{}, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	service, exists := sc.services[name]
	if !exists {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "service %s not found", name)
	}
	return service, nil
}

// GetServiceAs performs type-safe service retrieval
func GetServiceAs[T any](sc *ServiceContainer, name string) (T, error) {
	var zero T
	service, err := sc.GetService(name)
	if err != nil {
		return zero, err
	}

	typed, ok := service.(T)
	if !ok {
		return zero, contextutils.ErrorWithContextf("service %s is not of expected type %T", name, zero)
	}
	return typed, nil
}

// GetValidator returns the answer validator
func (sc *ServiceContainer) GetValidator() (services.AnswerValidatorInterface, error) {
	return GetServiceAs[services.AnswerValidatorInterface](sc, ServiceValidator)
}

// GetReportDispatcher returns the report dispatcher
func (sc *ServiceContainer) GetReportDispatcher() (*services.ReportDispatcher, error) {
	return GetServiceAs[*services.ReportDispatcher](sc, ServiceReports)
}

// GetWorkerService returns the worker service
func (sc *ServiceContainer) GetWorkerService() (services.WorkerServiceInterface, error) {
	return GetServiceAs[services.WorkerServiceInterface](sc, ServiceWorkerService)
}

// GetWorker returns the cycle scheduler
func (sc *ServiceContainer) GetWorker() (*worker.Worker, error) {
	return GetServiceAs[*worker.Worker](sc, ServiceWorker)
}

// GetConsumer returns the task consumer
func (sc *ServiceContainer) GetConsumer() (*queue.Consumer, error) {
	return GetServiceAs[*queue.Consumer](sc, ServiceConsumer)
}

// GetDatabase returns the database instance
func (sc *ServiceContainer) GetDatabase() *sql.DB {
	return sc.db
}

// GetConfig returns the configuration
func (sc *ServiceContainer) GetConfig() *config.Config {
	return sc.cfg
}

// GetLogger returns the logger
func (sc *ServiceContainer) GetLogger() *observability.Logger {
	return sc.logger
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.cleanup(ctx)
}

// cleanup closes connections in reverse order of opening
func (sc *ServiceContainer) cleanup(ctx context.Context) error {
	var errors []error

	for i := len(sc.shutdownFuncs) - 1; i >= 0; i-- {
		if err := sc.shutdownFuncs[i](ctx); err != nil {
			sc.logger.Error(ctx, "Failed to close resource", err, nil)
			errors = append(errors, err)
		}
	}
	sc.shutdownFuncs = nil

	if len(errors) > 0 {
		return contextutils.ErrorWithContextf("shutdown errors: %v", errors)
	}
	return nil
}
