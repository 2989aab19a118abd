// Package main provides the main entry point for the lingocore admin CLI tool.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"lingocore/cmd/adm/commands"
	"lingocore/internal/config"
	"lingocore/internal/database"
	"lingocore/internal/di"
	"lingocore/internal/observability"
	"lingocore/internal/services"

	"github.com/spf13/cobra"
)

func main() {
	ctx := context.Background()

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Keep the admin tool quiet and off the collector
	cfg.Server.LogLevel = "warn"
	cfg.OpenTelemetry.EnableTracing = false
	cfg.OpenTelemetry.EnableMetrics = false
	cfg.OpenTelemetry.EnableLogging = false

	_, _, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, "lingocore-adm", cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}

	rt := &runtime{cfg: cfg, logger: logger, dbManager: database.NewManager(logger)}
	defer rt.close(ctx)

	rootCmd := &cobra.Command{
		Use:   "adm",
		Short: "lingocore administration tool",
		Long: `lingocore administration tool

Schema migrations, one-off worker cycles and report requests.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				fmt.Printf("Error showing help: %v\n", err)
			}
		},
	}

	rootCmd.AddCommand(commands.DatabaseCommands(rt.dbManager, rt.openDB, logger))
	rootCmd.AddCommand(commands.WorkerCommands(rt.cycleRunner, logger))
	rootCmd.AddCommand(commands.ReportCommands(rt.reportDispatcher, logger))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		rt.close(ctx)
		os.Exit(1)
	}
}

// runtime opens connections only for the commands that need them
type runtime struct {
	cfg       *config.Config
	logger    *observability.Logger
	dbManager *database.Manager
	db        *sql.DB
	container *di.ServiceContainer
}

func (r *runtime) openDB(ctx context.Context) (*sql.DB, error) {
	if r.db != nil {
		return r.db, nil
	}
	db, err := r.dbManager.InitDBWithoutMigrations(ctx, r.cfg.Database)
	if err != nil {
		return nil, err
	}
	r.db = db
	return db, nil
}

func (r *runtime) services(ctx context.Context) (*di.ServiceContainer, error) {
	if r.container != nil {
		return r.container, nil
	}
	container := di.NewServiceContainer(r.cfg, "adm", r.logger)
	if err := container.Initialize(ctx); err != nil {
		return nil, err
	}
	r.container = container
	return container, nil
}

func (r *runtime) cycleRunner(ctx context.Context) (commands.CycleRunner, error) {
	container, err := r.services(ctx)
	if err != nil {
		return nil, err
	}
	return container.GetWorker()
}

func (r *runtime) reportDispatcher(ctx context.Context) (services.ReportDispatcherInterface, error) {
	container, err := r.services(ctx)
	if err != nil {
		return nil, err
	}
	return container.GetReportDispatcher()
}

func (r *runtime) close(ctx context.Context) {
	if r.container != nil {
		if err := r.container.Shutdown(ctx); err != nil {
			r.logger.Warn(ctx, "Failed to close services", map[string]interface{}{"error": err.Error()})
		}
		r.container = nil
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Warn(ctx, "Failed to close database connection", map[string]interface{}{"error": err.Error()})
		}
		r.db = nil
	}
}
