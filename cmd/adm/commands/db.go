// Package commands provides CLI commands for the admin tool
package commands

import (
	"context"
	"database/sql"
	"fmt"

	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/spf13/cobra"
)

// Migrator applies and inspects the schema migrations
type Migrator interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	MigrationVersion(ctx context.Context, db *sql.DB) (uint, bool, error)
}

// DBOpener connects to the database on first use so `--help` works without one
type DBOpener func(ctx context.Context) (*sql.DB, error)

// DatabaseCommands returns the database management commands
func DatabaseCommands(migrator Migrator, openDB DBOpener, logger *observability.Logger) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for lingocore.

Available commands:
  migrate   - Apply pending schema migrations
  version   - Show the applied schema version
  info      - Show which database the config points at`,
	}

	dbCmd.AddCommand(migrateCmd(migrator, openDB, logger))
	dbCmd.AddCommand(versionCmd(migrator, openDB, logger))
	dbCmd.AddCommand(infoCmd(openDB))

	return dbCmd
}

// migrateCmd returns the migrate command
func migrateCmd(migrator Migrator, openDB DBOpener, logger *observability.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long:  `Apply every pending migration embedded in the binary. Running it twice is a no-op.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}

			logger.Info(ctx, "Running database migrations", map[string]interface{}{"database": getDatabaseInfo(ctx, db)})
			if err := migrator.RunMigrations(ctx, db); err != nil {
				logger.Error(ctx, "Migration failed", err, nil)
				return contextutils.WrapError(err, "migration failed")
			}

			version, dirty, err := migrator.MigrationVersion(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

// versionCmd returns the version command
func versionCmd(migrator Migrator, openDB DBOpener, logger *observability.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}

			version, dirty, err := migrator.MigrationVersion(ctx, db)
			if err != nil {
				logger.Error(ctx, "Failed to read schema version", err, nil)
				return err
			}
			if dirty {
				logger.Warn(ctx, "Schema is dirty; a migration failed half way", map[string]interface{}{"version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

// infoCmd returns the info command
func infoCmd(openDB DBOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show which database the config points at",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), getDatabaseInfo(ctx, db))
			return nil
		},
	}
}
