package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx" // PGX driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

func installMigrateCmd(app *App) {
	migrateCmd := &cobra.Command{
		Use:   "migrate [path-to-migration-scripts]",
		Short: "Apply database migrations",
		Long:  "Apply the migration scripts from the given directory to bring the database schema up to date.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.cmd.SilenceUsage = false

			app.config.MigrationsDir = args[0]
			info, err := os.Stat(app.config.MigrationsDir)
			if err != nil {
				return fmt.Errorf("the provided path to migration scripts is not valid: %v", err)
			}
			if !info.IsDir() {
				return errors.New("the provided path to migration scripts should be a directory, not a file")
			}

			app.cmd.SilenceUsage = true
			return app.migrateRun()
		},
	}
	app.cmd.AddCommand(migrateCmd)
}

func (a App) migrateRun() error {
	slog.Info("Applying migrations", "dir", a.config.MigrationsDir)

	m, err := migrate.New("file://"+a.config.MigrationsDir, a.config.DBconfig.URI("pgx"))
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %v", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			slog.Error("failed to close migration source", "error", srcErr)
		}
		if dbErr != nil {
			slog.Error("failed to close database connection", "error", dbErr)
		}
	}()

	switch err := m.Up(); {
	case err == nil:
		slog.Info("Migrations applied successfully")
	case errors.Is(err, migrate.ErrNoChange):
		slog.Info("No new migrations to apply")
	default:
		return fmt.Errorf("failed to apply migrations: %v", err)
	}
	return nil
}
