package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/store"
)

// installSyncCmd installs the one-shot sync subcommand. It runs a single sync
// for one worksheet and exits, for cron jobs and manual backfills.
func installSyncCmd(app *App) {
	var full bool
	var since string

	syncCmd := &cobra.Command{
		Use:   "sync [worksheet-name]",
		Short: "Run a single sync for one worksheet and exit",
		Long: `Run a single sync for the named worksheet and exit.
By default the sync is incremental; use --full to pull every row.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("sync command accepts exactly one argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			app.cmd.SilenceUsage = true

			var sinceTime time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					app.cmd.SilenceUsage = false
					return fmt.Errorf("--since must be RFC3339: %v", err)
				}
				sinceTime = t
			}

			mode := reconciler.ModeIncremental
			if full {
				mode = reconciler.ModeFull
			}

			return app.syncRun(cmd.Context(), args[0], mode, sinceTime)
		},
	}

	syncCmd.Flags().BoolVar(&full, "full", false, "pull every row instead of the recent window")
	syncCmd.Flags().StringVar(&since, "since", "", "pull rows created or updated after this RFC3339 timestamp")

	app.cmd.AddCommand(syncCmd)
}

func (a *App) syncRun(ctx context.Context, name string, mode reconciler.Mode, since time.Time) (err error) {
	a.config.ConfigPath, err = filepath.Abs(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	cm := config.New(a.config.ConfigPath)
	if err := cm.Load(); err != nil {
		return fmt.Errorf("failed to load worksheet configuration: %v", err)
	}

	ws, ok := cm.Worksheet(name)
	if !ok {
		return fmt.Errorf("worksheet %q is not configured", name)
	}

	db, err := store.New(ctx, a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()

	rec, err := reconciler.New(db, a.config.WorksheetURL, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %v", err)
	}

	stats, err := rec.Sync(ctx, ws, mode, since)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	slog.Info("Sync completed", "worksheet", name, "mode", mode,
		"pulled", stats.TotalPulled, "inserted", stats.Inserted,
		"updated", stats.Updated, "failed", stats.Failed)
	return nil
}
