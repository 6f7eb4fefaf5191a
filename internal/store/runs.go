package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RunStats are the aggregate counters written back to a finished sync run.
type RunStats struct {
	TotalPulled int
	Inserted    int
	Updated     int
	Failed      int
}

// BeginRun records the start of a sync run and returns its id.
func (db Manager) BeginRun(ctx context.Context, table, mode string) (string, error) {
	if db.dbpool == nil {
		return "", errors.New("database not initialized")
	}

	id := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO sync_runs (id, table_name, mode, status, started_at)
		VALUES ($1, $2, $3, $4, now())`,
		id, table, mode, RunInProgress,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record sync run start: %v", err)
	}
	return id, nil
}

// CompleteRun finalizes a sync run with its counters.
func (db Manager) CompleteRun(ctx context.Context, id string, stats RunStats) error {
	return db.finishRun(ctx, id, RunCompleted, stats, "")
}

// FailRun finalizes a sync run as failed with the error message.
// Counters reflect progress made before the failure: partially synced rows
// stand, since upserts are idempotent and already committed.
func (db Manager) FailRun(ctx context.Context, id string, stats RunStats, errMsg string) error {
	return db.finishRun(ctx, id, RunFailed, stats, errMsg)
}

func (db Manager) finishRun(ctx context.Context, id, status string, stats RunStats, errMsg string) error {
	if db.dbpool == nil {
		return errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx,
		`UPDATE sync_runs
		SET status = $2, finished_at = now(),
			total_pulled = $3, inserted = $4, updated = $5, failed = $6,
			error_msg = $7
		WHERE id = $1`,
		id, status, stats.TotalPulled, stats.Inserted, stats.Updated, stats.Failed, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize sync run %s: %v", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync run %s: %w", id, ErrNotFound)
	}
	return nil
}

// LatestRun returns the most recently started sync run for the given table.
func (db Manager) LatestRun(ctx context.Context, table string) (SyncRun, error) {
	if db.dbpool == nil {
		return SyncRun{}, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var run SyncRun
	err := db.dbpool.QueryRow(ctx,
		`SELECT id, table_name, mode, status, started_at, finished_at,
			total_pulled, inserted, updated, failed, COALESCE(error_msg, '')
		FROM sync_runs
		WHERE table_name = $1
		ORDER BY started_at DESC
		LIMIT 1`,
		table,
	).Scan(&run.ID, &run.TableName, &run.Mode, &run.Status, &run.StartedAt, &run.FinishedAt,
		&run.TotalPulled, &run.Inserted, &run.Updated, &run.Failed, &run.ErrorMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncRun{}, fmt.Errorf("no sync runs for table %s: %w", table, ErrNotFound)
	}
	if err != nil {
		return SyncRun{}, fmt.Errorf("failed to fetch latest sync run: %v", err)
	}
	return run, nil
}
