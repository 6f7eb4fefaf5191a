// Package reconciler implements the sync engine that pulls worksheet rows,
// maps them, and reconciles them into the data store.
//
// Both sync modes are idempotent: rows are upserted keyed by the worksheet
// row identifier, so re-running a sync over unchanged upstream data is a
// no-op and a failed run can simply be retried. Partial progress from a
// failed run stands.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/constants"
	"github.com/zhukan/fastlane-agent/internal/fieldmap"
	"github.com/zhukan/fastlane-agent/internal/store"
	"github.com/zhukan/fastlane-agent/internal/worksheet"
)

// Mode selects between an unbounded and a time-windowed pull.
type Mode string

// Sync modes.
const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

var (
	// ErrConfiguration is returned when required credentials or identifiers are
	// missing. It is fatal and raised before any network call.
	ErrConfiguration = errors.New("incomplete sync configuration")

	// ErrSyncInProgress is returned when another sync run already holds the
	// lock for the target table.
	ErrSyncInProgress = errors.New("a sync for this table is already in progress")
)

// RowLister lists rows from a worksheet. Implemented by worksheet.Client.
type RowLister interface {
	ListRows(ctx context.Context, worksheetID string, opts worksheet.ListOptions) (worksheet.Page, error)
}

// Store is the data store surface the reconciler writes through.
type Store interface {
	AcquireLock(ctx context.Context, key string) (release func(), ok bool, err error)
	Upsert(ctx context.Context, table, keyColumn string, records []fieldmap.Record) (store.UpsertStats, error)
	BeginRun(ctx context.Context, table, mode string) (string, error)
	CompleteRun(ctx context.Context, id string, stats store.RunStats) error
	FailRun(ctx context.Context, id string, stats store.RunStats, errMsg string) error
	UpdateAccountProductCounts(ctx context.Context) (int64, error)
}

// Reconciler pulls, maps, and upserts worksheet rows into the data store.
type Reconciler struct {
	db        Store
	baseURL   string
	newLister func(baseURL string, creds worksheet.Credentials) RowLister

	lookback    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	runsTotal  *prometheus.CounterVec
	rowsPulled *prometheus.CounterVec
}

type options struct {
	newLister func(baseURL string, creds worksheet.Credentials) RowLister

	lookback    time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Option is a function which tweaks the creation of the Reconciler.
type Option func(*options)

// WithLookback overrides the default incremental sync lookback window.
func WithLookback(d time.Duration) Option {
	return func(o *options) {
		o.lookback = d
	}
}

// New creates a reconciler writing through db, pulling from the worksheet
// service at baseURL, and registering its metrics with reg.
func New(db Store, baseURL string, reg prometheus.Registerer, args ...Option) (*Reconciler, error) {
	opts := options{
		newLister: func(baseURL string, creds worksheet.Credentials) RowLister {
			return worksheet.New(baseURL, creds)
		},
		lookback:    48 * time.Hour,
		maxAttempts: 4,
		baseBackoff: 2 * time.Second,
		maxBackoff:  30 * time.Second,
	}
	for _, arg := range args {
		arg(&opts)
	}

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_runs_total",
		Help: "Number of sync runs by table, mode, and outcome.",
	}, []string{"table", "mode", "status"})
	rowsPulled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_rows_pulled_total",
		Help: "Number of worksheet rows pulled by table.",
	}, []string{"table"})
	for _, c := range []prometheus.Collector{runsTotal, rowsPulled} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register sync metrics: %v", err)
		}
	}

	return &Reconciler{
		db:        db,
		baseURL:   baseURL,
		newLister: opts.newLister,

		lookback:    opts.lookback,
		maxAttempts: opts.maxAttempts,
		baseBackoff: opts.baseBackoff,
		maxBackoff:  opts.maxBackoff,

		runsTotal:  runsTotal,
		rowsPulled: rowsPulled,
	}, nil
}

// Sync runs one sync to completion and returns its counters.
//
// since only applies to incremental mode; the zero time selects the default
// lookback window.
func (r *Reconciler) Sync(ctx context.Context, ws config.Worksheet, mode Mode, since time.Time) (store.RunStats, error) {
	run, err := r.begin(ctx, ws, mode)
	if err != nil {
		return store.RunStats{}, err
	}
	return r.finish(ctx, run, ws, mode, since)
}

// Start begins a sync in the background and returns its run id.
//
// The lock is taken and the run recorded before returning, so a concurrent
// Start against the same table fails fast with ErrSyncInProgress. The sync
// itself continues detached from the caller's context: no cancellation
// mid-sync, a run goes to completion or failure.
func (r *Reconciler) Start(ctx context.Context, ws config.Worksheet, mode Mode, since time.Time) (string, error) {
	run, err := r.begin(ctx, ws, mode)
	if err != nil {
		return "", err
	}

	go func() {
		if _, err := r.finish(context.WithoutCancel(ctx), run, ws, mode, since); err != nil {
			slog.Error("Background sync failed", "table", ws.Table, "run_id", run.id, "err", err)
		}
	}()
	return run.id, nil
}

type startedRun struct {
	id      string
	release func()
}

func (r *Reconciler) begin(ctx context.Context, ws config.Worksheet, mode Mode) (startedRun, error) {
	if ws.WorksheetID == "" || ws.Table == "" {
		return startedRun{}, fmt.Errorf("%w: worksheet id and table are required", ErrConfiguration)
	}
	if ws.AppKey == "" || ws.Sign == "" {
		return startedRun{}, fmt.Errorf("%w: missing worksheet credentials for %s", ErrConfiguration, ws.Name)
	}

	lockKey := fmt.Sprintf("%s:%s", constants.SyncLockPrefix, ws.Table)
	release, ok, err := r.db.AcquireLock(ctx, lockKey)
	if err != nil {
		return startedRun{}, fmt.Errorf("failed to acquire sync lock: %v", err)
	}
	if !ok {
		return startedRun{}, ErrSyncInProgress
	}

	runID, err := r.db.BeginRun(ctx, ws.Table, string(mode))
	if err != nil {
		release()
		return startedRun{}, fmt.Errorf("failed to record sync run: %v", err)
	}

	slog.Info("Sync run started", "table", ws.Table, "mode", mode, "run_id", runID)
	return startedRun{id: runID, release: release}, nil
}

func (r *Reconciler) finish(ctx context.Context, run startedRun, ws config.Worksheet, mode Mode, since time.Time) (store.RunStats, error) {
	defer run.release()

	var filter *worksheet.Filter
	if mode == ModeIncremental {
		if since.IsZero() {
			since = time.Now().Add(-r.lookback)
		}
		filter = worksheet.Or(
			worksheet.After(constants.WorksheetCreatedAtField, since),
			worksheet.After(constants.WorksheetUpdatedAtField, since),
		)
	}

	stats, err := r.pull(ctx, ws, filter)
	if err == nil && ws.RecomputeAccounts {
		// The denormalized per-account counts depend on fully synced child
		// records, so this pass only runs after the primary sync completes.
		var updated int64
		updated, err = r.db.UpdateAccountProductCounts(ctx)
		if err == nil {
			slog.Debug("Recomputed account product counts", "accounts", updated)
		}
	}

	if err != nil {
		if failErr := r.db.FailRun(ctx, run.id, stats, err.Error()); failErr != nil {
			slog.Error("Failed to record sync run failure", "run_id", run.id, "err", failErr)
		}
		r.runsTotal.WithLabelValues(ws.Table, string(mode), "failed").Inc()
		return stats, err
	}

	if err := r.db.CompleteRun(ctx, run.id, stats); err != nil {
		return stats, fmt.Errorf("sync succeeded but run completion was not recorded: %v", err)
	}
	r.runsTotal.WithLabelValues(ws.Table, string(mode), "completed").Inc()
	slog.Info("Sync run completed", "table", ws.Table, "mode", mode, "run_id", run.id,
		"pulled", stats.TotalPulled, "inserted", stats.Inserted, "updated", stats.Updated, "failed", stats.Failed)
	return stats, nil
}

// pull pages through the worksheet, maps each row, and upserts page by page.
func (r *Reconciler) pull(ctx context.Context, ws config.Worksheet, filter *worksheet.Filter) (store.RunStats, error) {
	lister := r.newLister(r.baseURL, ws.Credentials())

	var stats store.RunStats
	pageIndex := 1
	for {
		page, err := r.listWithRetry(ctx, lister, ws.WorksheetID, worksheet.ListOptions{
			PageSize:  constants.DefaultWorksheetPageSize,
			PageIndex: pageIndex,
			Filter:    filter,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to pull page %d of worksheet %s: %w", pageIndex, ws.WorksheetID, err)
		}

		records := make([]fieldmap.Record, 0, len(page.Rows))
		for _, row := range page.Rows {
			record := fieldmap.MapRow(row, ws.Fields)
			record[ws.KeyColumn] = fieldmap.String(row[constants.WorksheetRowIDField])
			// Timestamp columns arrive as service-formatted strings; store
			// them as real timestamps, unparseable values degrade to NULL.
			for _, column := range ws.TimeFields {
				if _, ok := record[column]; !ok {
					continue
				}
				if t := fieldmap.ParseTime(record[column]); !t.IsZero() {
					record[column] = t
				} else {
					record[column] = nil
				}
			}
			records = append(records, record)
		}
		stats.TotalPulled += len(page.Rows)
		r.rowsPulled.WithLabelValues(ws.Table).Add(float64(len(page.Rows)))

		upserted, err := r.db.Upsert(ctx, ws.Table, ws.KeyColumn, records)
		stats.Inserted += upserted.Inserted
		stats.Updated += upserted.Updated
		stats.Failed += upserted.Failed
		if err != nil {
			return stats, fmt.Errorf("failed to upsert page %d into %s: %v", pageIndex, ws.Table, err)
		}

		if len(page.Rows) < constants.DefaultWorksheetPageSize {
			return stats, nil
		}
		pageIndex++
	}
}

// listWithRetry retries transient worksheet failures with jittered exponential
// backoff. Authentication and malformed-response failures are never retried.
func (r *Reconciler) listWithRetry(ctx context.Context, lister RowLister, worksheetID string, opts worksheet.ListOptions) (worksheet.Page, error) {
	backoff := r.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		page, err := lister.ListRows(ctx, worksheetID, opts)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, worksheet.ErrTransient) {
			return worksheet.Page{}, err
		}
		lastErr = err

		if attempt == r.maxAttempts {
			break
		}

		// #nosec:G404 We don't need cryptographic randomness.
		sleep := time.Duration(rand.Int63n(int64(max(backoff, 1))))
		slog.Warn("Transient worksheet failure, retrying after backoff",
			"worksheet", worksheetID, "page", opts.PageIndex, "attempt", attempt, "seconds", sleep.Seconds(), "err", err)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return worksheet.Page{}, ctx.Err()
		}
		backoff = min(backoff*2, r.maxBackoff)
	}

	return worksheet.Page{}, fmt.Errorf("giving up after %d attempts: %w", r.maxAttempts, lastErr)
}
