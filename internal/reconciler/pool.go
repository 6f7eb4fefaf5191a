package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/store"
)

// Pool runs one background worker per configured worksheet, each performing
// periodic incremental syncs.
type Pool struct {
	cm  dConfigManager
	rec dReconciler

	mu       sync.Mutex
	workers  map[string]context.CancelFunc
	workerWG sync.WaitGroup

	metricsMu     sync.Mutex
	activeWorkers prometheus.Gauge
}

type dConfigManager interface {
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	Names() []string
	Worksheet(string) (config.Worksheet, bool)
}

type dReconciler interface {
	Sync(ctx context.Context, ws config.Worksheet, mode Mode, since time.Time) (store.RunStats, error)
}

// NewPool creates a worker pool driving rec from the worksheet configuration in cm.
func NewPool(cm dConfigManager, rec dReconciler, reg prometheus.Registerer) (*Pool, error) {
	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_active_workers",
		Help: "Number of active worksheet sync workers.",
	})
	if err := reg.Register(activeWorkers); err != nil {
		return nil, fmt.Errorf("failed to register active workers gauge: %v", err)
	}

	return &Pool{
		cm:            cm,
		rec:           rec,
		workers:       make(map[string]context.CancelFunc),
		activeWorkers: activeWorkers,
	}, nil
}

// Run orchestrates and manages the pool of worksheet workers.
//
// It watches the worksheet configuration and starts or stops workers as
// worksheets are added or removed. Each worker performs periodic incremental
// syncs for its worksheet.
//
// This is blocking until an error occurs or the context is canceled and all
// workers are done.
//
// Always returns a non-nil error, which is either a context error or a
// configuration watch error.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("Sync worker pool started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reloadEventCh, cfgWatchErrCh, err := p.cm.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching configuration: %v", err)
	}

	// Initial sync
	p.syncWorkers(ctx)

	// Debounce timer for handling bursts of events
	debounceDuration := 5 * time.Second
	debounceTimer := time.NewTimer(debounceDuration)
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping sync worker pool")
			p.workerWG.Wait()
			return ctx.Err()

		case _, ok := <-reloadEventCh:
			if !ok {
				return fmt.Errorf("reloadEventCh closed unexpectedly")
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(debounceDuration)

		case <-debounceTimer.C:
			// Timer expired, perform the resync
			slog.Info("Resyncing workers after configuration change")
			p.syncWorkers(ctx)
			slog.Debug("Completed resyncing workers")

		case err, ok := <-cfgWatchErrCh:
			if !ok {
				return fmt.Errorf("cfgWatchErrCh closed unexpectedly")
			}
			if err != nil {
				slog.Error("Configuration watcher error", "err", err)
			}
		}
	}
}

// syncWorkers diffs the configured worksheets and starts/stops goroutines.
func (p *Pool) syncWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	configured := make(map[string]bool)
	for _, name := range p.cm.Names() {
		configured[name] = true
	}

	// stop removed
	for name, cancel := range p.workers {
		if !configured[name] {
			cancel()
			delete(p.workers, name)
		}
	}
	// start added
	for _, name := range p.cm.Names() {
		if _, ok := p.workers[name]; ok {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping worker sync")
			return // normal shutdown
		default:
		}
		wsCtx, cancel := context.WithCancel(ctx)
		p.workers[name] = cancel
		slog.Info("Starting worksheet worker", "worksheet", name)
		p.workerWG.Add(1)
		go p.worksheetWorker(wsCtx, name)
	}
}

// worksheetWorker periodically syncs a single worksheet until ctx is canceled.
//
// The worksheet configuration is re-read from the manager before each run, so
// field mapping or credential changes apply without a worker restart.
func (p *Pool) worksheetWorker(ctx context.Context, name string) {
	defer p.workerWG.Done()

	p.metricsMu.Lock()
	p.activeWorkers.Inc()
	p.metricsMu.Unlock()

	defer func() {
		p.metricsMu.Lock()
		p.activeWorkers.Dec()
		p.metricsMu.Unlock()
	}()

	baseBackoff := 5 * time.Second
	maxBackoff := 2 * time.Minute
	backoff := baseBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ws, ok := p.cm.Worksheet(name)
		if !ok {
			slog.Info("Worksheet removed from configuration, stopping worker", "worksheet", name)
			return
		}

		wait := ws.Interval
		_, err := p.rec.Sync(ctx, ws, ModeIncremental, time.Time{})
		switch {
		case err == nil:
			backoff = baseBackoff
		case ctx.Err() != nil:
			slog.Debug("Worksheet worker context canceled", "worksheet", name)
			return
		default:
			slog.Error("Periodic sync failed", "worksheet", name, "err", err)
			// #nosec:G404 We don't need cryptographic randomness.
			wait = time.Duration(rand.Int63n(int64(backoff)))
			backoff = min(backoff*2, maxBackoff)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			slog.Debug("Worksheet worker context canceled", "worksheet", name)
			return // normal shutdown
		}
	}
}
