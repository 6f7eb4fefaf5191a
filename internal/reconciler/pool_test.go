package reconciler_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/store"
)

func TestPoolRun(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cm  *mockConfigManager
		rec *mockSyncer

		skipMetricsCheck bool
		wantErr          bool
	}{
		"No worksheets": {},
		"Single worksheet no errors": {
			cm: newPoolConfigManager("apps"),
		},
		"Multiple worksheets no errors": {
			cm: newPoolConfigManager("apps", "accounts", "releases"),
		},

		// Syncer errors
		"Single worksheet with sync error": {
			cm: newPoolConfigManager("apps"),
			rec: newSyncer(map[string]error{
				"apps": errors.New("requested error"),
			}),
		},
		"Multiple worksheets with context canceled": {
			cm: newPoolConfigManager("apps", "accounts"),
			rec: newSyncer(map[string]error{
				"apps": context.Canceled,
			}),
			skipMetricsCheck: true,
		},

		// Config manager errors
		"Exits on config manager reloadCh early close": {
			cm: &mockConfigManager{
				names:         []string{"apps"},
				closeReloadCh: true,
			},
			wantErr: true,
		},
		"Exits on config manager watchErrCh early close": {
			cm: &mockConfigManager{
				names:         []string{"apps"},
				closeWatchErr: true,
			},
			wantErr: true,
		},
		"Exits on config manager watch error": {
			cm: &mockConfigManager{
				names:    []string{"apps"},
				watchErr: errors.New("watch error"),
			},
			wantErr: true,
		},
		"Does not exit on config manager delayed watch error": {
			cm: &mockConfigManager{
				names:           []string{"apps"},
				delayedWatchErr: errors.New("delayed watch error"),
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.cm == nil {
				tc.cm = newPoolConfigManager()
			}
			if tc.rec == nil {
				tc.rec = newSyncer(nil)
			}

			registry := prometheus.NewRegistry()
			p, err := reconciler.NewPool(tc.cm, tc.rec, registry)
			require.NoError(t, err, "Setup: failed to create worker pool")
			runErr := runPool(t.Context(), t, p)

			if tc.wantErr {
				checkPool(t, runErr, true, 3*time.Second)
				return
			}

			var collector prometheus.Collector
			if !tc.skipMetricsCheck {
				collector = registry
			}
			waitPoolWorkersEqual(t, p, collector, tc.cm.Names()...)
			// Ensure no errors are received
			checkPool(t, runErr, false, 0)
		})
	}
}

// Tests the addition and removal of worksheets from the configuration and
// verifies that the pool updates its workers accordingly.
func TestPoolRunModifyWorksheets(t *testing.T) {
	t.Parallel()

	cm := newPoolConfigManager("apps")
	registry := prometheus.NewRegistry()
	p, err := reconciler.NewPool(cm, newSyncer(nil), registry)
	require.NoError(t, err, "Setup: failed to create worker pool")
	runPool(t.Context(), t, p)

	waitPoolWorkersEqual(t, p, registry, cm.Names()...)

	cm.setNames(t, append(cm.Names(), "accounts"), 3)
	waitPoolWorkersEqual(t, p, registry, cm.Names()...)

	cm.setNames(t, []string{}, 3)
	waitPoolWorkersEqual(t, p, registry)
}

func TestPoolRunEarlyContextCancel(t *testing.T) {
	t.Parallel()

	cm := newPoolConfigManager("apps", "accounts")
	ctx, cancel := context.WithCancel(t.Context())
	p, err := reconciler.NewPool(cm, newSyncer(nil), prometheus.NewRegistry())
	require.NoError(t, err, "Setup: failed to create worker pool")
	runErr := runPool(ctx, t, p)

	// Ensure no errors are received before the context is canceled
	checkPool(t, runErr, false, 50*time.Millisecond)

	cancel()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, ctx.Err(), "Expected context error after context cancellation")
	case <-time.After(3 * time.Second):
		require.Fail(t, "Pool did not exit after context cancellation")
	}
}

// checkPool is a helper function which waits a specified duration, unless an error signal is received.
func checkPool(t *testing.T, runErr chan error, expectErr bool, duration time.Duration) {
	t.Helper()

	select {
	case err := <-runErr:
		if expectErr {
			require.Error(t, err, "Expected error but got nil")
			return
		}
		// Unexpected early close
		require.Fail(t, "Pool closed unexpectedly", err)
	case <-time.After(duration):
		require.False(t, expectErr, "Pool did not exit with an error within the expected duration")
	}
}

// waitPoolWorkersEqual waits until the active workers in the pool match the expected workers.
// It also checks the registry gauge if provided.
func waitPoolWorkersEqual(t *testing.T, p *reconciler.Pool, registry prometheus.Collector, workers ...string) {
	t.Helper()
	delay := 500 * time.Millisecond
	timeout := 8 * time.Second

	start := time.Now()
	for {
		got := p.WorkerNames()

		slices.Sort(got)
		slices.Sort(workers)

		if slices.Equal(workers, got) {
			if registry == nil || len(workers) == int(testutil.ToFloat64(registry)) {
				return
			}
		}
		require.LessOrEqual(t, time.Since(start), timeout, "Workers did not match within the timeout. Wanted: %v, Got: %v", workers, got)
		time.Sleep(delay)
	}
}

type mockConfigManager struct {
	names []string

	closeReloadCh   bool
	closeWatchErr   bool
	watchErr        error
	delayedWatchErr error

	reloadCh chan struct{}
	errCh    chan error

	mu sync.RWMutex
}

func newPoolConfigManager(names ...string) *mockConfigManager {
	return &mockConfigManager{
		names:    names,
		reloadCh: make(chan struct{}),
		errCh:    make(chan error),
	}
}

func (m *mockConfigManager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if m.watchErr != nil {
		return nil, nil, m.watchErr
	}

	if m.reloadCh == nil {
		m.reloadCh = make(chan struct{})
	}
	if m.errCh == nil {
		m.errCh = make(chan error)
	}

	if m.closeReloadCh {
		close(m.reloadCh)
	}
	if m.closeWatchErr {
		close(m.errCh)
	} else if m.delayedWatchErr != nil {
		go func() {
			time.Sleep(2 * time.Second)
			m.errCh <- m.delayedWatchErr
		}()
	}
	return m.reloadCh, m.errCh, nil
}

func (m *mockConfigManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	namesCopy := make([]string, len(m.names))
	copy(namesCopy, m.names)
	return namesCopy
}

func (m *mockConfigManager) Worksheet(name string) (config.Worksheet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !slices.Contains(m.names, name) {
		return config.Worksheet{}, false
	}
	ws := testWorksheet()
	ws.Name = name
	ws.Table = name
	ws.Interval = time.Hour // long enough that tests only see the first cycle
	return ws, true
}

func (m *mockConfigManager) setNames(t *testing.T, newNames []string, sendReloadSignal uint) {
	t.Helper()

	m.mu.Lock()
	m.names = newNames
	m.mu.Unlock()

	for range sendReloadSignal {
		require.NotNil(t, m.reloadCh, "Setup: Reload channel should not be nil")
		m.reloadCh <- struct{}{}
	}
}

// runPool runs the pool in a separate goroutine and returns a channel to
// receive any errors that occur during the run.
//
// The channel is closed when the run is complete.
func runPool(ctx context.Context, t *testing.T, p *reconciler.Pool) chan error {
	t.Helper()

	runErr := make(chan error, 1)
	go func() {
		defer close(runErr)
		err := p.Run(ctx)
		if err != nil {
			runErr <- err
		}
	}()

	time.Sleep(50 * time.Millisecond) // Allow some time for the pool to start
	return runErr
}

type mockSyncer struct {
	syncErrs map[string]error
}

func newSyncer(syncErrs map[string]error) *mockSyncer {
	return &mockSyncer{syncErrs: syncErrs}
}

func (s *mockSyncer) Sync(ctx context.Context, ws config.Worksheet, mode reconciler.Mode, since time.Time) (store.RunStats, error) {
	select {
	case <-ctx.Done():
		return store.RunStats{}, ctx.Err()
	default:
	}

	if err, ok := s.syncErrs[ws.Name]; ok {
		return store.RunStats{}, err
	}
	return store.RunStats{}, nil
}
