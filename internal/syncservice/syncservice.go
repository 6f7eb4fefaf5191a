// Package syncservice runs the background worksheet sync daemon.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Pool runs the per-worksheet sync workers until its context is cancelled.
type Pool interface {
	Run(ctx context.Context) error
}

// Exporter serves the Prometheus scrape endpoint.
type Exporter interface {
	Serve() error
	Shutdown(ctx context.Context) error
	Close() error
}

// Service ties the sync worker pool and the metrics exporter together and
// supervises their lifetime. When either half stops, the other is asked to
// stop as well.
type Service struct {
	pool     Pool
	exporter Exporter

	// ctx interrupts any action. It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx requests a stop at the next opportunity.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	teardownGrace time.Duration

	running chan struct{} // Closed whenever Run is not executing.
}

var (
	// errServiceClosed is returned when the service was already stopped.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when one half of the service stopped but
	// the other did not follow within the teardown grace period. A force Quit
	// may be required to clean up.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

type options struct {
	teardownGrace time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

// New creates a sync service supervising the provided worker pool and
// metrics exporter.
func New(ctx context.Context, pool Pool, exporter Exporter, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		teardownGrace: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Not running yet, Quit must not block.
	return &Service{
		pool:     pool,
		exporter: exporter,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		teardownGrace: opts.teardownGrace,

		running: running,
	}
}

// Run starts the sync service and blocks until both halves have stopped, or
// until one half lingers past the teardown grace after the other stopped.
func (s *Service) Run() error {
	slog.Info("Sync service started")

	select {
	case <-s.gracefulCtx.Done():
		return errServiceClosed
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); results <- s.superviseWorkers() }()
	go func() { defer wg.Done(); results <- s.superviseExporter() }()
	go func() { wg.Wait(); close(results) }()

	err := <-results
	slog.Info("Waiting for the remaining sync sub-service to stop")

	select {
	case other := <-results:
		err = errors.Join(err, other)
	case <-time.After(s.teardownGrace):
		// Give up even though the lingering half's error may be lost.
		slog.Warn("Sync service teardown timed out")
		err = errors.Join(err, ErrTeardownTimeout)
	}

	return err
}

func (s *Service) superviseWorkers() error {
	slog.Info("Starting sync worker pool")
	defer s.gracefulCancel()

	err := s.pool.Run(s.gracefulCtx)
	if err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Sync worker pool encountered an error", "err", err)
		return fmt.Errorf("sync workers error: %v", err)
	}
	slog.Info("Sync workers stopped")
	return nil
}

func (s *Service) superviseExporter() error {
	slog.Info("Starting metrics exporter")
	defer s.gracefulCancel()

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		if err := s.exporter.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		slog.Info("Closing metrics exporter", "reason", s.ctx.Err())
		s.exporter.Close()
		return nil
	case <-s.gracefulCtx.Done():
		slog.Info("Draining metrics exporter")
		if err := s.exporter.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics exporter shutdown encountered error", "err", err)
			return fmt.Errorf("metrics exporter shutdown error: %v", err)
		}
	case err := <-serveErr:
		if err != nil {
			slog.Error("Metrics exporter encountered error", "err", err)
			return fmt.Errorf("metrics exporter error: %v", err)
		}
	}
	slog.Info("Metrics exporter stopped")
	return nil
}

// Quit stops the sync service and blocks until Run has returned.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping sync service")

	if force {
		s.cancel()
		s.exporter.Close()
	} else {
		s.gracefulCancel()
	}

	<-s.running
}
