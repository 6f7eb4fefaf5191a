// Package agent provides the local HTTP API consumed by the operations
// dashboard: sync triggers and status, project CRUD, release deploy/refresh,
// and the monitor toggle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhukan/fastlane-agent/internal/agent/handlers"
	"github.com/zhukan/fastlane-agent/internal/agent/metrics"
)

// Server is a struct that holds the HTTP server and its configuration.
type Server struct {
	httpServer *http.Server
	cm         ConfigManager

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context requests a graceful stop at the next opportunity.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ConfigPath string

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int

	ListenHost string
	ListenPort int
}

// ConfigManager is the worksheet configuration surface the server needs.
type ConfigManager interface {
	handlers.ConfigProvider
	Load() error
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
}

// New creates a new Server wiring the handlers to the given collaborators.
func New(ctx context.Context, cm ConfigManager, db handlers.Store, syncer handlers.Syncer, lanes handlers.LaneRunner, reg prometheus.Registerer, sc StaticConfig) (*Server, error) {
	if err := cm.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s := Server{
		cm:     cm,
		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel}

	syncHandler := handlers.NewSync(db, syncer, cm)
	projectsHandler := handlers.NewProjects(db)
	releasesHandler := handlers.NewReleases(db, lanes)
	appsHandler := handlers.NewApps(db)

	mw := metrics.NewMuxMiddleware(reg)
	mux := http.NewServeMux()
	mux.Handle("POST /api/sync/{table}", mw.Wrap("sync_trigger", http.HandlerFunc(syncHandler.Trigger)))
	mux.Handle("GET /api/sync/{table}/status", mw.Wrap("sync_status", http.HandlerFunc(syncHandler.Status)))
	mux.Handle("GET /api/projects", mw.Wrap("projects_list", http.HandlerFunc(projectsHandler.List)))
	mux.Handle("POST /api/projects", mw.Wrap("projects_create", http.HandlerFunc(projectsHandler.Create)))
	mux.Handle("GET /api/projects/{id}", mw.Wrap("projects_get", http.HandlerFunc(projectsHandler.Get)))
	mux.Handle("PUT /api/projects/{id}", mw.Wrap("projects_update", http.HandlerFunc(projectsHandler.Update)))
	mux.Handle("DELETE /api/projects/{id}", mw.Wrap("projects_delete", http.HandlerFunc(projectsHandler.Delete)))
	mux.Handle("GET /api/apps", mw.Wrap("apps_list", http.HandlerFunc(appsHandler.List)))
	mux.Handle("POST /api/apps/{id}/monitor", mw.Wrap("apps_monitor", http.HandlerFunc(appsHandler.Monitor)))
	mux.Handle("POST /api/releases/{id}/deploy", mw.Wrap("releases_deploy", http.HandlerFunc(releasesHandler.Deploy)))
	mux.Handle("POST /api/releases/{id}/refresh", mw.Wrap("releases_refresh", http.HandlerFunc(releasesHandler.Refresh)))
	mux.Handle("GET /version", mw.Wrap("version", http.HandlerFunc(handlers.VersionHandler)))

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", sc.ListenHost, sc.ListenPort),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        http.TimeoutHandler(mux, sc.RequestTimeout, ""),
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}

	return &s, nil
}

// Run starts the HTTP server and listens for incoming requests.
func (s *Server) Run() error {
	slog.Info("Starting agent server", "addr", s.httpServer.Addr)

	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	_, watchErr, err := s.cm.Watch(s.gracefulCtx)
	if err != nil {
		return fmt.Errorf("failed to start watching configuration: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-s.gracefulCtx.Done():
		slog.Info("Graceful shutdown initiated")
		// use parent ctx so if s.cancel() is called elsewhere it unblocks Shutdown immediately
		if err := s.httpServer.Shutdown(s.ctx); err != nil {
			slog.Error("Graceful shutdown failed", "err", err)
			return err
		}
		slog.Info("Agent server shut down gracefully")
		// now kill everything else (watchers, handlers, etc.)
		s.cancel()
		return nil

	case err := <-serverErr:
		if err != nil {
			slog.Error("Agent server encountered error", "err", err)
			s.cancel()
			return err
		}
		// unlikely: ListenAndServe returned nil
		s.cancel()
		return nil
	case err := <-watchErr:
		if err != nil {
			slog.Error("Config watcher encountered unrecoverable error", "err", err)
		}
		errC := s.httpServer.Close()
		s.cancel()

		return errors.Join(err, errC)
	}
}

// Quit shuts down the HTTP server gracefully.
func (s *Server) Quit(force bool) {
	defer s.cancel()

	if force {
		s.httpServer.Close()
		s.cancel()
	} else {
		s.gracefulCancel()
	}
	slog.Info("Agent server quit")
}
