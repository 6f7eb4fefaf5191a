// Package handlers provides the HTTP handlers for the agent API consumed by
// the operations dashboard.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/runner"
	"github.com/zhukan/fastlane-agent/internal/store"
)

// Store is the data store surface the agent handlers read and write.
type Store interface {
	ListProjects(ctx context.Context) ([]store.Project, error)
	GetProject(ctx context.Context, id int64) (store.Project, error)
	GetProjectByBundleID(ctx context.Context, bundleID string) (store.Project, error)
	CreateProject(ctx context.Context, p store.Project) (store.Project, error)
	UpdateProject(ctx context.Context, p store.Project) error
	DeleteProject(ctx context.Context, id int64) error

	ListApps(ctx context.Context, limit, offset int) ([]store.App, error)
	SetAppMonitor(ctx context.Context, id int64, monitored bool) error
	GetRelease(ctx context.Context, id int64) (store.Release, error)

	LatestRun(ctx context.Context, table string) (store.SyncRun, error)
	AppendOperation(ctx context.Context, op store.Operation) error
}

// Syncer starts background sync runs. Implemented by reconciler.Reconciler.
type Syncer interface {
	Start(ctx context.Context, ws config.Worksheet, mode reconciler.Mode, since time.Time) (string, error)
}

// ConfigProvider resolves worksheet configurations by name.
type ConfigProvider interface {
	Names() []string
	Worksheet(name string) (config.Worksheet, bool)
}

// LaneRunner invokes release-automation lanes. Implemented by runner.Runner.
type LaneRunner interface {
	Run(ctx context.Context, dir, lane string, args ...string) (runner.Result, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody decodes a JSON request body into v, enforcing a small size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16) // 64 KB
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
