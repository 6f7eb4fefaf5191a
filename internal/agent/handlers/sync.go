package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/store"
)

// Sync handles sync trigger and status requests.
type Sync struct {
	db     Store
	syncer Syncer
	cm     ConfigProvider
}

// NewSync creates a new Sync handler.
func NewSync(db Store, syncer Syncer, cm ConfigProvider) *Sync {
	return &Sync{db: db, syncer: syncer, cm: cm}
}

type triggerResponse struct {
	RunID string `json:"runId"`
	Table string `json:"table"`
	Mode  string `json:"mode"`
}

// Trigger handles POST /api/sync/{table}.
//
// The run is started in the background: the lock is taken and the run
// recorded before answering, so the dashboard gets a fast 202 with the run id
// and polls status, or a 409 when a run for the table is already in flight.
func (h *Sync) Trigger(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	table := r.PathValue("table")

	ws, ok := h.resolve(table)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sync table")
		return
	}

	mode := reconciler.ModeIncremental
	switch r.URL.Query().Get("mode") {
	case "", "incremental":
	case "full":
		mode = reconciler.ModeFull
	default:
		writeError(w, http.StatusBadRequest, "mode must be full or incremental")
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	slog.Info("Sync trigger recv'd", "req_id", reqID, "table", ws.Table, "mode", mode)
	runID, err := h.syncer.Start(r.Context(), ws, mode, since)
	if errors.Is(err, reconciler.ErrSyncInProgress) {
		writeError(w, http.StatusConflict, "a sync for this table is already in progress")
		return
	}
	if errors.Is(err, reconciler.ErrConfiguration) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		slog.Error("Failed to start sync", "req_id", reqID, "table", ws.Table, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start sync")
		return
	}

	if err := h.db.AppendOperation(r.Context(), store.Operation{
		Kind:      "sync",
		Subject:   ws.Table,
		Succeeded: true,
		Detail:    string(mode),
	}); err != nil {
		slog.Warn("Failed to record sync trigger", "req_id", reqID, "err", err)
	}

	writeJSON(w, http.StatusAccepted, triggerResponse{RunID: runID, Table: ws.Table, Mode: string(mode)})
}

// Status handles GET /api/sync/{table}/status.
//
// It reads the latest sync run metadata so the dashboard can render sync
// state without triggering a sync.
func (h *Sync) Status(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")

	ws, ok := h.resolve(table)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown sync table")
		return
	}

	run, err := h.db.LatestRun(r.Context(), ws.Table)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no sync runs recorded for this table")
		return
	}
	if err != nil {
		slog.Error("Failed to fetch sync status", "table", ws.Table, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch sync status")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// resolve matches the path value against configured worksheet names and
// target tables.
func (h *Sync) resolve(table string) (config.Worksheet, bool) {
	if ws, ok := h.cm.Worksheet(table); ok {
		return ws, true
	}
	for _, name := range h.cm.Names() {
		if ws, ok := h.cm.Worksheet(name); ok && ws.Table == table {
			return ws, true
		}
	}
	return config.Worksheet{}, false
}
