package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zhukan/fastlane-agent/internal/store"
)

// Apps handles dashboard reads and the monitor toggle for synced apps.
type Apps struct {
	db Store
}

// NewApps creates a new Apps handler.
func NewApps(db Store) *Apps {
	return &Apps{db: db}
}

// List handles GET /api/apps.
func (h *Apps) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	apps, err := h.db.ListApps(r.Context(), limit, offset)
	if err != nil {
		slog.Error("Failed to list apps", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list apps")
		return
	}
	if apps == nil {
		apps = []store.App{}
	}
	writeJSON(w, http.StatusOK, apps)
}

type monitorRequest struct {
	Monitored bool `json:"monitored"`
}

// Monitor handles POST /api/apps/{id}/monitor.
func (h *Apps) Monitor(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req monitorRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.db.SetAppMonitor(r.Context(), id, req.Monitored)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "app not found")
		return
	}
	if err != nil {
		slog.Error("Failed to toggle monitor", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to toggle monitor")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
