package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/zhukan/fastlane-agent/internal/runner"
	"github.com/zhukan/fastlane-agent/internal/store"
)

// Releases handles release deploy and refresh actions.
type Releases struct {
	db    Store
	lanes LaneRunner
}

// NewReleases creates a new Releases handler.
func NewReleases(db Store, lanes LaneRunner) *Releases {
	return &Releases{db: db, lanes: lanes}
}

type deployRequest struct {
	Lane      string `json:"lane,omitempty"`
	Requester string `json:"requester,omitempty"`
}

type laneResponse struct {
	Release store.Release `json:"release"`
	Lane    string        `json:"lane"`
	Output  string        `json:"output,omitempty"`
}

// Deploy handles POST /api/releases/{id}/deploy.
//
// The release's project is resolved by bundle id, and the requested lane (or
// the project default) is run synchronously in the project working copy.
// Every attempt lands in the operation log, succeeded or not.
func (h *Releases) Deploy(w http.ResponseWriter, r *http.Request) {
	h.runLane(w, r, "deploy", "")
}

// Refresh handles POST /api/releases/{id}/refresh.
//
// Runs the status lane to re-fetch store state for the release.
func (h *Releases) Refresh(w http.ResponseWriter, r *http.Request) {
	h.runLane(w, r, "refresh", "status")
}

func (h *Releases) runLane(w http.ResponseWriter, r *http.Request, kind, forcedLane string) {
	reqID := uuid.New().String()
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req deployRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	release, err := h.db.GetRelease(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "release not found")
		return
	}
	if err != nil {
		slog.Error("Failed to fetch release", "req_id", reqID, "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch release")
		return
	}

	project, err := h.db.GetProjectByBundleID(r.Context(), release.BundleID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnprocessableEntity, "no project configured for this release's bundle id")
		return
	}
	if err != nil {
		slog.Error("Failed to resolve project", "req_id", reqID, "bundle_id", release.BundleID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve project")
		return
	}

	lane := forcedLane
	if lane == "" {
		lane = req.Lane
	}
	if lane == "" {
		lane = project.DefaultLane
	}
	if lane == "" {
		writeError(w, http.StatusUnprocessableEntity, "no lane requested and project has no default lane")
		return
	}

	slog.Info("Lane request recv'd", "req_id", reqID, "kind", kind, "release", release.ID, "lane", lane)
	result, laneErr := h.lanes.Run(r.Context(), project.RepoPath, lane, "bundle_id:"+release.BundleID)

	op := store.Operation{
		Kind:      kind,
		Subject:   fmt.Sprintf("release %d (%s)", release.ID, release.BundleID),
		Requester: req.Requester,
		Succeeded: laneErr == nil,
	}
	if laneErr != nil {
		op.Detail = laneErr.Error()
	}
	if err := h.db.AppendOperation(r.Context(), op); err != nil {
		slog.Warn("Failed to record operation", "req_id", reqID, "err", err)
	}

	if errors.Is(laneErr, runner.ErrLaneFailed) {
		writeError(w, http.StatusBadGateway, laneErr.Error())
		return
	}
	if laneErr != nil {
		slog.Error("Lane invocation failed", "req_id", reqID, "lane", lane, "err", laneErr)
		writeError(w, http.StatusInternalServerError, "lane invocation failed")
		return
	}

	writeJSON(w, http.StatusOK, laneResponse{Release: release, Lane: lane, Output: result.Stdout})
}
