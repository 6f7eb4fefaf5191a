package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/zhukan/fastlane-agent/internal/store"
)

// Projects handles the release project CRUD endpoints.
type Projects struct {
	db Store
}

// NewProjects creates a new Projects handler.
func NewProjects(db Store) *Projects {
	return &Projects{db: db}
}

type projectRequest struct {
	Name        string `json:"name"`
	BundleID    string `json:"bundleId"`
	RepoPath    string `json:"repoPath"`
	DefaultLane string `json:"defaultLane"`
}

func (p projectRequest) validate() string {
	if p.Name == "" {
		return "name is required"
	}
	if p.BundleID == "" {
		return "bundleId is required"
	}
	if p.RepoPath == "" {
		return "repoPath is required"
	}
	return ""
}

// List handles GET /api/projects.
func (h *Projects) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.db.ListProjects(r.Context())
	if err != nil {
		slog.Error("Failed to list projects", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// Create handles POST /api/projects.
func (h *Projects) Create(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	project, err := h.db.CreateProject(r.Context(), store.Project{
		Name:        req.Name,
		BundleID:    req.BundleID,
		RepoPath:    req.RepoPath,
		DefaultLane: req.DefaultLane,
	})
	if err != nil {
		slog.Error("Failed to create project", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// Get handles GET /api/projects/{id}.
func (h *Projects) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	project, err := h.db.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		slog.Error("Failed to fetch project", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// Update handles PUT /api/projects/{id}.
func (h *Projects) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}

	err := h.db.UpdateProject(r.Context(), store.Project{
		ID:          id,
		Name:        req.Name,
		BundleID:    req.BundleID,
		RepoPath:    req.RepoPath,
		DefaultLane: req.DefaultLane,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		slog.Error("Failed to update project", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to update project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/projects/{id}.
func (h *Projects) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.db.DeleteProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete project", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID parses the {id} path value, answering 400 on garbage.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id in URL")
		return 0, false
	}
	return id, true
}
