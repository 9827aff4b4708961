package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/sched"
	"github.com/seantiz/crucible/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createScriptRequest is the JSON body for POST /v1/scripts.
type createScriptRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req createScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	sc := &model.Script{
		ID:        model.NewID(),
		Name:      req.Name,
		Content:   req.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateScript(r.Context(), sc); err != nil {
		s.logger.Error("create script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create script")
		return
	}

	s.writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.store.ListScripts(r.Context())
	if err != nil {
		s.logger.Error("list scripts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list scripts")
		return
	}
	if scripts == nil {
		scripts = []*model.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sc, err := s.store.GetScript(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	if err != nil {
		s.logger.Error("get script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.DeleteScript(r.Context(), id)
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "script has a run in flight")
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	case err != nil:
		s.logger.Error("delete script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete script")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// setActiveRequest is the JSON body for PUT /v1/scripts/:id/active.
type setActiveRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setActiveRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.engine.SetActive(r.Context(), id, req.Active)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	case errors.Is(err, engine.ErrNotEligible):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("set script active", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update script")
		return
	}

	sc, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		s.logger.Error("get updated script", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve script")
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

// addDependencyRequest is the JSON body for POST /v1/scripts/:id/dependencies.
type addDependencyRequest struct {
	PackageName string `json:"package_name"`
	VersionSpec string `json:"version_spec"`
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req addDependencyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PackageName == "" {
		s.writeError(w, http.StatusBadRequest, "package_name is required")
		return
	}

	if _, err := s.store.GetScript(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script for dependency", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	dep := &model.Dependency{
		ID:          model.NewID(),
		ScriptID:    id,
		PackageName: req.PackageName,
		VersionSpec: req.VersionSpec,
	}
	if err := s.store.AddDependency(r.Context(), dep); err != nil {
		s.logger.Error("add dependency", "error", err)
		s.writeError(w, http.StatusConflict, "dependency already declared")
		return
	}

	s.writeJSON(w, http.StatusCreated, dep)
}

// handleSyncDependencies reconciles the installed-version cache against
// what the script's environment actually holds and returns the refreshed
// dependency list. Catches drift from out-of-band environment changes.
func (s *Server) handleSyncDependencies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetScript(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script for sync", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	deps, err := s.engine.SyncInstalledVersions(r.Context(), id)
	if err != nil {
		s.logger.Error("sync installed versions", "script_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to sync dependencies")
		return
	}
	if deps == nil {
		deps = []model.Dependency{}
	}

	s.writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkg := chi.URLParam(r, "pkg")

	// Best effort: remove from the environment first, then drop the
	// declaration. A missing environment just means nothing to uninstall.
	if err := s.engine.UninstallDependency(r.Context(), id, pkg); err != nil {
		s.logger.Warn("uninstall dependency", "script_id", id, "package", pkg, "error", err)
	}

	if err := s.store.RemoveDependency(r.Context(), id, pkg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "dependency not found")
			return
		}
		s.logger.Error("remove dependency", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove dependency")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// addScheduleRequest is the JSON body for POST /v1/scripts/:id/schedules.
type addScheduleRequest struct {
	CronExpression string `json:"cron_expression"`
	Description    string `json:"description"`
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req addScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := sched.ValidateCron(req.CronExpression); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.GetScript(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script for schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	schedule := &model.Schedule{
		ID:             model.NewID(),
		ScriptID:       id,
		CronExpression: req.CronExpression,
		Description:    req.Description,
	}
	if err := s.store.AddSchedule(r.Context(), schedule); err != nil {
		s.logger.Error("add schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add schedule")
		return
	}

	s.writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.RemoveSchedule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("remove schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
