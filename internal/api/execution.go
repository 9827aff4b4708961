package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/store"
)

// runResponse is the JSON response for POST /v1/scripts/:id/run.
type runResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	executionID, err := s.engine.Trigger(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	case errors.Is(err, runner.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "script is already running")
		return
	case err != nil:
		s.logger.Error("trigger run", "script_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, runResponse{
		ExecutionID: executionID,
		Status:      model.StatusPending,
	})
}

// listExecutionsResponse wraps the paginated history response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	if _, err := s.store.GetScript(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script for executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	executions, total, err := s.store.ListExecutions(r.Context(), id, limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, exec)
}

// logLine is a single log line in the log response.
type logLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// executionLogResponse is the JSON response for GET /v1/executions/:id/log.
type executionLogResponse struct {
	ExecutionID string    `json:"execution_id"`
	Lines       []logLine `json:"lines"`
}

func (s *Server) handleGetExecutionLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("get execution for log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	logLines, err := s.store.GetExecutionLog(r.Context(), id)
	if err != nil {
		s.logger.Error("get execution log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution log")
		return
	}

	lines := make([]logLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, executionLogResponse{
		ExecutionID: id,
		Lines:       lines,
	})
}
