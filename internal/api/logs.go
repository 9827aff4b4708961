package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/env"
	"github.com/seantiz/crucible/internal/store"
)

func (s *Server) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the execution exists before touching the broker.
	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		s.logger.Error("get execution for stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	ch, unsub, err := s.engine.Broker().Subscribe(id)
	if errors.Is(err, engine.ErrNotRunning) {
		// Finished or never started; history lives in the log endpoint.
		s.writeError(w, http.StatusNotFound, "execution is not running, fetch its log for history")
		return
	}
	if err != nil {
		s.logger.Error("subscribe to execution stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Execution finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			var err error
			switch ev.Type {
			case engine.EventStatus:
				err = writeSSEEvent(w, "status", ev.Status)
			default:
				err = writeSSEData(w, ev.Line)
			}
			if err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// installResult is one package's outcome in the install results event.
type installResult struct {
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleInstallDependencies streams pip output over SSE while the script's
// declared dependencies install one by one, and finishes with a "results"
// event carrying the per-package outcomes.
func (s *Server) handleInstallDependencies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetScript(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "script not found")
			return
		}
		s.logger.Error("get script for install", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get script")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	// pip output is captured from stdout and stderr concurrently, so the
	// progress callback must be safe to call from multiple goroutines.
	var mu sync.Mutex
	progress := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if writeSSEData(w, line) == nil && canFlush {
			flusher.Flush()
		}
	}

	results, err := s.engine.InstallDependencies(r.Context(), id, progress)
	if err != nil {
		s.logger.Error("install dependencies", "script_id", id, "error", err)
		_ = writeSSEEvent(w, "error", err.Error())
		if canFlush {
			flusher.Flush()
		}
		return
	}

	payload := installResults(results)
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal install results", "error", err)
		return
	}
	_ = writeSSEEvent(w, "results", string(data))
	_ = writeSSEEvent(w, "done", "install complete")
	if canFlush {
		flusher.Flush()
	}
}

func installResults(results []env.InstallResult) []installResult {
	out := make([]installResult, len(results))
	for i, res := range results {
		out[i] = installResult{Package: res.Package, Version: res.Version}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	return out
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix, per the SSE spec.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
