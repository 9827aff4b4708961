package runner

import (
	"errors"
	"sync"
)

// ErrAlreadyRunning is returned when a run is requested for a script that
// already has an execution in flight.
var ErrAlreadyRunning = errors.New("script already has a running execution")

// Registry tracks the current execution per script with check-and-set
// semantics. It is the single source of truth for the one-concurrent-run
// rule; process table inspection is never consulted.
type Registry struct {
	mu      sync.Mutex
	running map[string]string // script ID -> execution ID
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		running: make(map[string]string),
	}
}

// Acquire claims the run slot for a script. Exactly one concurrent caller
// wins; the rest get ErrAlreadyRunning.
func (r *Registry) Acquire(scriptID, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[scriptID]; ok {
		return ErrAlreadyRunning
	}
	r.running[scriptID] = executionID
	return nil
}

// Release frees the run slot, but only if it is still held by the given
// execution. A stale release from an execution that no longer owns the slot
// is a no-op.
func (r *Registry) Release(scriptID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[scriptID] == executionID {
		delete(r.running, scriptID)
	}
}

// Running returns the in-flight execution ID for a script, if any.
func (r *Registry) Running(scriptID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.running[scriptID]
	return id, ok
}
