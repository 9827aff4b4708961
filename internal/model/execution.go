package model

import "time"

// Execution status constants.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Success and failure are terminal; nothing leaves them.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailure: true,
	},
	StatusRunning: {
		StatusSuccess: true,
		StatusFailure: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the given status is final.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailure
}

// Execution is one timestamped run attempt of a script. It is created in
// pending state at trigger time and owned by the engine until terminal,
// after which it is immutable.
type Execution struct {
	ID          string     `json:"id"`
	ScriptID    string     `json:"script_id"`
	ScheduleID  string     `json:"schedule_id,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LogLine is a single persisted line of execution output.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}
