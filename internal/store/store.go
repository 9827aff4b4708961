package store

import (
	"context"
	"errors"

	"github.com/seantiz/crucible/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyTerminal is returned when completing an execution that has
// already reached a terminal status. This is a programming-contract
// violation on the ledger, not an expected runtime condition.
var ErrAlreadyTerminal = errors.New("execution already terminal")

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for scripts, their declared
// dependencies and schedules, and the execution ledger.
type Store interface {
	CreateScript(ctx context.Context, s *model.Script) error
	GetScript(ctx context.Context, id string) (*model.Script, error)
	ListScripts(ctx context.Context) ([]*model.Script, error)
	ListActiveScripts(ctx context.Context) ([]*model.Script, error)
	SetScriptActive(ctx context.Context, id string, active bool) error
	DeleteScript(ctx context.Context, id string) error

	AddDependency(ctx context.Context, d *model.Dependency) error
	RemoveDependency(ctx context.Context, scriptID, packageName string) error
	ListDependencies(ctx context.Context, scriptID string) ([]model.Dependency, error)
	SetInstalledVersion(ctx context.Context, scriptID, packageName, version string) error

	AddSchedule(ctx context.Context, s *model.Schedule) error
	RemoveSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, scriptID string) ([]model.Schedule, error)

	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	MarkExecutionRunning(ctx context.Context, id string) error
	CompleteExecution(ctx context.Context, id, status, errMsg string) error
	AppendExecutionLog(ctx context.Context, executionID string, seq int, line string) error
	GetExecutionLog(ctx context.Context, executionID string) ([]model.LogLine, error)
	ListExecutions(ctx context.Context, scriptID string, limit, offset int) ([]*model.Execution, int, error)
	FailStaleExecutions(ctx context.Context, reason string) (int, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)

	Ping(ctx context.Context) error
	Close() error
}
