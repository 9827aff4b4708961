package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS scripts (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    content    TEXT NOT NULL,
    is_active  INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dependencies (
    id                TEXT PRIMARY KEY,
    script_id         TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
    package_name      TEXT NOT NULL,
    version_spec      TEXT NOT NULL DEFAULT '',
    installed_version TEXT NOT NULL DEFAULT '',
    UNIQUE(script_id, package_name)
);

CREATE TABLE IF NOT EXISTS schedules (
    id              TEXT PRIMARY KEY,
    script_id       TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
    cron_expression TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id           TEXT PRIMARY KEY,
    script_id    TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
    schedule_id  TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    started_at   DATETIME NOT NULL,
    completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS execution_logs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    UNIQUE(execution_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_executions_script ON executions(script_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id, seq);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// The pragmas ride in the DSN because they are per-connection state: a
// plain Exec would configure only whichever pooled connection happened to
// run it, and cascade deletes would silently stop working on the rest.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateScript inserts a new script record.
func (s *SQLiteStore) CreateScript(ctx context.Context, sc *model.Script) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scripts (id, name, content, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Content, sc.IsActive, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// GetScript retrieves a script by ID, including its declared dependencies
// and schedules.
func (s *SQLiteStore) GetScript(ctx context.Context, id string) (*model.Script, error) {
	sc := &model.Script{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, is_active, created_at, updated_at
		 FROM scripts WHERE id = ?`, id,
	).Scan(&sc.ID, &sc.Name, &sc.Content, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}

	if sc.Dependencies, err = s.ListDependencies(ctx, id); err != nil {
		return nil, err
	}
	if sc.Schedules, err = s.ListSchedules(ctx, id); err != nil {
		return nil, err
	}
	return sc, nil
}

// ListScripts returns all scripts ordered by name, without their
// dependencies or schedules attached.
func (s *SQLiteStore) ListScripts(ctx context.Context) ([]*model.Script, error) {
	return s.listScripts(ctx, "SELECT id, name, content, is_active, created_at, updated_at FROM scripts ORDER BY name", false)
}

// ListActiveScripts returns every active script with dependencies and
// schedules attached, for scheduler evaluation.
func (s *SQLiteStore) ListActiveScripts(ctx context.Context) ([]*model.Script, error) {
	return s.listScripts(ctx, "SELECT id, name, content, is_active, created_at, updated_at FROM scripts WHERE is_active = 1 ORDER BY name", true)
}

func (s *SQLiteStore) listScripts(ctx context.Context, query string, withRelations bool) ([]*model.Script, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*model.Script
	for rows.Next() {
		sc := &model.Script{}
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Content, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		scripts = append(scripts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scripts: %w", err)
	}

	if withRelations {
		for _, sc := range scripts {
			if sc.Dependencies, err = s.ListDependencies(ctx, sc.ID); err != nil {
				return nil, err
			}
			if sc.Schedules, err = s.ListSchedules(ctx, sc.ID); err != nil {
				return nil, err
			}
		}
	}
	return scripts, nil
}

// SetScriptActive updates the activation flag. Eligibility checks live in
// the engine; this is a plain write.
func (s *SQLiteStore) SetScriptActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE scripts SET is_active = ?, updated_at = ? WHERE id = ?",
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set script active: %w", err)
	}
	return checkAffected(result)
}

// DeleteScript removes a script. Dependencies, schedules, executions and
// their logs cascade.
func (s *SQLiteStore) DeleteScript(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM scripts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return checkAffected(result)
}

// AddDependency inserts a dependency declaration for a script.
func (s *SQLiteStore) AddDependency(ctx context.Context, d *model.Dependency) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dependencies (id, script_id, package_name, version_spec, installed_version)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.ScriptID, d.PackageName, d.VersionSpec, d.InstalledVersion,
	)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

// RemoveDependency deletes a dependency declaration by package name.
func (s *SQLiteStore) RemoveDependency(ctx context.Context, scriptID, packageName string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM dependencies WHERE script_id = ? AND package_name = ?",
		scriptID, packageName,
	)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	return checkAffected(result)
}

// ListDependencies returns a script's declared dependencies ordered by package name.
func (s *SQLiteStore) ListDependencies(ctx context.Context, scriptID string) ([]model.Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, script_id, package_name, version_spec, installed_version
		 FROM dependencies WHERE script_id = ? ORDER BY package_name`, scriptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []model.Dependency
	for rows.Next() {
		var d model.Dependency
		if err := rows.Scan(&d.ID, &d.ScriptID, &d.PackageName, &d.VersionSpec, &d.InstalledVersion); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependencies: %w", err)
	}
	return deps, nil
}

// SetInstalledVersion refreshes the installed-version cache for one package.
// An empty version marks the package as not installed.
func (s *SQLiteStore) SetInstalledVersion(ctx context.Context, scriptID, packageName, version string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE dependencies SET installed_version = ? WHERE script_id = ? AND package_name = ?",
		version, scriptID, packageName,
	)
	if err != nil {
		return fmt.Errorf("set installed version: %w", err)
	}
	return checkAffected(result)
}

// AddSchedule inserts a schedule for a script.
func (s *SQLiteStore) AddSchedule(ctx context.Context, sc *model.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, script_id, cron_expression, description, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sc.ID, sc.ScriptID, sc.CronExpression, sc.Description, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// RemoveSchedule deletes a schedule by ID.
func (s *SQLiteStore) RemoveSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove schedule: %w", err)
	}
	return checkAffected(result)
}

// ListSchedules returns a script's schedules ordered by creation time.
func (s *SQLiteStore) ListSchedules(ctx context.Context, scriptID string) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, script_id, cron_expression, description, created_at
		 FROM schedules WHERE script_id = ? ORDER BY created_at`, scriptID,
	)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		var sc model.Schedule
		if err := rows.Scan(&sc.ID, &sc.ScriptID, &sc.CronExpression, &sc.Description, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

// CreateExecution inserts a new execution record in pending state.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, script_id, schedule_id, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ScriptID, e.ScheduleID, e.Status, e.Error, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e := &model.Execution{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, script_id, schedule_id, status, error, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.ScriptID, &e.ScheduleID, &e.Status, &e.Error, &e.StartedAt, &e.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// MarkExecutionRunning transitions a pending execution to running.
func (s *SQLiteStore) MarkExecutionRunning(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE executions SET status = ? WHERE id = ? AND status = ?",
		model.StatusRunning, id, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// CompleteExecution sets the terminal status, completion timestamp and
// optional error message for an execution. Completing an execution twice
// returns ErrAlreadyTerminal.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, id, status, errMsg string) error {
	if !model.IsTerminal(status) {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidTransition, status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, errMsg, time.Now().UTC(), id, model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyTerminal
	}
	return nil
}

// AppendExecutionLog durably appends one output line. Called repeatedly as
// output arrives so a crash mid-run leaves partial logs rather than none.
func (s *SQLiteStore) AppendExecutionLog(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO execution_logs (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// GetExecutionLog returns the accumulated log lines in emission order.
func (s *SQLiteStore) GetExecutionLog(ctx context.Context, executionID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, seq, line, created_at
		 FROM execution_logs WHERE execution_id = ? ORDER BY seq`, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get execution log: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// ListExecutions returns a paginated execution history for a script,
// newest first, along with the total count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, scriptID string, limit, offset int) ([]*model.Execution, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions WHERE script_id = ?", scriptID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, script_id, schedule_id, status, error, started_at, completed_at
		 FROM executions WHERE script_id = ?
		 ORDER BY started_at DESC LIMIT ? OFFSET ?`, scriptID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*model.Execution
	for rows.Next() {
		e := &model.Execution{}
		if err := rows.Scan(&e.ID, &e.ScriptID, &e.ScheduleID, &e.Status, &e.Error, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return executions, total, nil
}

// FailStaleExecutions marks every pending or running execution as failed
// with the given reason. Called at startup to sweep runs interrupted by a
// previous shutdown; returns the number of rows swept.
func (s *SQLiteStore) FailStaleExecutions(ctx context.Context, reason string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		model.StatusFailure, reason, time.Now().UTC(),
		model.StatusPending, model.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale executions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(affected), nil
}

// GetExecutionStats returns aggregate counts by status and the average
// duration of completed executions in milliseconds.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000)
		 FROM executions WHERE completed_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// checkAffected converts a zero-row update or delete into ErrNotFound.
func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
