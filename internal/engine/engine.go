package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/env"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/store"
)

// DefaultTimeout is the wall-clock budget for a run when none is configured.
const DefaultTimeout = 5 * time.Minute

// ErrNotEligible is returned when a script fails the activation
// preconditions: at least one schedule and every declared dependency
// installed.
var ErrNotEligible = errors.New("script is not eligible")

// Engine coordinates script execution: ledger transitions, the
// one-concurrent-run rule, environment preparation, and live output fan-out.
type Engine struct {
	store    store.Store
	envs     *env.Store
	runner   *runner.Runner
	registry *runner.Registry
	broker   *Broker
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// New creates an execution engine. timeout bounds each run's wall-clock
// duration; zero means DefaultTimeout.
func New(s store.Store, envs *env.Store, r *runner.Runner, logger *slog.Logger, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		store:    s,
		envs:     envs,
		runner:   r,
		registry: runner.NewRegistry(),
		broker:   NewBroker(),
		logger:   logger,
		timeout:  timeout,
	}
}

// Broker returns the engine's live event broker for subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Running reports the in-flight execution for a script, if any.
func (e *Engine) Running(scriptID string) (string, bool) {
	return e.registry.Running(scriptID)
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Trigger starts a run for a script and returns the new execution ID. The
// execution is recorded as pending before this returns; the process runs in
// a goroutine. A script with a run already in flight is rejected with
// runner.ErrAlreadyRunning and nothing is recorded.
func (e *Engine) Trigger(ctx context.Context, scriptID string) (string, error) {
	return e.trigger(ctx, scriptID, "")
}

// TriggerScheduled is Trigger for cron-initiated runs; the firing schedule's
// ID is recorded on the execution.
func (e *Engine) TriggerScheduled(ctx context.Context, scriptID, scheduleID string) (string, error) {
	return e.trigger(ctx, scriptID, scheduleID)
}

func (e *Engine) trigger(ctx context.Context, scriptID, scheduleID string) (string, error) {
	script, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		return "", fmt.Errorf("get script: %w", err)
	}

	executionID := model.NewID()
	if err := e.registry.Acquire(script.ID, executionID); err != nil {
		runsRejectedTotal.Inc()
		return "", err
	}

	exec := &model.Execution{
		ID:         executionID,
		ScriptID:   script.ID,
		ScheduleID: scheduleID,
		Status:     model.StatusPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.registry.Release(script.ID, executionID)
		return "", fmt.Errorf("create execution: %w", err)
	}

	e.broker.Open(executionID)
	e.wg.Go(func() {
		e.execute(script, executionID)
	})

	return executionID, nil
}

// execute drives one run from pending to a terminal state.
func (e *Engine) execute(script *model.Script, executionID string) {
	defer e.registry.Release(script.ID, executionID)
	defer e.broker.Close(executionID)

	ctx := context.Background()

	// Precondition gate. Scripts with no declared dependencies skip the
	// install path entirely; otherwise every cached installed version must
	// be non-empty before a process is spawned.
	for _, dep := range script.Dependencies {
		if dep.InstalledVersion == "" {
			e.finishFailed(executionID,
				fmt.Sprintf("precondition not met: dependency %s is not installed", dep.PackageName))
			return
		}
	}

	if err := e.envs.Ensure(ctx, script.ID); err != nil {
		e.finishFailed(executionID, fmt.Sprintf("failed to prepare environment: %v", err))
		return
	}

	scriptPath, err := e.envs.WriteScript(script.ID, script.Content)
	if err != nil {
		e.finishFailed(executionID, fmt.Sprintf("failed to write script: %v", err))
		return
	}

	if err := e.store.MarkExecutionRunning(ctx, executionID); err != nil {
		e.logger.Error("transition to running", "execution_id", executionID, "error", err)
		e.finishFailed(executionID, fmt.Sprintf("failed to start: %v", err))
		return
	}
	e.broker.PublishStatus(executionID, model.StatusRunning)

	// Dual-sink log writer: persist to the ledger for history, publish to
	// the broker for live subscribers. Neither sink may block the other;
	// the broker drops for slow subscribers and the ledger write is a
	// single row insert.
	var seq atomic.Int32
	logWriter := func(line string) {
		currentSeq := int(seq.Add(1) - 1)
		if err := e.store.AppendExecutionLog(ctx, executionID, currentSeq, line); err != nil {
			e.logger.Error("persist log line",
				"execution_id", executionID, "seq", currentSeq, "error", err)
		}
		e.broker.Publish(executionID, line)
	}

	result, runErr := e.runner.Run(ctx, runner.Spec{
		Interpreter: e.envs.Interpreter(script.ID),
		ScriptPath:  scriptPath,
		Dir:         e.envs.ScriptDir(script.ID),
		Timeout:     e.timeout,
		LogWriter:   logWriter,
	})

	switch {
	case errors.Is(runErr, runner.ErrTimeout):
		runsTimedOutTotal.Inc()
		e.finishFailed(executionID, runErr.Error())
	case errors.Is(runErr, runner.ErrSpawn):
		e.finishFailed(executionID, fmt.Sprintf("failed to start script: %v", runErr))
	case runErr != nil:
		e.finishFailed(executionID, runErr.Error())
	case result.ExitCode != 0:
		e.finishFailed(executionID, fmt.Sprintf("script exited with code %d", result.ExitCode))
	default:
		runDuration.Observe(result.Duration.Seconds())
		runsTotal.WithLabelValues(model.StatusSuccess).Inc()
		if err := e.store.CompleteExecution(ctx, executionID, model.StatusSuccess, ""); err != nil {
			e.logger.Error("complete execution", "execution_id", executionID, "error", err)
		}
		e.broker.PublishStatus(executionID, model.StatusSuccess)
	}
}

// finishFailed marks an execution as failed with the given message and
// publishes the terminal status.
func (e *Engine) finishFailed(executionID, errMsg string) {
	runsTotal.WithLabelValues(model.StatusFailure).Inc()
	if err := e.store.CompleteExecution(context.Background(), executionID, model.StatusFailure, errMsg); err != nil {
		e.logger.Error("complete failed execution", "execution_id", executionID, "error", err)
	}
	e.broker.PublishStatus(executionID, model.StatusFailure)
}

// DeleteScript removes a script, its ledger rows, and its on-disk
// environment. A script with a run in flight cannot be deleted out from
// under it.
func (e *Engine) DeleteScript(ctx context.Context, scriptID string) error {
	if execID, running := e.registry.Running(scriptID); running {
		return fmt.Errorf("%w: execution %s in flight", runner.ErrAlreadyRunning, execID)
	}
	if err := e.store.DeleteScript(ctx, scriptID); err != nil {
		return err
	}
	if err := e.envs.Remove(scriptID); err != nil {
		e.logger.Warn("remove script environment", "script_id", scriptID, "error", err)
	}
	return nil
}

// InstallDependencies materializes the script's environment and installs
// its declared dependencies one at a time, streaming progress lines. The
// installed-version cache is refreshed only for packages that installed
// successfully; a failed package leaves its cached version untouched and
// does not abort the rest of the batch.
func (e *Engine) InstallDependencies(ctx context.Context, scriptID string, progress func(line string)) ([]env.InstallResult, error) {
	script, err := e.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}

	if err := e.envs.Ensure(ctx, script.ID); err != nil {
		return nil, err
	}

	results := e.envs.Install(ctx, script.ID, script.Dependencies, progress)
	for _, res := range results {
		if res.Err != nil {
			installsTotal.WithLabelValues("failure").Inc()
			continue
		}
		installsTotal.WithLabelValues("success").Inc()
		if res.Version == "" {
			continue
		}
		if err := e.store.SetInstalledVersion(ctx, script.ID, res.Package, res.Version); err != nil {
			e.logger.Error("refresh installed version cache",
				"script_id", script.ID, "package", res.Package, "error", err)
		}
	}
	return results, nil
}

// UninstallDependency removes one package from the script's environment and
// clears its cached installed version. The dependency declaration itself is
// owned by the caller.
func (e *Engine) UninstallDependency(ctx context.Context, scriptID, packageName string) error {
	if err := e.envs.Uninstall(ctx, scriptID, packageName); err != nil {
		return err
	}
	err := e.store.SetInstalledVersion(ctx, scriptID, packageName, "")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear installed version cache: %w", err)
	}
	return nil
}

// SyncInstalledVersions reconciles the installed-version cache against what
// the environment actually holds and returns the refreshed dependencies.
func (e *Engine) SyncInstalledVersions(ctx context.Context, scriptID string) ([]model.Dependency, error) {
	deps, err := e.store.ListDependencies(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	installed, err := e.envs.Installed(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	for i, dep := range deps {
		version := installed[strings.ToLower(dep.PackageName)]
		if version == dep.InstalledVersion {
			continue
		}
		if err := e.store.SetInstalledVersion(ctx, scriptID, dep.PackageName, version); err != nil {
			return nil, err
		}
		deps[i].InstalledVersion = version
	}
	return deps, nil
}

// CheckEligibility reports whether a script may be activated or scheduled:
// it needs at least one schedule and every declared dependency installed.
func CheckEligibility(script *model.Script) error {
	if len(script.Schedules) == 0 {
		return fmt.Errorf("%w: no schedule is attached", ErrNotEligible)
	}
	for _, dep := range script.Dependencies {
		if dep.InstalledVersion == "" {
			return fmt.Errorf("%w: dependency %s is not installed", ErrNotEligible, dep.PackageName)
		}
	}
	return nil
}

// SetActive flips a script's activation flag. Activation is refused with
// ErrNotEligible unless the script passes CheckEligibility; deactivation is
// always allowed. This gate holds even if the external CRUD layer forgets
// its own validation.
func (e *Engine) SetActive(ctx context.Context, scriptID string, active bool) error {
	if active {
		script, err := e.store.GetScript(ctx, scriptID)
		if err != nil {
			return fmt.Errorf("get script: %w", err)
		}
		if err := CheckEligibility(script); err != nil {
			return err
		}
	}
	return e.store.SetScriptActive(ctx, scriptID, active)
}
