// Package runner spawns scripts as supervised child processes, streams
// their output line by line, and classifies how they exited.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrSpawn is returned when the child process cannot be started at all.
var ErrSpawn = errors.New("spawn failed")

// ErrTimeout is returned when the child process is forcibly terminated for
// exceeding its wall-clock budget.
var ErrTimeout = errors.New("execution timed out")

// stderrPrefix tags lines read from the child's stderr so the two streams
// stay distinguishable in a single log.
const stderrPrefix = "[stderr] "

// Spec describes one process run. Interpreter resolution is the
// environment store's job; the runner just executes what it is handed.
type Spec struct {
	Interpreter string
	ScriptPath  string
	Dir         string
	Timeout     time.Duration

	// LogWriter receives each output line as it crosses the process
	// boundary, in emission order. May be nil.
	LogWriter func(line string)
}

// Result holds the terminal classification of a finished process.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes scripts inside their resolved environments.
type Runner struct {
	logger *slog.Logger
}

// New creates a process runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run spawns the script and blocks until it exits or the timeout forces
// termination. Output lines are forwarded to spec.LogWriter synchronously
// with emission. A nil error with ExitCode 0 means success; a process that
// exits 0 without producing any output is still a success.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Interpreter, spec.ScriptPath)
	cmd.Dir = spec.Dir
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	emit := spec.LogWriter
	if emit == nil {
		emit = func(string) {}
	}

	// One goroutine per pipe; each forwards lines as they arrive so neither
	// stream can starve the other behind OS pipe buffering.
	var g errgroup.Group
	g.Go(func() error {
		return forwardLines(stdout, emit, "")
	})
	g.Go(func() error {
		return forwardLines(stderr, emit, stderrPrefix)
	})
	if err := g.Wait(); err != nil {
		r.logger.Warn("output capture ended early", "script", spec.ScriptPath, "error", err)
	}

	waitErr := cmd.Wait()
	result := Result{Duration: time.Since(start)}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("wait: %w", waitErr)
	}

	return result, nil
}

// forwardLines reads r line by line and hands each line to emit with the
// given prefix.
func forwardLines(r io.Reader, emit func(string), prefix string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(prefix + scanner.Text())
	}
	return scanner.Err()
}
