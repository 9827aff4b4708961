package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/runner"
)

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive /bin/sh scripts")
	}
	return runner.New(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// writeScript writes a shell script to a temp dir and returns a Spec
// running it under /bin/sh.
func writeScript(t *testing.T, content string) runner.Spec {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return runner.Spec{
		Interpreter: "/bin/sh",
		ScriptPath:  path,
		Dir:         dir,
		Timeout:     10 * time.Second,
	}
}

func TestRunCapturesOrderedOutput(t *testing.T) {
	r := newTestRunner(t)
	spec := writeScript(t, "echo one\necho two\necho three\n")

	var lines []string
	spec.LogWriter = func(line string) { lines = append(lines, line) }

	result, err := r.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRunTagsStderr(t *testing.T) {
	r := newTestRunner(t)
	spec := writeScript(t, "echo out\necho err >&2\n")

	var lines []string
	spec.LogWriter = func(line string) { lines = append(lines, line) }

	if _, err := r.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "out") {
		t.Errorf("stdout line missing: %v", lines)
	}
	if !strings.Contains(joined, "[stderr] err") {
		t.Errorf("stderr line not tagged: %v", lines)
	}
}

func TestRunEmptyOutputIsSuccess(t *testing.T) {
	r := newTestRunner(t)
	spec := writeScript(t, "exit 0\n")

	var lines []string
	spec.LogWriter = func(line string) { lines = append(lines, line) }

	result, err := r.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.TimedOut {
		t.Error("TimedOut = true for a clean exit")
	}
	if len(lines) != 0 {
		t.Errorf("lines = %v, want none", lines)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner(t)
	spec := writeScript(t, "echo failing\nexit 3\n")

	result, err := r.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t)
	spec := writeScript(t, "echo started\nsleep 30\necho never\n")
	spec.Timeout = 200 * time.Millisecond

	var lines []string
	spec.LogWriter = func(line string) { lines = append(lines, line) }

	start := time.Now()
	result, err := r.Run(context.Background(), spec)
	elapsed := time.Since(start)

	if !errors.Is(err, runner.ErrTimeout) {
		t.Fatalf("Run error = %v, want ErrTimeout", err)
	}
	if !result.TimedOut {
		t.Error("TimedOut = false")
	}
	// Forced termination should land well within a bounded grace period.
	if elapsed > 5*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
	for _, line := range lines {
		if line == "never" {
			t.Error("output after timeout point was captured")
		}
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := newTestRunner(t)
	spec := runner.Spec{
		Interpreter: "/no/such/interpreter",
		ScriptPath:  "whatever.py",
		Timeout:     time.Second,
	}

	_, err := r.Run(context.Background(), spec)
	if !errors.Is(err, runner.ErrSpawn) {
		t.Errorf("Run error = %v, want ErrSpawn", err)
	}
}
