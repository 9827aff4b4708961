// Package env owns the isolated package environment backing each script.
// Every script gets its own virtualenv under the scripts directory; nothing
// is ever shared between scripts, so a broken or conflicting environment
// stays local to the script that owns it.
package env

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/crucible/internal/model"
)

// ErrEnvironmentCreation is returned when the virtualenv cannot be provisioned.
var ErrEnvironmentCreation = errors.New("environment creation failed")

// ErrEnvironmentMissing is returned when an operation requires an
// environment that has not been created yet.
var ErrEnvironmentMissing = errors.New("environment does not exist")

// InstallResult reports the outcome of installing a single package.
type InstallResult struct {
	Package string `json:"package"`
	Version string `json:"version,omitempty"`
	Err     error  `json:"-"`
}

// Store manages one virtualenv per script. All mutating operations on the
// same script serialize; operations on different scripts proceed
// independently.
type Store struct {
	baseDir string
	python  string
	logger  *slog.Logger

	ensure singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an environment store rooted at baseDir, using pythonBin as
// the base interpreter for virtualenv creation.
func New(baseDir, pythonBin string, logger *slog.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		python:  pythonBin,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// scriptLock returns the mutex serializing mutations for one script.
func (s *Store) scriptLock(scriptID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[scriptID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[scriptID] = l
	}
	return l
}

// ScriptDir returns the working directory for a script.
func (s *Store) ScriptDir(scriptID string) string {
	return filepath.Join(s.baseDir, scriptID)
}

func (s *Store) venvDir(scriptID string) string {
	return filepath.Join(s.ScriptDir(scriptID), "venv")
}

// Interpreter returns the path to the environment's Python interpreter.
// Resolution lives here so the process runner never has to know about
// virtualenv layout.
func (s *Store) Interpreter(scriptID string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(s.venvDir(scriptID), "Scripts", "python.exe")
	}
	return filepath.Join(s.venvDir(scriptID), "bin", "python")
}

// Exists reports whether the script's environment is materialized and usable.
func (s *Store) Exists(scriptID string) bool {
	_, err := os.Stat(s.Interpreter(scriptID))
	return err == nil
}

// Ensure idempotently creates the script's virtualenv. Concurrent calls for
// the same script coalesce into one provisioning attempt.
func (s *Store) Ensure(ctx context.Context, scriptID string) error {
	_, err, _ := s.ensure.Do(scriptID, func() (any, error) {
		return nil, s.createEnv(ctx, scriptID)
	})
	return err
}

func (s *Store) createEnv(ctx context.Context, scriptID string) error {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	venv := s.venvDir(scriptID)

	// A venv directory without an interpreter is a leftover from a failed
	// provisioning run; remove it and start over.
	if _, err := os.Stat(venv); err == nil && !s.Exists(scriptID) {
		s.logger.Warn("removing broken virtualenv", "script_id", scriptID, "path", venv)
		if err := os.RemoveAll(venv); err != nil {
			return fmt.Errorf("%w: remove broken venv: %v", ErrEnvironmentCreation, err)
		}
	}

	if s.Exists(scriptID) {
		return nil
	}

	if err := os.MkdirAll(s.ScriptDir(scriptID), 0o755); err != nil {
		return fmt.Errorf("%w: create script dir: %v", ErrEnvironmentCreation, err)
	}

	s.logger.Info("creating virtualenv", "script_id", scriptID, "path", venv)
	cmd := exec.CommandContext(ctx, s.python, "-m", "venv", venv)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(venv)
		return fmt.Errorf("%w: %v: %s", ErrEnvironmentCreation, err, bytes.TrimSpace(out))
	}

	if !s.Exists(scriptID) {
		os.RemoveAll(venv)
		return fmt.Errorf("%w: interpreter missing at %s", ErrEnvironmentCreation, s.Interpreter(scriptID))
	}
	return nil
}

// Install installs the declared dependencies one at a time, streaming pip
// output through progress. A failed package does not abort the rest; each
// package's outcome is reported in its InstallResult. The returned slice
// has one entry per dependency, in order.
func (s *Store) Install(ctx context.Context, scriptID string, deps []model.Dependency, progress func(line string)) []InstallResult {
	if progress == nil {
		progress = func(string) {}
	}

	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	results := make([]InstallResult, 0, len(deps))
	for _, dep := range deps {
		res := InstallResult{Package: dep.PackageName}
		progress("Installing " + dep.Requirement() + " ...")

		if err := s.runPip(ctx, scriptID, progress, "install", dep.Requirement()); err != nil {
			res.Err = err
			progress(fmt.Sprintf("Failed to install %s: %v", dep.PackageName, err))
			s.logger.Warn("dependency install failed",
				"script_id", scriptID, "package", dep.PackageName, "error", err)
			results = append(results, res)
			continue
		}

		version, err := s.installedVersion(ctx, scriptID, dep.PackageName)
		if err != nil {
			// Installed but unreadable version; report the install as
			// succeeded with an unknown version rather than failing it.
			s.logger.Warn("resolve installed version",
				"script_id", scriptID, "package", dep.PackageName, "error", err)
		}
		res.Version = version
		progress(fmt.Sprintf("Installed %s %s", dep.PackageName, version))
		results = append(results, res)
	}
	return results
}

// Uninstall removes a single package from the script's environment.
func (s *Store) Uninstall(ctx context.Context, scriptID, packageName string) error {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()

	if !s.Exists(scriptID) {
		return ErrEnvironmentMissing
	}
	if err := s.runPip(ctx, scriptID, nil, "uninstall", "-y", packageName); err != nil {
		return fmt.Errorf("uninstall %s: %w", packageName, err)
	}
	return nil
}

// pipPackage is one entry of `pip list --format=json`.
type pipPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Installed inspects the environment and returns installed package versions
// keyed by lower-cased package name. This is the source of truth the
// installed-version cache is reconciled against.
func (s *Store) Installed(ctx context.Context, scriptID string) (map[string]string, error) {
	if !s.Exists(scriptID) {
		return map[string]string{}, nil
	}

	cmd := exec.CommandContext(ctx, s.Interpreter(scriptID), "-m", "pip", "list", "--format=json")
	cmd.Dir = s.ScriptDir(scriptID)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pip list: %w", err)
	}

	var packages []pipPackage
	if err := json.Unmarshal(out, &packages); err != nil {
		return nil, fmt.Errorf("parse pip list output: %w", err)
	}

	installed := make(map[string]string, len(packages))
	for _, p := range packages {
		installed[strings.ToLower(p.Name)] = p.Version
	}
	return installed, nil
}

// WriteScript materializes the script source in its working directory and
// returns the path.
func (s *Store) WriteScript(scriptID, content string) (string, error) {
	dir := s.ScriptDir(scriptID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script dir: %w", err)
	}
	path := filepath.Join(dir, "script.py")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

// Remove deletes the script's working directory and environment.
func (s *Store) Remove(scriptID string) error {
	lock := s.scriptLock(scriptID)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(s.ScriptDir(scriptID))
}

// runPip runs a pip subcommand in the script's environment, streaming
// combined output lines through progress when it is non-nil.
func (s *Store) runPip(ctx context.Context, scriptID string, progress func(line string), args ...string) error {
	interpreter := s.Interpreter(scriptID)
	if _, err := os.Stat(interpreter); err != nil {
		return ErrEnvironmentMissing
	}

	cmdArgs := append([]string{"-m", "pip"}, args...)
	cmd := exec.CommandContext(ctx, interpreter, cmdArgs...)
	cmd.Dir = s.ScriptDir(scriptID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pip: %w", err)
	}

	// Stream both pipes; stderr lines are kept for the error message so per
	// package failures carry pip's own explanation.
	var errTail strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string) {
			if progress != nil {
				progress(line)
			}
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			if progress != nil {
				progress(line)
			}
			if errTail.Len() < 2048 {
				errTail.WriteString(line)
				errTail.WriteString("\n")
			}
		})
	})
	scanErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(errTail.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("pip %s: %s", args[0], msg)
	}
	return scanErr
}

// installedVersion reads the resolved version of one package via pip show.
func (s *Store) installedVersion(ctx context.Context, scriptID, packageName string) (string, error) {
	cmd := exec.CommandContext(ctx, s.Interpreter(scriptID), "-m", "pip", "show", packageName)
	cmd.Dir = s.ScriptDir(scriptID)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pip show %s: %w", packageName, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "Version:"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("no version in pip show output for %s", packageName)
}

func scanLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}
