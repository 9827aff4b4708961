package env_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/seantiz/crucible/internal/env"
	"github.com/seantiz/crucible/internal/model"
)

// fakePython is a shell stand-in for the Python interpreter. It supports
// `-m venv <dir>` (copying itself into the venv as bin/python and counting
// creations in venv_calls) and the pip subcommands the store uses, tracking
// installed packages in a flat file. Packages named "badpkg" fail to install.
const fakePython = `#!/bin/sh
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
  echo x >> "$(dirname "$0")/venv_calls"
  sleep 0.05
  mkdir -p "$3/bin"
  cp "$0" "$3/bin/python"
  chmod 755 "$3/bin/python"
  exit 0
fi
state="$(dirname "$0")/installed.txt"
if [ "$1" = "-m" ] && [ "$2" = "pip" ]; then
  case "$3" in
    install)
      req="$4"
      pkg=$(printf '%s' "$req" | sed 's/[=<>!~].*//')
      case "$req" in
        *==*) ver="${req##*==}" ;;
        *) ver="1.0.0" ;;
      esac
      if [ "$pkg" = "badpkg" ]; then
        echo "ERROR: No matching distribution found for $req" >&2
        exit 1
      fi
      echo "Collecting $req"
      touch "$state"
      grep -v "^$pkg " "$state" > "$state.tmp" || true
      echo "$pkg $ver" >> "$state.tmp"
      mv "$state.tmp" "$state"
      echo "Successfully installed $pkg-$ver"
      exit 0
      ;;
    show)
      pkg="$4"
      [ -f "$state" ] || exit 1
      ver=$(grep "^$pkg " "$state" | head -1 | cut -d' ' -f2)
      [ -n "$ver" ] || exit 1
      echo "Name: $pkg"
      echo "Version: $ver"
      exit 0
      ;;
    list)
      printf '['
      if [ -f "$state" ]; then
        first=1
        while read -r name ver; do
          [ "$first" = 0 ] && printf ','
          printf '{"name":"%s","version":"%s"}' "$name" "$ver"
          first=0
        done < "$state"
      fi
      printf ']\n'
      exit 0
      ;;
    uninstall)
      pkg="$5"
      touch "$state"
      grep -v "^$pkg " "$state" > "$state.tmp" || true
      mv "$state.tmp" "$state"
      echo "Successfully uninstalled $pkg"
      exit 0
      ;;
  esac
fi
exit 1
`

func newTestStore(t *testing.T) (*env.Store, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter requires a POSIX shell")
	}

	dir := t.TempDir()
	python := filepath.Join(dir, "python")
	if err := os.WriteFile(python, []byte(fakePython), 0o755); err != nil {
		t.Fatalf("write fake python: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return env.New(filepath.Join(dir, "scripts"), python, logger), dir
}

func venvCreations(t *testing.T, dir string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "venv_calls"))
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("read venv_calls: %v", err)
	}
	return strings.Count(string(data), "x")
}

func TestEnsureCreatesEnvironment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if s.Exists("s1") {
		t.Fatal("environment exists before Ensure")
	}
	if err := s.Ensure(ctx, "s1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !s.Exists("s1") {
		t.Fatal("environment missing after Ensure")
	}
}

func TestEnsureIdempotent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Ensure(ctx, "s1"); err != nil {
			t.Fatalf("Ensure #%d: %v", i, err)
		}
	}
	if n := venvCreations(t, dir); n != 1 {
		t.Errorf("venv created %d times, want 1", n)
	}
}

func TestEnsureSingleFlight(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Ensure(ctx, "s1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Ensure[%d]: %v", i, err)
		}
	}
	if n := venvCreations(t, dir); n != 1 {
		t.Errorf("concurrent Ensure created %d environments, want 1", n)
	}
}

func TestEnsureRecreatesBrokenEnvironment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Venv directory present but no interpreter inside.
	broken := filepath.Join(s.ScriptDir("s1"), "venv")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := s.Ensure(ctx, "s1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !s.Exists("s1") {
		t.Fatal("broken environment was not recreated")
	}
}

func TestEnsureFailureIsTyped(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}
	dir := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := env.New(filepath.Join(dir, "scripts"), filepath.Join(dir, "no-such-python"), logger)

	err := s.Ensure(context.Background(), "s1")
	if !errors.Is(err, env.ErrEnvironmentCreation) {
		t.Errorf("Ensure error = %v, want ErrEnvironmentCreation", err)
	}
}

func TestInstallReportsPerPackageResults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Ensure(ctx, "s1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	deps := []model.Dependency{
		{PackageName: "requests", VersionSpec: "==2.31.0"},
		{PackageName: "badpkg", VersionSpec: ""},
		{PackageName: "flask", VersionSpec: ""},
	}

	var lines []string
	results := s.Install(ctx, "s1", deps, func(line string) {
		lines = append(lines, line)
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Err != nil || results[0].Version != "2.31.0" {
		t.Errorf("requests result = %+v, want success at 2.31.0", results[0])
	}
	if results[1].Err == nil {
		t.Error("badpkg install unexpectedly succeeded")
	}
	// A mid-batch failure must not abort the remaining installs.
	if results[2].Err != nil || results[2].Version != "1.0.0" {
		t.Errorf("flask result = %+v, want success at 1.0.0", results[2])
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "Collecting requests==2.31.0") {
		t.Errorf("progress missing pip output:\n%s", joined)
	}
	if !strings.Contains(joined, "No matching distribution found") {
		t.Errorf("progress missing pip failure output:\n%s", joined)
	}
}

func TestInstalledReflectsInstalls(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Ensure(ctx, "s1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s.Install(ctx, "s1", []model.Dependency{
		{PackageName: "requests", VersionSpec: "==2.31.0"},
	}, nil)

	installed, err := s.Installed(ctx, "s1")
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if installed["requests"] != "2.31.0" {
		t.Errorf("installed[requests] = %q, want 2.31.0", installed["requests"])
	}
}

func TestInstalledOnMissingEnvironment(t *testing.T) {
	s, _ := newTestStore(t)

	installed, err := s.Installed(context.Background(), "never-created")
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if len(installed) != 0 {
		t.Errorf("installed = %v, want empty", installed)
	}
}

func TestUninstall(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Ensure(ctx, "s1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s.Install(ctx, "s1", []model.Dependency{{PackageName: "requests"}}, nil)

	if err := s.Uninstall(ctx, "s1", "requests"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}

	installed, err := s.Installed(ctx, "s1")
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if _, ok := installed["requests"]; ok {
		t.Error("requests still installed after Uninstall")
	}
}

func TestUninstallMissingEnvironment(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Uninstall(context.Background(), "never-created", "requests")
	if !errors.Is(err, env.ErrEnvironmentMissing) {
		t.Errorf("Uninstall error = %v, want ErrEnvironmentMissing", err)
	}
}

func TestConcurrentInstallsSerialize(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	install := func(spec string) {
		defer wg.Done()
		if err := s.Ensure(ctx, "s1"); err != nil {
			t.Errorf("Ensure: %v", err)
			return
		}
		results := s.Install(ctx, "s1", []model.Dependency{
			{PackageName: "pkga", VersionSpec: spec},
		}, nil)
		if results[0].Err != nil {
			t.Errorf("Install %s: %v", spec, results[0].Err)
		}
	}

	wg.Add(2)
	go install("==2.0")
	go install("==3.0")
	wg.Wait()

	if n := venvCreations(t, dir); n != 1 {
		t.Errorf("racing installs created %d environments, want 1", n)
	}

	installed, err := s.Installed(ctx, "s1")
	if err != nil {
		t.Fatalf("Installed: %v", err)
	}
	if v := installed["pkga"]; v != "2.0" && v != "3.0" {
		t.Errorf("installed[pkga] = %q, want one of the two requested versions", v)
	}
}

func TestWriteScript(t *testing.T) {
	s, _ := newTestStore(t)

	path, err := s.WriteScript("s1", "print('hi')")
	if err != nil {
		t.Fatalf("WriteScript: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if string(data) != "print('hi')" {
		t.Errorf("script content = %q", data)
	}
}
