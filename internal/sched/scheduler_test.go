package sched

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/store"
)

type triggerCall struct {
	scriptID   string
	scheduleID string
}

// fakeTriggerer records trigger calls and can simulate an in-flight run.
type fakeTriggerer struct {
	mu      sync.Mutex
	calls   []triggerCall
	running map[string]string
	err     error
}

func (f *fakeTriggerer) TriggerScheduled(_ context.Context, scriptID, scheduleID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, triggerCall{scriptID: scriptID, scheduleID: scheduleID})
	return model.NewID(), nil
}

func (f *fakeTriggerer) Running(scriptID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.running[scriptID]
	return id, ok
}

func (f *fakeTriggerer) triggered() []triggerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCall(nil), f.calls...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.SQLiteStore, *fakeTriggerer) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	trig := &fakeTriggerer{running: map[string]string{}}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s := New(st, trig, logger, time.Minute)
	return s, st, trig
}

// seedScript creates a script with one installed dependency and one schedule.
func seedScript(t *testing.T, st *store.SQLiteStore, expr string, active bool) (*model.Script, string) {
	t.Helper()
	ctx := context.Background()

	sc := &model.Script{ID: model.NewID(), Name: "job", Content: "print('hi')"}
	if err := st.CreateScript(ctx, sc); err != nil {
		t.Fatalf("create script: %v", err)
	}
	dep := &model.Dependency{
		ID: model.NewID(), ScriptID: sc.ID,
		PackageName: "requests", InstalledVersion: "2.31.0",
	}
	if err := st.AddDependency(ctx, dep); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	sched := &model.Schedule{ID: model.NewID(), ScriptID: sc.ID, CronExpression: expr}
	if err := st.AddSchedule(ctx, sched); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	if active {
		if err := st.SetScriptActive(ctx, sc.ID, true); err != nil {
			t.Fatalf("activate script: %v", err)
		}
	}
	return sc, sched.ID
}

// tickOver advances the scheduler through one window from from to to.
func tickOver(s *Scheduler, from, to time.Time) {
	s.lastTick = from
	s.now = func() time.Time { return to }
	s.tick(context.Background())
}

func TestValidateCron(t *testing.T) {
	valid := []string{"* * * * *", "0 3 * * *", "*/5 * * * *", "@hourly", "@daily"}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Errorf("ValidateCron(%q) = %v, want nil", expr, err)
		}
	}
	invalid := []string{"", "not cron", "* * * *", "61 * * * *", "0 0 * * * *"}
	for _, expr := range invalid {
		if err := ValidateCron(expr); err == nil {
			t.Errorf("ValidateCron(%q) = nil, want error", expr)
		}
	}
}

func TestFireWithin(t *testing.T) {
	spec, err := Parser.Parse("0 3 * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		from, to time.Time
		want     bool
	}{
		{"window contains firing", day.Add(2 * time.Hour), day.Add(4 * time.Hour), true},
		{"window ends exactly at firing", day.Add(2 * time.Hour), day.Add(3 * time.Hour), true},
		{"window before firing", day, day.Add(2 * time.Hour), false},
		{"window after firing", day.Add(4 * time.Hour), day.Add(5 * time.Hour), false},
		{"firing at window start is excluded", day.Add(3 * time.Hour), day.Add(4 * time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fireWithin(spec, tc.from, tc.to); got != tc.want {
				t.Errorf("fireWithin(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	sc, schedID := seedScript(t, st, "0 3 * * *", true)

	from := time.Date(2024, 6, 1, 2, 59, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	calls := trig.triggered()
	if len(calls) != 1 {
		t.Fatalf("got %d triggers, want 1", len(calls))
	}
	if calls[0].scriptID != sc.ID || calls[0].scheduleID != schedID {
		t.Errorf("trigger = %+v, want script %s schedule %s", calls[0], sc.ID, schedID)
	}
}

func TestTickSkipsNotDue(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	seedScript(t, st, "0 3 * * *", true)

	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	if calls := trig.triggered(); len(calls) != 0 {
		t.Errorf("got %d triggers, want 0", len(calls))
	}
}

func TestTickIgnoresInactiveScript(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	seedScript(t, st, "* * * * *", false)

	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	if calls := trig.triggered(); len(calls) != 0 {
		t.Errorf("inactive script triggered %d times", len(calls))
	}
}

func TestTickSkipsIneligibleScript(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	sc, _ := seedScript(t, st, "* * * * *", true)

	// Dependency loses its installed version after activation.
	if err := st.SetInstalledVersion(context.Background(), sc.ID, "requests", ""); err != nil {
		t.Fatalf("clear installed version: %v", err)
	}

	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	if calls := trig.triggered(); len(calls) != 0 {
		t.Errorf("ineligible script triggered %d times", len(calls))
	}
}

func TestTickSkipsRunningScript(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	sc, _ := seedScript(t, st, "* * * * *", true)
	trig.running[sc.ID] = model.NewID()

	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	if calls := trig.triggered(); len(calls) != 0 {
		t.Errorf("already-running script triggered %d times", len(calls))
	}
}

func TestTickToleratesTriggerRace(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	seedScript(t, st, "* * * * *", true)
	trig.err = runner.ErrAlreadyRunning

	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))
	// No panic, nothing recorded; the miss is absorbed.
	if calls := trig.triggered(); len(calls) != 0 {
		t.Errorf("got %d triggers, want 0", len(calls))
	}
}

func TestTickOneRunPerScriptPerWindow(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	sc, _ := seedScript(t, st, "0 3 * * *", true)

	// Second schedule firing in the same window.
	extra := &model.Schedule{ID: model.NewID(), ScriptID: sc.ID, CronExpression: "0 3 * * 6"}
	if err := st.AddSchedule(context.Background(), extra); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	// 2024-06-01 is a Saturday, so both schedules are due at 03:00.
	from := time.Date(2024, 6, 1, 2, 59, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	if calls := trig.triggered(); len(calls) != 1 {
		t.Errorf("got %d triggers, want 1 per script per window", len(calls))
	}
}

func TestTickDoesNotReplayMissedFirings(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	seedScript(t, st, "*/5 * * * *", true)

	// A long gap covers many firings; the schedule fires once for the
	// window, not once per missed slot.
	from := time.Date(2024, 6, 1, 0, 0, 30, 0, time.UTC)
	tickOver(s, from, from.Add(3*time.Hour))

	if calls := trig.triggered(); len(calls) != 1 {
		t.Errorf("got %d triggers across a gap, want 1", len(calls))
	}
}

func TestTickUnparseableExpressionSkipped(t *testing.T) {
	s, st, trig := newTestScheduler(t)
	sc, _ := seedScript(t, st, "* * * * *", true)

	// Corrupt expression alongside a good one; the good one still fires.
	bad := &model.Schedule{ID: model.NewID(), ScriptID: sc.ID, CronExpression: "junk"}
	if err := st.AddSchedule(context.Background(), bad); err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	from := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	tickOver(s, from, from.Add(time.Minute))

	if calls := trig.triggered(); len(calls) != 1 {
		t.Errorf("got %d triggers, want 1", len(calls))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
