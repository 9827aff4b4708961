// Package sched fires script runs from cron schedules. A single tick loop
// evaluates every active script's schedules against the window since the
// previous tick; whether a schedule is due is a pure function of time, and
// the decision to actually run is re-checked against current state right
// before the run is enqueued. Ticks missed while the process was down are
// not replayed.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/runner"
	"github.com/seantiz/crucible/internal/store"
)

// DefaultInterval is the tick interval when none is configured.
const DefaultInterval = time.Minute

var (
	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_scheduler_ticks_total",
			Help: "Scheduler evaluation ticks.",
		},
	)

	firesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_scheduler_fires_total",
			Help: "Schedule firings by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(firesTotal)
	firesTotal.WithLabelValues("triggered")
	firesTotal.WithLabelValues("skipped")
}

// Triggerer starts scheduled script runs. Satisfied by *engine.Engine.
type Triggerer interface {
	TriggerScheduled(ctx context.Context, scriptID, scheduleID string) (string, error)
	Running(scriptID string) (string, bool)
}

// Parser accepts standard 5-field cron expressions plus descriptors
// (@hourly, @daily, ...). Seconds-resolution schedules are not supported.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron reports whether an expression parses; used at schedule
// creation time so the tick loop only ever sees well-formed expressions.
func ValidateCron(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Scheduler drives cron-based script runs.
type Scheduler struct {
	store    store.Store
	engine   Triggerer
	logger   *slog.Logger
	interval time.Duration

	// now is swappable for tests.
	now      func() time.Time
	lastTick time.Time
}

// New creates a scheduler ticking at the given interval; zero or negative
// means DefaultInterval.
func New(s store.Store, eng Triggerer, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		engine:   eng,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled. The window of the first tick
// starts at the moment Run is called, so schedules due before startup are
// not fired retroactively.
func (s *Scheduler) Run(ctx context.Context) {
	s.lastTick = s.now()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates one window (lastTick, now] and fires due schedules.
func (s *Scheduler) tick(ctx context.Context) {
	ticksTotal.Inc()
	now := s.now()
	from := s.lastTick
	s.lastTick = now

	scripts, err := s.store.ListActiveScripts(ctx)
	if err != nil {
		s.logger.Error("list active scripts", "error", err)
		return
	}

	for _, script := range scripts {
		due, ok := s.dueSchedule(script, from, now)
		if !ok {
			continue
		}
		s.fire(ctx, script, due)
	}
}

// dueSchedule returns the first of the script's schedules that fires within
// (from, to]. At most one run is started per script per tick even when
// several of its schedules coincide.
func (s *Scheduler) dueSchedule(script *model.Script, from, to time.Time) (model.Schedule, bool) {
	for _, sched := range script.Schedules {
		spec, err := Parser.Parse(sched.CronExpression)
		if err != nil {
			s.logger.Error("unparseable cron expression",
				"script_id", script.ID, "schedule_id", sched.ID, "expr", sched.CronExpression)
			continue
		}
		if fireWithin(spec, from, to) {
			return sched, true
		}
	}
	return model.Schedule{}, false
}

// fireWithin reports whether the schedule's next firing after from falls
// inside (from, to]. Purely a function of its inputs.
func fireWithin(spec cron.Schedule, from, to time.Time) bool {
	next := spec.Next(from)
	return !next.IsZero() && !next.After(to)
}

// fire re-checks eligibility against current state and enqueues the run.
// The script snapshot used for the time predicate may be stale by firing
// time, so activation and dependency state are fetched fresh.
func (s *Scheduler) fire(ctx context.Context, script *model.Script, sched model.Schedule) {
	current, err := s.store.GetScript(ctx, script.ID)
	if err != nil {
		s.logger.Error("refetch script before firing", "script_id", script.ID, "error", err)
		firesTotal.WithLabelValues("skipped").Inc()
		return
	}
	if !current.IsActive {
		firesTotal.WithLabelValues("skipped").Inc()
		return
	}
	if err := engine.CheckEligibility(current); err != nil {
		s.logger.Warn("schedule fired for ineligible script",
			"script_id", script.ID, "schedule_id", sched.ID, "reason", err)
		firesTotal.WithLabelValues("skipped").Inc()
		return
	}
	if execID, running := s.engine.Running(script.ID); running {
		s.logger.Info("skipping scheduled run, script already running",
			"script_id", script.ID, "execution_id", execID)
		firesTotal.WithLabelValues("skipped").Inc()
		return
	}

	executionID, err := s.engine.TriggerScheduled(ctx, script.ID, sched.ID)
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		// Lost the race between the Running check and the trigger.
		firesTotal.WithLabelValues("skipped").Inc()
	case err != nil:
		s.logger.Error("trigger scheduled run",
			"script_id", script.ID, "schedule_id", sched.ID, "error", err)
		firesTotal.WithLabelValues("skipped").Inc()
	default:
		firesTotal.WithLabelValues("triggered").Inc()
		s.logger.Info("scheduled run started",
			"script_id", script.ID, "schedule_id", sched.ID, "execution_id", executionID)
	}
}
