// Package scheduler runs config-declared tasks on an interval or cron
// schedule, injecting their prompt into the REPL and routing whatever
// response comes back, subject to a busy gate, a minimum gap between
// firings, and a per-task non-overlap lock.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

// Injector is the narrow surface the scheduler needs from the session
// bridge + transcript capturer to fire a task: inject its prompt and await
// whatever comes back.
type Injector interface {
	// IsBusy reports whether a turn is already in flight — used to honor
	// BusyGate.
	IsBusy() bool
	// Fire injects prompt and returns the captured response text once
	// available (or an error if capture failed across all layers).
	Fire(ctx context.Context, prompt string) (string, error)
}

// Deliverer routes a fired task's response onward once captured, if the
// task named a Target.
type Deliverer interface {
	DeliverTaskResult(ctx context.Context, taskName, target, content string) error
}

// task is the runtime wrapper around one config.ScheduledTaskConfig: parsed
// durations, last-fire bookkeeping, and a per-task lock preventing overlap.
type task struct {
	cfg config.ScheduledTaskConfig

	maxDuration time.Duration
	minGap      time.Duration

	mu       sync.Mutex
	running  bool
	lastFire time.Time
}

// Scheduler evaluates every configured task once per tick, firing whichever
// are due.
type Scheduler struct {
	injector  Injector
	deliverer Deliverer

	cron gronx.Gronx

	mu    sync.Mutex
	tasks []*task
}

// New builds a Scheduler over the given task configs.
func New(cfgs []config.ScheduledTaskConfig, injector Injector, deliverer Deliverer) *Scheduler {
	s := &Scheduler{
		injector:  injector,
		deliverer: deliverer,
		cron:      gronx.New(),
	}
	for _, c := range cfgs {
		t := &task{cfg: c}
		if d, err := time.ParseDuration(c.MaxDuration); err == nil {
			t.maxDuration = d
		} else {
			t.maxDuration = 5 * time.Minute
		}
		if d, err := time.ParseDuration(c.MinGap); err == nil {
			t.minGap = d
		}
		s.tasks = append(s.tasks, t)
	}
	return s
}

// Run ticks once per evalInterval until ctx is canceled, firing every due
// task concurrently.
func (s *Scheduler) Run(ctx context.Context, evalInterval time.Duration) {
	if evalInterval <= 0 {
		evalInterval = time.Second
	}
	ticker := time.NewTicker(evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evaluate(ctx, now)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	tasks := append([]*task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		if !t.cfg.Enabled {
			continue
		}
		if !s.isDue(t, now) {
			continue
		}
		go s.fire(ctx, t, now)
	}
}

func (s *Scheduler) isDue(t *task, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}
	if t.minGap > 0 && !t.lastFire.IsZero() && now.Sub(t.lastFire) < t.minGap {
		return false
	}

	switch {
	case t.cfg.Schedule.Cron != "":
		due, err := s.cron.IsDue(t.cfg.Schedule.Cron, now)
		if err != nil {
			slog.Warn("scheduler.bad_cron_expression", "task", t.cfg.Name, "cron", t.cfg.Schedule.Cron, "error", err)
			return false
		}
		return due
	case t.cfg.Schedule.Interval != "":
		interval, err := time.ParseDuration(t.cfg.Schedule.Interval)
		if err != nil {
			slog.Warn("scheduler.bad_interval", "task", t.cfg.Name, "interval", t.cfg.Schedule.Interval, "error", err)
			return false
		}
		if t.lastFire.IsZero() {
			return true
		}
		return now.Sub(t.lastFire) >= interval
	default:
		return false
	}
}

func (s *Scheduler) fire(ctx context.Context, t *task, now time.Time) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	if t.cfg.BusyGate && s.injector.IsBusy() {
		t.mu.Unlock()
		slog.Info("scheduler.skipped_busy", "task", t.cfg.Name)
		return
	}
	t.running = true
	t.lastFire = now
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	fireCtx, cancel := context.WithTimeout(ctx, t.maxDuration)
	defer cancel()

	slog.Info("scheduler.firing", "task", t.cfg.Name)
	content, err := s.injector.Fire(fireCtx, t.cfg.Prompt)
	if err != nil {
		slog.Warn("scheduler.fire_failed", "task", t.cfg.Name, "error", err)
		return
	}

	if t.cfg.Target == "" || s.deliverer == nil {
		return
	}
	if err := s.deliverer.DeliverTaskResult(fireCtx, t.cfg.Name, t.cfg.Target, content); err != nil {
		slog.Warn("scheduler.deliver_failed", "task", t.cfg.Name, "error", fmt.Errorf("deliver: %w", err))
	}
}
