// Package scheduler dispatches the daemon's recurring tasks. Interval
// tasks run on their own tickers; cron tasks are checked every 30 s. A
// task that declares RequiresSession is deferred while the agent is
// busy or the session is gone, and a deferred cron slot keeps its fire
// time so it retries on the next check instead of silently skipping a
// whole period.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/candlekeep/aide/internal/config"
)

// cronCheckInterval is how often due cron slots are evaluated.
var cronCheckInterval = 30 * time.Second

// Task is one schedulable unit of work.
type Task struct {
	Name            string
	RequiresSession bool
	Run             func(ctx context.Context) error
}

// slot binds a registered task to its configured schedule.
type slot struct {
	task     Task
	interval time.Duration
	cron     string

	mu       sync.Mutex
	nextCron time.Time // zero until first computation; advances only after a run
}

// Scheduler owns all scheduled tasks.
type Scheduler struct {
	idle          func() bool
	sessionExists func() bool
	log           *slog.Logger

	mu       sync.Mutex
	registry map[string]Task
	slots    []*slot
	bound    map[string]bool
	state    *stateStore
}

// New creates a scheduler. idle and sessionExists gate tasks that need
// the agent; stateFile persists per-task run history across restarts.
func New(stateFile string, idle, sessionExists func() bool, log *slog.Logger) (*Scheduler, error) {
	st, err := loadState(stateFile)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		idle:          idle,
		sessionExists: sessionExists,
		log:           log,
		registry:      make(map[string]Task),
		bound:         make(map[string]bool),
		state:         st,
	}, nil
}

// Register adds a task to the registry. Registration alone does not
// schedule anything; Bind connects registered tasks to config entries.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.registry[t.Name]; dup {
		s.log.Warn("task registered twice", "task", t.Name)
	}
	s.registry[t.Name] = t
}

// Bind resolves the configured task list against the registry. Config
// entries naming unknown tasks and registered tasks with no config both
// get a warning; neither is fatal.
func (s *Scheduler) Bind(entries []config.TaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := gronx.New()
	for _, e := range entries {
		task, ok := s.registry[e.Name]
		if !ok {
			s.log.Warn("configured task not registered", "task", e.Name)
			continue
		}
		if !e.IsEnabled() {
			continue
		}
		sl := &slot{task: task}
		switch {
		case e.Cron != "":
			if !g.IsValid(e.Cron) {
				return fmt.Errorf("task %s: invalid cron %q", e.Name, e.Cron)
			}
			if e.Interval != "" {
				s.log.Warn("task has both cron and interval, using cron", "task", e.Name)
			}
			sl.cron = e.Cron
		case e.Interval != "":
			d, err := config.ParseInterval(e.Interval)
			if err != nil {
				return fmt.Errorf("task %s: %w", e.Name, err)
			}
			sl.interval = d
		default:
			return fmt.Errorf("task %s: no schedule", e.Name)
		}
		s.slots = append(s.slots, sl)
		s.bound[e.Name] = true
	}
	for name := range s.registry {
		if !s.bound[name] {
			s.log.Info("task registered but not scheduled", "task", name)
		}
	}
	return nil
}

// BindDefault schedules a registered task at the given interval unless
// a config entry already bound it. Plumbing tasks (peer heartbeat,
// relay inbox poll) take their cadence from their own config sections
// rather than the task list.
func (s *Scheduler) BindDefault(name, interval string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound[name] {
		return nil
	}
	task, ok := s.registry[name]
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	d, err := config.ParseInterval(interval)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	s.slots = append(s.slots, &slot{task: task, interval: d})
	s.bound[name] = true
	return nil
}

// Run dispatches until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sl := range s.slots {
		if sl.interval > 0 {
			wg.Add(1)
			go func(sl *slot) {
				defer wg.Done()
				s.runInterval(ctx, sl)
			}(sl)
		}
	}

	ticker := time.NewTicker(cronCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.checkCron(ctx)
		}
	}
}

func (s *Scheduler) runInterval(ctx context.Context, sl *slot) {
	ticker := time.NewTicker(sl.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.attempt(ctx, sl, false)
		}
	}
}

// checkCron fires every due cron slot. A deferred slot keeps its fire
// time; it retries next check.
func (s *Scheduler) checkCron(ctx context.Context) {
	now := time.Now()
	for _, sl := range s.slots {
		if sl.cron == "" {
			continue
		}
		sl.mu.Lock()
		if sl.nextCron.IsZero() {
			next, err := gronx.NextTickAfter(sl.cron, now, false)
			if err != nil {
				sl.mu.Unlock()
				s.log.Error("cron schedule", "task", sl.task.Name, "error", err)
				continue
			}
			sl.nextCron = next
			sl.mu.Unlock()
			continue
		}
		due := !now.Before(sl.nextCron)
		sl.mu.Unlock()
		if due {
			s.attempt(ctx, sl, false)
		}
	}
}

// RunNow triggers a task by name immediately, bypassing the idle gate.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.registry[name]
	var sl *slot
	for _, candidate := range s.slots {
		if candidate.task.Name == name {
			sl = candidate
			break
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	if sl == nil {
		sl = &slot{task: task}
	}
	return s.attempt(ctx, sl, true)
}

// attempt applies the gate, runs the task with panic recovery, and
// persists the outcome. Only an executed run advances a cron slot.
func (s *Scheduler) attempt(ctx context.Context, sl *slot, manual bool) error {
	name := sl.task.Name
	if !manual && sl.task.RequiresSession {
		if !s.idle() {
			s.log.Debug("task deferred, agent busy", "task", name)
			return nil
		}
		if !s.sessionExists() {
			s.log.Debug("task deferred, no session", "task", name)
			return nil
		}
	}

	err := s.runSafely(ctx, sl.task)
	s.state.record(name, err)
	if serr := s.state.save(); serr != nil {
		s.log.Error("persist scheduler state", "error", serr)
	}

	// A manual trigger must not advance the slot: a cron fire deferred
	// past its time is still owed.
	if sl.cron != "" && !manual {
		if next, cerr := gronx.NextTickAfter(sl.cron, time.Now(), false); cerr == nil {
			sl.mu.Lock()
			sl.nextCron = next
			sl.mu.Unlock()
		}
	}

	if err != nil {
		s.log.Error("task failed", "task", name, "error", err)
	} else {
		s.log.Info("task completed", "task", name)
	}
	return err
}

func (s *Scheduler) runSafely(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.Run(ctx)
}

// Snapshot returns per-task run history for the /tasks route.
func (s *Scheduler) Snapshot() map[string]TaskState {
	return s.state.snapshot()
}
