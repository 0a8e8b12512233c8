package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/candlekeep/aide/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func newTestScheduler(t *testing.T, idle, session bool) *Scheduler {
	t.Helper()
	s, err := New(
		filepath.Join(t.TempDir(), "scheduler.json"),
		func() bool { return idle },
		func() bool { return session },
		slog.Default(),
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// TestAttempt_IdleGate verifies a session-requiring task defers while
// the agent is busy and that the deferral is not recorded as a run.
func TestAttempt_IdleGate(t *testing.T) {
	s := newTestScheduler(t, false, true)
	var runs atomic.Int32
	task := Task{Name: "email-check", RequiresSession: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	sl := &slot{task: task}

	if err := s.attempt(context.Background(), sl, false); err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 0 {
		t.Error("task ran while agent busy")
	}
	if _, ok := s.Snapshot()["email-check"]; ok {
		t.Error("deferred run recorded in state")
	}
}

// TestAttempt_NoSessionGate verifies the missing-session deferral.
func TestAttempt_NoSessionGate(t *testing.T) {
	s := newTestScheduler(t, true, false)
	var runs atomic.Int32
	sl := &slot{task: Task{Name: "briefing", RequiresSession: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}}

	s.attempt(context.Background(), sl, false)
	if runs.Load() != 0 {
		t.Error("task ran without a session")
	}
}

// TestAttempt_ManualBypassesGate verifies an explicit trigger runs even
// while busy.
func TestAttempt_ManualBypassesGate(t *testing.T) {
	s := newTestScheduler(t, false, false)
	var runs atomic.Int32
	s.Register(Task{Name: "backup", RequiresSession: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	if err := s.RunNow(context.Background(), "backup"); err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 1 {
		t.Error("manual trigger did not run")
	}
}

// TestRunNow_KeepsDeferredCronFire verifies a manual trigger does not
// advance a cron slot: a fire deferred past its time stays due for the
// next check.
func TestRunNow_KeepsDeferredCronFire(t *testing.T) {
	s := newTestScheduler(t, false, false)
	var runs atomic.Int32
	task := Task{Name: "briefing", RequiresSession: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	s.Register(task)
	fireTime := time.Now().Add(-time.Minute)
	sl := &slot{task: task, cron: "0 7 * * *", nextCron: fireTime}
	s.slots = append(s.slots, sl)

	if err := s.RunNow(context.Background(), "briefing"); err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 1 {
		t.Fatal("manual trigger did not run")
	}
	if !sl.nextCron.Equal(fireTime) {
		t.Errorf("manual run advanced nextCron to %v", sl.nextCron)
	}
}

// TestRunNow_Unknown verifies an unregistered name errors.
func TestRunNow_Unknown(t *testing.T) {
	s := newTestScheduler(t, true, true)
	if err := s.RunNow(context.Background(), "nope"); err == nil {
		t.Error("expected error")
	}
}

// TestCron_SkipDoesNotAdvance walks the busy-then-idle cron scenario:
// the slot's fire time holds through skips and advances only after the
// task actually runs.
func TestCron_SkipDoesNotAdvance(t *testing.T) {
	idle := false
	s, err := New(
		filepath.Join(t.TempDir(), "scheduler.json"),
		func() bool { return idle },
		func() bool { return true },
		slog.Default(),
	)
	if err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int32
	task := Task{Name: "email-check", RequiresSession: true, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	s.registry[task.Name] = task
	sl := &slot{task: task, cron: "*/15 * * * *", nextCron: time.Now().Add(-time.Minute)}
	s.slots = append(s.slots, sl)

	fireTime := sl.nextCron
	ctx := context.Background()

	// Two checks while busy: skipped, fire time unchanged.
	s.checkCron(ctx)
	s.checkCron(ctx)
	if runs.Load() != 0 {
		t.Fatal("ran while busy")
	}
	if !sl.nextCron.Equal(fireTime) {
		t.Fatal("skip advanced nextCron")
	}

	// Agent goes idle: the held fire time is still due, task runs,
	// and the slot advances to a future tick.
	idle = true
	s.checkCron(ctx)
	if runs.Load() != 1 {
		t.Fatal("did not run once idle")
	}
	if !sl.nextCron.After(time.Now()) {
		t.Errorf("nextCron not advanced: %v", sl.nextCron)
	}
}

// TestAttempt_PanicRecovered verifies a panicking task is recorded as a
// failure without killing the dispatcher.
func TestAttempt_PanicRecovered(t *testing.T) {
	s := newTestScheduler(t, true, true)
	sl := &slot{task: Task{Name: "flaky", Run: func(context.Context) error {
		panic("boom")
	}}}

	if err := s.attempt(context.Background(), sl, false); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	st := s.Snapshot()["flaky"]
	if st.FailureCount != 1 || st.LastError == "" {
		t.Errorf("state = %+v", st)
	}
}

// TestState_PersistsAcrossRestart verifies counters survive a reload.
func TestState_PersistsAcrossRestart(t *testing.T) {
	file := filepath.Join(t.TempDir(), "scheduler.json")
	idle := func() bool { return true }

	s, err := New(file, idle, idle, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	sl := &slot{task: Task{Name: "health-check", Run: func(context.Context) error { return nil }}}
	s.attempt(context.Background(), sl, false)
	sl2 := &slot{task: Task{Name: "health-check", Run: func(context.Context) error {
		return errors.New("degraded")
	}}}
	s.attempt(context.Background(), sl2, false)

	again, err := New(file, idle, idle, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	st := again.Snapshot()["health-check"]
	if st.SuccessCount != 1 || st.FailureCount != 1 || st.LastError != "degraded" {
		t.Errorf("restored state = %+v", st)
	}
}

// TestBind verifies config entries resolve against the registry and
// schedule validation catches bad input.
func TestBind(t *testing.T) {
	s := newTestScheduler(t, true, true)
	noop := func(context.Context) error { return nil }
	s.Register(Task{Name: "a", Run: noop})
	s.Register(Task{Name: "b", Run: noop})

	err := s.Bind([]config.TaskConfig{
		{Name: "a", Interval: "15m"},
		{Name: "b", Cron: "0 7 * * *"},
		{Name: "missing", Interval: "1m"}, // warn, not fatal
		{Name: "a", Enabled: boolPtr(false), Interval: "1m"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.slots) != 2 {
		t.Errorf("bound %d slots, want 2", len(s.slots))
	}

	if err := s.Bind([]config.TaskConfig{{Name: "a", Cron: "not a cron"}}); err == nil {
		t.Error("invalid cron accepted")
	}
	if err := s.Bind([]config.TaskConfig{{Name: "a"}}); err == nil {
		t.Error("schedule-less task accepted")
	}
}

// TestBindDefault verifies default-scheduled tasks get a slot only when
// no config entry already bound them.
func TestBindDefault(t *testing.T) {
	s := newTestScheduler(t, true, true)
	noop := func(context.Context) error { return nil }
	s.Register(Task{Name: "peer-heartbeat", Run: noop})
	s.Register(Task{Name: "relay-inbox-poll", Run: noop})

	if err := s.Bind([]config.TaskConfig{{Name: "peer-heartbeat", Interval: "1m"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.BindDefault("peer-heartbeat", "5m"); err != nil {
		t.Fatal(err)
	}
	if err := s.BindDefault("relay-inbox-poll", "30s"); err != nil {
		t.Fatal(err)
	}
	if len(s.slots) != 2 {
		t.Fatalf("bound %d slots, want 2", len(s.slots))
	}
	// The config entry wins over the default cadence.
	if s.slots[0].interval != time.Minute {
		t.Errorf("config-bound interval = %v", s.slots[0].interval)
	}
	if s.slots[1].interval != 30*time.Second {
		t.Errorf("default interval = %v", s.slots[1].interval)
	}

	if err := s.BindDefault("nope", "1m"); err == nil {
		t.Error("unknown task accepted")
	}
	// An already-bound task is a no-op, even with a bad interval.
	if err := s.BindDefault("relay-inbox-poll", "bogus"); err != nil {
		t.Errorf("rebind not a no-op: %v", err)
	}
}
