package tmux

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeRunner records tmux invocations and serves scripted pane captures.
type fakeRunner struct {
	calls    [][]string
	captures []string // successive capture-pane outputs
	failOn   string   // subcommand that should error
}

func (f *fakeRunner) run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.failOn != "" && args[0] == f.failOn {
		return "", errors.New("scripted failure")
	}
	if args[0] == "capture-pane" {
		if len(f.captures) == 0 {
			return "", nil
		}
		out := f.captures[0]
		if len(f.captures) > 1 {
			f.captures = f.captures[1:]
		}
		return out, nil
	}
	return "", nil
}

func testBridge(r runner) *Bridge {
	return &Bridge{
		session: "aide",
		command: "agent",
		run:     r,
		log:     slog.Default(),
		State:   NewAgentState(slog.Default()),
	}
}

// TestInject_DismissTypeEnter verifies the keystroke sequence for a
// payload that submits on the first Enter.
func TestInject_DismissTypeEnter(t *testing.T) {
	settleDelay = time.Millisecond
	f := &fakeRunner{captures: []string{"> \n"}}
	b := testBridge(f)

	if err := b.Inject("hello there", true); err != nil {
		t.Fatalf("inject: %v", err)
	}

	want := [][]string{
		{"send-keys", "-t", "aide", "Escape"},
		{"send-keys", "-t", "aide", "-l", "hello there"},
		{"send-keys", "-t", "aide", "Enter"},
		{"capture-pane", "-p", "-t", "aide"},
	}
	if len(f.calls) != len(want) {
		t.Fatalf("got %d calls, want %d: %v", len(f.calls), len(want), f.calls)
	}
	for i := range want {
		if strings.Join(f.calls[i], " ") != strings.Join(want[i], " ") {
			t.Errorf("call %d = %v, want %v", i, f.calls[i], want[i])
		}
	}
}

// TestInject_EnterRetry verifies that a payload stuck in the input line
// triggers up to two extra Enter presses and then gives up cleanly.
func TestInject_EnterRetry(t *testing.T) {
	settleDelay = time.Millisecond
	payload := "check the calendar and report conflicts"
	f := &fakeRunner{captures: []string{
		"> " + payload + "\n", // still stuck after first Enter
		"> " + payload + "\n", // still stuck after second
		"> " + payload + "\n", // stuck after third too; give up
	}}
	b := testBridge(f)

	if err := b.Inject(payload, true); err != nil {
		t.Fatalf("inject: %v", err)
	}

	enters := 0
	for _, c := range f.calls {
		if len(c) == 4 && c[3] == "Enter" {
			enters++
		}
	}
	if enters != 3 {
		t.Errorf("pressed Enter %d times, want 3", enters)
	}
}

// TestInject_NoEnter verifies press_enter=false types without submitting.
func TestInject_NoEnter(t *testing.T) {
	f := &fakeRunner{}
	b := testBridge(f)

	if err := b.Inject("partial", false); err != nil {
		t.Fatalf("inject: %v", err)
	}
	for _, c := range f.calls {
		if c[len(c)-1] == "Enter" || c[0] == "capture-pane" {
			t.Errorf("unexpected call %v", c)
		}
	}
}

// TestInject_TypeFailure verifies that an I/O error surfaces to the caller.
func TestInject_TypeFailure(t *testing.T) {
	f := &fakeRunner{failOn: "send-keys"}
	b := testBridge(f)

	if err := b.Inject("hello", true); err == nil {
		t.Fatal("expected error")
	}
}

// TestSessionExists maps has-session success/failure to bool.
func TestSessionExists(t *testing.T) {
	b := testBridge(&fakeRunner{})
	if !b.SessionExists() {
		t.Error("expected session to exist")
	}
	b = testBridge(&fakeRunner{failOn: "has-session"})
	if b.SessionExists() {
		t.Error("expected no session")
	}
}

// TestStartSession_AlreadyRunning verifies StartSession is a no-op when
// has-session succeeds.
func TestStartSession_AlreadyRunning(t *testing.T) {
	f := &fakeRunner{}
	b := testBridge(f)
	if err := b.StartSession(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, c := range f.calls {
		if c[0] == "new-session" {
			t.Error("spawned a second session")
		}
	}
}

func TestTailContains(t *testing.T) {
	pane := strings.Repeat("old line\n", 20) + "> hello world\n"
	if !tailContains(pane, "hello wor") {
		t.Error("marker in tail not found")
	}
	if tailContains(pane, "old line") {
		t.Error("marker outside last 5 lines should not match")
	}
	if tailContains(pane, "") {
		t.Error("empty marker must not match")
	}
}
