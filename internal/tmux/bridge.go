// Package tmux owns all interaction with the agent's terminal session.
// Every pane write goes through Bridge, which serializes callers so the
// multiplexer never sees interleaved keystrokes.
package tmux

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// enterRetries is the total number of Enter presses attempted when the
// typed payload appears stuck in the input line.
const enterRetries = 3

// settleDelay is how long to wait after typing before pressing Enter and
// between Enter retries. Variable so tests run fast.
var settleDelay = 250 * time.Millisecond

// runner executes a tmux command and returns combined output. Tests
// substitute a fake; production uses execRunner.
type runner interface {
	run(args ...string) (string, error)
}

// execRunner shells out to the tmux binary on a dedicated socket.
type execRunner struct {
	socket string
}

func (r execRunner) run(args ...string) (string, error) {
	full := append([]string{"-L", r.socket}, args...)
	out, err := exec.Command("tmux", full...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// Bridge drives a single tmux session. All methods are safe for
// concurrent use; injects are serialized.
type Bridge struct {
	session string
	command string
	run     runner
	log     *slog.Logger

	mu    sync.Mutex // single-writer discipline for the pane
	State *AgentState
}

// New creates a bridge for the given session on the given socket.
// command is what StartSession launches inside a fresh session.
func New(session, socket, command string, log *slog.Logger) *Bridge {
	return &Bridge{
		session: session,
		command: command,
		run:     execRunner{socket: socket},
		log:     log,
		State:   NewAgentState(log),
	}
}

// SessionExists reports whether the target session is alive.
func (b *Bridge) SessionExists() bool {
	_, err := b.run.run("has-session", "-t", b.session)
	return err == nil
}

// StartSession spawns the detached session running the configured
// command. No-op if the session already exists.
func (b *Bridge) StartSession() error {
	if b.SessionExists() {
		return nil
	}
	_, err := b.run.run("new-session", "-d", "-s", b.session, b.command)
	if err != nil {
		return fmt.Errorf("start session %q: %w", b.session, err)
	}
	b.log.Info("started session", "session", b.session)
	return nil
}

// CapturePane returns the current contents of the session's pane.
func (b *Bridge) CapturePane() (string, error) {
	out, err := b.run.run("capture-pane", "-p", "-t", b.session)
	if err != nil {
		return "", fmt.Errorf("capture pane: %w", err)
	}
	return out, nil
}

// Inject types text into the pane and optionally presses Enter. Before
// typing it sends Escape to dismiss any autocomplete menu. When pressing
// Enter, the pane tail is checked afterwards; if the payload is still
// sitting in the input line, Enter is retried (stuck-submit guard, three
// presses total). A stuck payload after all retries is logged but is not
// an error. Injects from concurrent callers are serialized.
func (b *Bridge) Inject(text string, pressEnter bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.run.run("send-keys", "-t", b.session, "Escape"); err != nil {
		return fmt.Errorf("inject dismiss: %w", err)
	}
	if _, err := b.run.run("send-keys", "-t", b.session, "-l", text); err != nil {
		return fmt.Errorf("inject type: %w", err)
	}
	if !pressEnter {
		return nil
	}

	marker := text
	if len(marker) > 40 {
		marker = marker[:40]
	}
	for attempt := 1; attempt <= enterRetries; attempt++ {
		time.Sleep(settleDelay)
		if _, err := b.run.run("send-keys", "-t", b.session, "Enter"); err != nil {
			return fmt.Errorf("inject enter: %w", err)
		}
		pane, err := b.CapturePane()
		if err != nil {
			return err
		}
		if !tailContains(pane, marker) {
			return nil
		}
		b.log.Debug("payload still in input line, retrying enter", "attempt", attempt)
	}
	b.log.Error("inject: enter did not submit after retries", "session", b.session)
	return nil
}

// tailContains reports whether the last few pane lines contain marker.
func tailContains(pane, marker string) bool {
	if marker == "" {
		return false
	}
	lines := strings.Split(strings.TrimRight(pane, "\n"), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	for _, l := range lines {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}
