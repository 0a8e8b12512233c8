package tmux

import (
	"log/slog"
	"sync"
	"time"
)

// Agent states.
const (
	StateIdle = "idle"
	StateBusy = "busy"
)

// staleAfter forces a busy agent back to idle when no hook event has
// arrived for this long (the hook pipeline may have broken).
const staleAfter = 10 * time.Minute

// AgentState tracks whether the agent is idle or busy, driven by hook
// events from the LLM runtime. A Stop hook means the agent finished a
// response (idle); any other hook means it is working (busy).
type AgentState struct {
	mu        sync.Mutex
	state     string
	updatedAt time.Time
	seen      bool // at least one hook event received
	log       *slog.Logger

	now func() time.Time // test clock
}

// NewAgentState starts in idle: a daemon that has never received a hook
// must still allow proactive injection.
func NewAgentState(log *slog.Logger) *AgentState {
	return &AgentState{state: StateIdle, log: log, now: time.Now}
}

// Update records a hook event. Stop → idle, anything else → busy.
func (a *AgentState) Update(hookEvent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if hookEvent == "Stop" {
		a.state = StateIdle
	} else {
		a.state = StateBusy
	}
	a.updatedAt = a.now()
	a.seen = true
}

// Idle reports whether proactive injection is currently allowed. A busy
// state older than the staleness window is forced back to idle.
func (a *AgentState) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.seen {
		return true
	}
	if a.state == StateBusy && a.now().Sub(a.updatedAt) > staleAfter {
		a.log.Warn("agent state stale, forcing idle", "since", a.updatedAt)
		a.state = StateIdle
		a.updatedAt = a.now()
	}
	return a.state == StateIdle
}

// Snapshot returns the current state and its last-update time.
func (a *AgentState) Snapshot() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.updatedAt
}
