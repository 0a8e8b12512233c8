// Package router decides where assistant messages go: the current
// channel is a single persisted string ("telegram", "voice",
// "email:<addr>", ...) that the agent or an admin route can change.
package router

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/candlekeep/aide/internal/bus"
)

// ErrVoiceBusy is returned when a second voice request arrives while one
// is already waiting for the agent.
var ErrVoiceBusy = errors.New("router: voice request already pending")

// typingCeiling bounds how long the typing indicator can run if the
// /typing-done notification never arrives.
const typingCeiling = 60 * time.Second

// DefaultChannel is used when no channel file exists yet.
const DefaultChannel = "telegram"

// Router owns the current-channel string, the one-shot voice mailbox,
// and the typing-indicator lifecycle.
type Router struct {
	b           *bus.MessageBus
	file        string // persisted current channel
	primaryChat string
	log         *slog.Logger

	mu          sync.Mutex
	current     string
	pending     chan string // capacity 1; non-nil while a voice request waits
	typingStart func()
	typingStop  func()
	typingTimer *time.Timer
}

// New loads the persisted channel from file (created on first Set).
func New(b *bus.MessageBus, file, primaryChat string, log *slog.Logger) *Router {
	r := &Router{b: b, file: file, primaryChat: primaryChat, log: log, current: DefaultChannel}
	if data, err := os.ReadFile(file); err == nil {
		if c := strings.TrimSpace(string(data)); c != "" {
			r.current = c
		}
	}
	return r
}

// Channel returns the current channel.
func (r *Router) Channel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetChannel updates and persists the current channel. The write is
// atomic (temp file + rename) so a crash never leaves a torn file.
func (r *Router) SetChannel(c string) error {
	r.mu.Lock()
	r.current = c
	r.mu.Unlock()

	tmp := r.file + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, []byte(c+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.file)
}

// RegisterVoicePending claims the single voice slot and returns the
// mailbox the next assistant message will be delivered to. A second
// claim while one is outstanding fails with ErrVoiceBusy.
func (r *Router) RegisterVoicePending() (<-chan string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return nil, ErrVoiceBusy
	}
	r.pending = make(chan string, 1)
	return r.pending, nil
}

// ClearVoicePending releases the voice slot (timeout or completion).
func (r *Router) ClearVoicePending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
}

// VoicePending reports whether a voice request is waiting.
func (r *Router) VoicePending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

// SetTypingCallbacks wires the chat adapter's typing indicator.
func (r *Router) SetTypingCallbacks(start, stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typingStart = start
	r.typingStop = stop
}

// StartTyping tells the chat adapter to show its typing indicator. A
// ceiling timer clears it even if no /typing-done ever arrives.
func (r *Router) StartTyping() {
	r.mu.Lock()
	start := r.typingStart
	if r.typingTimer != nil {
		r.typingTimer.Stop()
	}
	r.typingTimer = time.AfterFunc(typingCeiling, r.TypingDone)
	r.mu.Unlock()
	if start != nil {
		start()
	}
}

// TypingDone clears the typing indicator.
func (r *Router) TypingDone() {
	r.mu.Lock()
	stop := r.typingStop
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// HandleAssistant routes one assistant message to the active channel.
// Voice resolves the pending mailbox; with no pending request the
// message falls back to the chat channel so it is never lost.
func (r *Router) HandleAssistant(text string) {
	r.TypingDone()

	ch := r.Channel()
	switch {
	case ch == "voice":
		r.mu.Lock()
		pending := r.pending
		r.pending = nil
		r.mu.Unlock()
		if pending != nil {
			pending <- text
			return
		}
		r.log.Warn("voice channel active but no pending request, falling back", "channel", DefaultChannel)
		r.b.PublishOutbound(bus.OutboundMessage{Channel: DefaultChannel, ChatID: r.primaryChat, Content: text})

	case strings.HasPrefix(ch, "email:"):
		addr := strings.TrimPrefix(ch, "email:")
		r.b.PublishOutbound(bus.OutboundMessage{Channel: "email", ChatID: addr, Content: text})

	default:
		// telegram and telegram-verbose both deliver to the primary chat.
		r.b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: r.primaryChat, Content: text})
	}
}
