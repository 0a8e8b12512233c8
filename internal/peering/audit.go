package peering

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line in the append-only message audit log.
type AuditEntry struct {
	TS        time.Time `json:"ts"`
	Direction string    `json:"direction"` // send | receive | heartbeat
	Peer      string    `json:"peer"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Audit appends JSONL entries to a single file. One writer, one mutex.
type Audit struct {
	mu  sync.Mutex
	f   *os.File
	log *slog.Logger
}

// OpenAudit opens (or creates) the audit log for appending.
func OpenAudit(path string, log *slog.Logger) (*Audit, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Audit{f: f, log: log}, nil
}

// Record appends one entry. Audit failures are logged, never fatal.
func (a *Audit) Record(e AuditEntry) {
	if a == nil {
		return
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		a.log.Error("audit marshal", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		a.log.Error("audit write", "error", err)
	}
}

// Close closes the underlying file.
func (a *Audit) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
