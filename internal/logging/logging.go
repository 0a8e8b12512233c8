// Package logging installs the daemon's structured logger: JSON lines to a
// size-rotated file plus stderr, and an in-memory ring buffer that backs the
// /logs admin endpoint.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/candlekeep/aide/internal/config"
)

// ringSize is the number of recent log lines kept for /logs.
const ringSize = 500

// Ring is a bounded buffer of recent formatted log lines.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	total uint64 // lines ever written, cursor for Since
}

// Write implements io.Writer; each write is assumed to be one JSON line.
func (r *Ring) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) < ringSize {
		r.lines = append(r.lines, line)
	} else {
		r.lines[r.next] = line
		r.next = (r.next + 1) % ringSize
		r.full = true
	}
	r.total++
	return len(p), nil
}

// Tail returns up to n most recent lines, oldest first.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Since returns the lines written after cursor (bounded by the ring
// size) and the new cursor. A zero cursor starts from whatever the ring
// still holds.
func (r *Ring) Since(cursor uint64) ([]string, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	missed := r.total - cursor
	if cursor > r.total {
		missed = r.total // cursor from a previous process, start over
	}
	n := int(missed)
	if n > len(r.lines) {
		n = len(r.lines)
	}
	if n == 0 {
		return nil, r.total
	}

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines...)
	}
	return ordered[len(ordered)-n:], r.total
}

var recent = &Ring{}

// Recent returns the process-wide ring of recent log lines.
func Recent() *Ring { return recent }

// Setup installs the default slog logger according to daemon config.
// It returns a closer for the rotated log file.
func Setup(cfg config.DaemonConfig) (func() error, error) {
	level := parseLevel(cfg.LogLevel)

	logPath := config.ExpandHome(cfg.LogFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.LogRotation.MaxSizeMB,
		MaxBackups: cfg.LogRotation.MaxFiles,
		Compress:   false,
	}

	out := io.MultiWriter(os.Stderr, rotator, recent)
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	return rotator.Close, nil
}

// Scope returns a logger carrying a module attribute, so every line
// records which subsystem emitted it.
func Scope(module string) *slog.Logger {
	return slog.Default().With("module", module)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
