// Package transcript tails the agent runtime's append-only JSONL
// transcript and emits assistant text messages exactly once each.
package transcript

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Stats are rolling delivery counters, exposed for diagnostics.
type Stats struct {
	Emitted          int64 `json:"emitted"`
	DroppedDuplicate int64 `json:"droppedDuplicate"`
	ParseErrors      int64 `json:"parseErrors"`
}

// Handler receives each newly emitted assistant message.
type Handler func(Message)

// Stream tails the newest transcript file in a directory. Reads are
// triggered by hook kicks, fsnotify write events, and a polling timer;
// a dirty flag coalesces bursts so concurrent triggers cost one pass.
type Stream struct {
	dir     string
	ext     string
	poll    time.Duration
	handler Handler
	log     *slog.Logger

	kick  chan struct{}
	dirty sync.Mutex // guards the flag below
	want  bool

	// reader state, touched only by the worker goroutine
	path    string
	offset  int64
	partial []byte
	dedup   *dedupSet

	statsMu sync.Mutex
	stats   Stats
}

// New creates a stream over dir for files with the given extension
// (e.g. ".jsonl"). poll is the safety-net read interval.
func New(dir, ext string, poll time.Duration, handler Handler, log *slog.Logger) *Stream {
	return &Stream{
		dir:     dir,
		ext:     ext,
		poll:    poll,
		handler: handler,
		log:     log,
		kick:    make(chan struct{}, 1),
		dedup:   newDedupSet(),
	}
}

// Kick requests a read pass (hook event arrived). Safe from any
// goroutine; overlapping kicks collapse into one pass.
func (s *Stream) Kick() {
	s.dirty.Lock()
	s.want = true
	s.dirty.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the rolling counters.
func (s *Stream) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Run tails the transcript until ctx is cancelled. The fsnotify watcher
// is best-effort; the poll timer covers hosts where it fails.
func (s *Stream) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("transcript watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.dir); err != nil {
			s.log.Warn("cannot watch transcript dir", "dir", s.dir, "error", err)
		}
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.Kick()
			continue
		case <-ticker.C:
			s.Kick()
			continue
		}

		for s.takeDirty() {
			if err := s.readPass(); err != nil {
				s.log.Error("transcript read failed", "error", err)
			}
		}
	}
}

// takeDirty atomically consumes the dirty flag.
func (s *Stream) takeDirty() bool {
	s.dirty.Lock()
	defer s.dirty.Unlock()
	w := s.want
	s.want = false
	return w
}

// readPass reads from the tracked offset to EOF, emitting new assistant
// messages. Rotation (newer file appeared) and truncation (file shrank
// below the offset) both restart from zero with the partial buffer
// discarded.
func (s *Stream) readPass() error {
	newest, err := Newest(s.dir, s.ext)
	if err != nil {
		return err
	}
	if newest == "" {
		return nil
	}

	if newest != s.path {
		if s.path != "" {
			s.log.Info("transcript rotated", "from", filepath.Base(s.path), "to", filepath.Base(newest))
		}
		s.path = newest
		s.offset = 0
		s.partial = nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < s.offset {
		s.log.Info("transcript truncated, restarting", "file", filepath.Base(s.path))
		s.offset = 0
		s.partial = nil
	}
	if fi.Size() == s.offset {
		return nil
	}

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	s.offset += int64(len(buf))

	data := append(s.partial, buf...)
	lines := bytes.Split(data, []byte("\n"))
	s.partial = lines[len(lines)-1] // trailing partial line, possibly empty
	for _, line := range lines[:len(lines)-1] {
		s.handleLine(line)
	}
	return nil
}

func (s *Stream) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	msg, ok, err := parseLine(line)
	if err != nil {
		s.count(func(st *Stats) { st.ParseErrors++ })
		return
	}
	if !ok {
		return
	}
	if s.dedup.add(msg.ID) {
		s.count(func(st *Stats) { st.DroppedDuplicate++ })
		return
	}
	s.count(func(st *Stats) { st.Emitted++ })
	s.handler(msg)
}

func (s *Stream) count(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// Newest returns the most recently modified file in dir with the given
// extension, or "" when none exists.
func Newest(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("scan transcript dir: %w", err)
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	return best, nil
}
