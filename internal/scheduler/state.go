package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TaskState is the persisted run history for one task.
type TaskState struct {
	LastRun      time.Time `json:"lastRun"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// stateStore persists per-task state to a JSON file with atomic writes.
type stateStore struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*TaskState
}

func loadState(path string) (*stateStore, error) {
	st := &stateStore{path: path, tasks: make(map[string]*TaskState)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &st.tasks); err != nil {
		return nil, fmt.Errorf("scheduler state %s: %w", path, err)
	}
	return st, nil
}

// record updates a task's counters after an attempted run.
func (s *stateStore) record(name string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[name]
	if !ok {
		ts = &TaskState{}
		s.tasks[name] = ts
	}
	ts.LastRun = time.Now()
	if runErr != nil {
		ts.FailureCount++
		ts.LastError = runErr.Error()
	} else {
		ts.SuccessCount++
		ts.LastError = ""
	}
}

func (s *stateStore) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *stateStore) snapshot() map[string]TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskState, len(s.tasks))
	for name, ts := range s.tasks {
		out[name] = *ts
	}
	return out
}
