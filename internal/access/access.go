// Package access classifies inbound senders and enforces rate limits.
// Every unsolicited message passes through Classify before anything
// else touches it.
package access

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sender tiers, in classification precedence order.
const (
	TierBlocked  = "blocked"
	TierSafe     = "safe"
	TierApproved = "approved"
	TierDenied   = "denied"
	TierUnknown  = "unknown"
)

// autoBlockAfter is the consecutive-denial count that escalates a
// denied sender to blocked.
const autoBlockAfter = 3

// ApprovedRecord is a sender the primary human has let through.
type ApprovedRecord struct {
	ID         string     `json:"id"`
	Channel    string     `json:"channel"`
	Name       string     `json:"name,omitempty"`
	Type       string     `json:"type,omitempty"`
	ApprovedAt time.Time  `json:"approvedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// DeniedRecord tracks a refused sender and their denial count.
type DeniedRecord struct {
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	Name     string    `json:"name,omitempty"`
	DeniedAt time.Time `json:"deniedAt"`
	Count    int       `json:"count"`
	Reason   string    `json:"reason,omitempty"`
}

// BlockedRecord is a sender dropped silently.
type BlockedRecord struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Name      string    `json:"name,omitempty"`
	BlockedAt time.Time `json:"blockedAt"`
	By        string    `json:"by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// PendingRecord is a held message awaiting an approval decision. The
// full message is kept so approval can deliver it to the session.
type PendingRecord struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	Sender         string    `json:"sender"`
	Name           string    `json:"name,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
	Message        string    `json:"message,omitempty"`
	MessagePreview string    `json:"messagePreview,omitempty"`
}

type state struct {
	Approved []ApprovedRecord `json:"approved"`
	Denied   []DeniedRecord   `json:"denied"`
	Blocked  []BlockedRecord  `json:"blocked"`
	Pending  []PendingRecord  `json:"pending"`
}

// Controller is the process-wide sender classifier. State persists to
// one JSON file; the safe list (long-term trusted senders) lives in a
// separate file so it can be hand-edited.
type Controller struct {
	mu        sync.Mutex
	St        state
	safe      map[string]struct{}
	stateFile string
	safeFile  string
	log       *slog.Logger

	now func() time.Time
}

// New loads controller state from stateFile and safeFile. Missing files
// mean empty state, not an error.
func New(stateFile, safeFile string, log *slog.Logger) (*Controller, error) {
	c := &Controller{
		stateFile: stateFile,
		safeFile:  safeFile,
		safe:      make(map[string]struct{}),
		log:       log,
		now:       time.Now,
	}
	if data, err := os.ReadFile(stateFile); err == nil {
		if err := json.Unmarshal(data, &c.St); err != nil {
			return nil, fmt.Errorf("access state %s: %w", stateFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if data, err := os.ReadFile(safeFile); err == nil {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("safe senders %s: %w", safeFile, err)
		}
		for _, id := range ids {
			c.safe[id] = struct{}{}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return c, nil
}

// Classify returns the sender's tier, first match in order
// blocked → safe → approved → denied → unknown. An expired approval is
// treated as unknown so re-approval triggers.
func (c *Controller) Classify(senderID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifyLocked(senderID)
}

func (c *Controller) classifyLocked(senderID string) string {
	for _, b := range c.St.Blocked {
		if b.ID == senderID {
			return TierBlocked
		}
	}
	if _, ok := c.safe[senderID]; ok {
		return TierSafe
	}
	for _, a := range c.St.Approved {
		if a.ID != senderID {
			continue
		}
		if a.ExpiresAt != nil && c.now().After(*a.ExpiresAt) {
			return TierUnknown
		}
		return TierApproved
	}
	for _, d := range c.St.Denied {
		if d.ID == senderID {
			return TierDenied
		}
	}
	return TierUnknown
}

// AddSafe appends a sender to the long-term trusted list.
func (c *Controller) AddSafe(senderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safe[senderID] = struct{}{}
	return c.saveSafeLocked()
}

// SweepExpired removes expired approvals and returns them so the audit
// task can report what lapsed.
func (c *Controller) SweepExpired() ([]ApprovedRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var kept []ApprovedRecord
	var lapsed []ApprovedRecord
	for _, a := range c.St.Approved {
		if a.ExpiresAt != nil && c.now().After(*a.ExpiresAt) {
			lapsed = append(lapsed, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(lapsed) == 0 {
		return nil, nil
	}
	c.St.Approved = kept
	return lapsed, c.saveLocked()
}

// saveLocked writes the state file atomically. Callers hold c.mu.
func (c *Controller) saveLocked() error {
	return atomicWriteJSON(c.stateFile, c.St)
}

func (c *Controller) saveSafeLocked() error {
	ids := make([]string, 0, len(c.safe))
	for id := range c.safe {
		ids = append(ids, id)
	}
	return atomicWriteJSON(c.safeFile, ids)
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
