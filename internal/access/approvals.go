package access

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// previewLen caps how much of the held message the approval prompt shows.
const previewLen = 120

// Hold records an unknown sender's message as pending and returns the
// approval id plus the prompt to send the primary human. A sender with
// an outstanding pending record reuses it (no prompt spam).
func (c *Controller) Hold(channel, senderID, name, message string) (id, prompt string, created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.St.Pending {
		if p.Sender == senderID && p.Channel == channel {
			return p.ID, "", false, nil
		}
	}

	id = uuid.NewString()[:8]
	preview := message
	if len(preview) > previewLen {
		preview = preview[:previewLen] + "…"
	}
	c.St.Pending = append(c.St.Pending, PendingRecord{
		ID:             id,
		Channel:        channel,
		Sender:         senderID,
		Name:           name,
		RequestedAt:    c.now(),
		Message:        message,
		MessagePreview: preview,
	})
	if err := c.saveLocked(); err != nil {
		return "", "", false, err
	}

	who := name
	if who == "" {
		who = senderID
	}
	prompt = fmt.Sprintf(
		"New contact on %s: %s\n%q\nReply: approve %s [for 7 days] / deny %s / block %s",
		channel, who, preview, id, id, id)
	return id, prompt, true, nil
}

// approveRe matches "approve <id>" with an optional "for N days|weeks|hours".
var approveRe = regexp.MustCompile(`^approve\s+(\S+)(?:\s+for\s+(\d+)\s*(day|days|week|weeks|hour|hours))?$`)

// approveBareRe matches the id-less form ("approve", "approve for 1
// week"), resolved against the sole pending request.
var approveBareRe = regexp.MustCompile(`^approve(?:\s+for\s+(\d+)\s*(day|days|week|weeks|hour|hours))?$`)

// HandleCommand parses an approval decision from the primary human:
// "approve <id> [for N days]", "deny <id>", "block <id>". An approval
// releases the held message as a non-nil record so the caller can
// deliver it. handled is false when text is not an approval command at
// all.
func (c *Controller) HandleCommand(text, by string) (reply string, released *PendingRecord, handled bool) {
	text = strings.ToLower(strings.TrimSpace(text))

	if m := approveRe.FindStringSubmatch(text); m != nil {
		reply, released = c.approve(m[1], m[2], m[3])
		return reply, released, true
	}
	if m := approveBareRe.FindStringSubmatch(text); m != nil {
		reply, released = c.approveSole(m[1], m[2])
		return reply, released, true
	}
	if id, ok := strings.CutPrefix(text, "deny "); ok {
		return c.deny(strings.TrimSpace(id)), nil, true
	}
	if id, ok := strings.CutPrefix(text, "block "); ok {
		return c.block(strings.TrimSpace(id), by), nil, true
	}
	return "", nil, false
}

// approveSole applies an id-less approval when exactly one request is
// pending; otherwise it asks for an id.
func (c *Controller) approveSole(amount, unit string) (string, *PendingRecord) {
	c.mu.Lock()
	n := len(c.St.Pending)
	var id string
	if n == 1 {
		id = c.St.Pending[0].ID
	}
	c.mu.Unlock()

	switch n {
	case 0:
		return "no pending requests", nil
	case 1:
		return c.approve(id, amount, unit)
	default:
		return fmt.Sprintf("%d requests pending, specify an id", n), nil
	}
}

func (c *Controller) approve(id, amount, unit string) (string, *PendingRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.takePendingLocked(id)
	if !ok {
		return fmt.Sprintf("no pending request %s", id), nil
	}

	rec := ApprovedRecord{
		ID:         p.Sender,
		Channel:    p.Channel,
		Name:       p.Name,
		ApprovedAt: c.now(),
	}
	if amount != "" {
		n, _ := strconv.Atoi(amount)
		var d time.Duration
		switch {
		case strings.HasPrefix(unit, "week"):
			d = time.Duration(n) * 7 * 24 * time.Hour
		case strings.HasPrefix(unit, "day"):
			d = time.Duration(n) * 24 * time.Hour
		default:
			d = time.Duration(n) * time.Hour
		}
		exp := c.now().Add(d)
		rec.ExpiresAt = &exp
	}
	// An approval clears any earlier denial streak.
	c.removeDeniedLocked(p.Sender)
	c.St.Approved = append(c.St.Approved, rec)
	if err := c.saveLocked(); err != nil {
		c.log.Error("save access state", "error", err)
	}
	if rec.ExpiresAt != nil {
		return fmt.Sprintf("approved %s until %s", displayName(p), rec.ExpiresAt.Format("2006-01-02 15:04")), &p
	}
	return fmt.Sprintf("approved %s", displayName(p)), &p
}

func (c *Controller) deny(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.takePendingLocked(id)
	if !ok {
		return fmt.Sprintf("no pending request %s", id)
	}

	count := 1
	for i, d := range c.St.Denied {
		if d.ID == p.Sender {
			count = d.Count + 1
			c.St.Denied = append(c.St.Denied[:i], c.St.Denied[i+1:]...)
			break
		}
	}

	if count >= autoBlockAfter {
		c.St.Blocked = append(c.St.Blocked, BlockedRecord{
			ID:        p.Sender,
			Channel:   p.Channel,
			Name:      p.Name,
			BlockedAt: c.now(),
			By:        "auto",
			Reason:    fmt.Sprintf("%d consecutive denials", count),
		})
		if err := c.saveLocked(); err != nil {
			c.log.Error("save access state", "error", err)
		}
		return fmt.Sprintf("denied %s — auto-blocked after %d denials", displayName(p), count)
	}

	c.St.Denied = append(c.St.Denied, DeniedRecord{
		ID:       p.Sender,
		Channel:  p.Channel,
		Name:     p.Name,
		DeniedAt: c.now(),
		Count:    count,
	})
	if err := c.saveLocked(); err != nil {
		c.log.Error("save access state", "error", err)
	}
	return fmt.Sprintf("denied %s (%d/%d)", displayName(p), count, autoBlockAfter)
}

func (c *Controller) block(id, by string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.takePendingLocked(id)
	if !ok {
		return fmt.Sprintf("no pending request %s", id)
	}
	c.removeDeniedLocked(p.Sender)
	c.St.Blocked = append(c.St.Blocked, BlockedRecord{
		ID:        p.Sender,
		Channel:   p.Channel,
		Name:      p.Name,
		BlockedAt: c.now(),
		By:        by,
	})
	if err := c.saveLocked(); err != nil {
		c.log.Error("save access state", "error", err)
	}
	return fmt.Sprintf("blocked %s", displayName(p))
}

// takePendingLocked removes and returns the pending record for id.
func (c *Controller) takePendingLocked(id string) (PendingRecord, bool) {
	for i, p := range c.St.Pending {
		if p.ID == id {
			c.St.Pending = append(c.St.Pending[:i], c.St.Pending[i+1:]...)
			return p, true
		}
	}
	return PendingRecord{}, false
}

func (c *Controller) removeDeniedLocked(senderID string) {
	for i, d := range c.St.Denied {
		if d.ID == senderID {
			c.St.Denied = append(c.St.Denied[:i], c.St.Denied[i+1:]...)
			return
		}
	}
}

func displayName(p PendingRecord) string {
	if p.Name != "" {
		return p.Name
	}
	return p.Sender
}
