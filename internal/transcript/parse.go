package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one assistant text emission from the transcript.
type Message struct {
	ID   string
	Text string
}

// rawLine covers the transcript shapes seen in the wild: the nested
// runtime format ({type:"assistant", message:{...}}) and a flat
// role/text format from older sessions.
type rawLine struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	MessageID  string `json:"messageId"`
	MessageID2 string `json:"message_id"`
	ID         string `json:"id"`
	Message    struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// parseLine extracts an assistant text message from one JSONL line.
// ok is false for non-assistant lines (tool calls, user turns, system
// records); err is set only for malformed JSON.
func parseLine(line []byte) (Message, bool, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Message{}, false, fmt.Errorf("parse transcript line: %w", err)
	}

	var text string
	switch {
	case raw.Type == "assistant":
		var parts []string
		for _, c := range raw.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		text = strings.Join(parts, "\n")
	case raw.Role == "assistant":
		text = raw.Text
	}
	if text == "" {
		return Message{}, false, nil
	}

	return Message{ID: messageID(raw), Text: text}, true, nil
}

// messageID picks the first populated id field. Different runtime
// versions have shipped all four spellings.
func messageID(raw rawLine) string {
	for _, id := range []string{raw.MessageID, raw.MessageID2, raw.ID, raw.Message.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// dedupCap bounds the remembered-id set.
const dedupCap = 1000

// dedupSet remembers the last dedupCap message ids, evicting oldest.
type dedupSet struct {
	seen  map[string]struct{}
	order []string
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[string]struct{})}
}

// add records id and reports whether it was already present. Empty ids
// are never deduplicated (no id means no identity to collide on).
func (d *dedupSet) add(id string) (dup bool) {
	if id == "" {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupCap {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return false
}
