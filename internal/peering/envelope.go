// Package peering implements signed inter-agent messaging: direct LAN
// delivery with a shared bearer secret, and a relay fallback with
// Ed25519-signed envelopes.
package peering

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope message types.
const (
	TypeText         = "text"
	TypeStatus       = "status"
	TypeCoordination = "coordination"
	TypePRReview     = "pr-review"
	TypeMemorySync   = "memory-sync"
)

// maxSkew bounds how far an envelope timestamp may drift from the
// receiver's clock. The boundary is inclusive: exactly maxSkew passes.
const maxSkew = 5 * time.Minute

// Envelope is one signed inter-agent message.
type Envelope struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Context   string `json:"context,omitempty"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"messageId"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature,omitempty"`
}

// NewEnvelope builds an unsigned envelope with fresh id, nonce, and
// timestamp.
func NewEnvelope(from, to, msgType, text string) Envelope {
	return Envelope{
		From:      from,
		To:        to,
		Type:      msgType,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MessageID: uuid.NewString(),
		Nonce:     uuid.NewString(),
	}
}

// canonical returns the deterministic byte form that gets signed: JSON
// with sorted keys, signature excluded, empty optional fields omitted.
// Go's encoding/json sorts map keys, which gives us the ordering.
func (e Envelope) canonical() ([]byte, error) {
	m := map[string]string{
		"from":      e.From,
		"to":        e.To,
		"type":      e.Type,
		"timestamp": e.Timestamp,
		"messageId": e.MessageID,
		"nonce":     e.Nonce,
	}
	if e.Text != "" {
		m["text"] = e.Text
	}
	if e.Context != "" {
		m["context"] = e.Context
	}
	return json.Marshal(m)
}

// Sign computes the envelope signature with the agent's private key.
func (e *Envelope) Sign(key ed25519.PrivateKey) error {
	data, err := e.canonical()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, data))
	return nil
}

// Verify checks the signature against the sender's public key.
func (e Envelope) Verify(pub ed25519.PublicKey) error {
	if e.Signature == "" {
		return fmt.Errorf("envelope from %s: unsigned", e.From)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("envelope from %s: bad signature encoding: %w", e.From, err)
	}
	data, err := e.canonical()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("envelope from %s: signature mismatch", e.From)
	}
	return nil
}

// Validate checks structural fields and clock skew. now is injected for
// tests.
func (e Envelope) Validate(now time.Time) error {
	switch e.Type {
	case TypeText, TypeStatus, TypeCoordination, TypePRReview, TypeMemorySync:
	default:
		return fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	if e.From == "" || e.To == "" || e.MessageID == "" || e.Nonce == "" {
		return fmt.Errorf("envelope: missing required field")
	}
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return fmt.Errorf("envelope: bad timestamp %q: %w", e.Timestamp, err)
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("envelope: timestamp skew %s exceeds %s", skew, maxSkew)
	}
	return nil
}

// Render formats the envelope as the line injected into the session.
func (e Envelope) Render(display string) string {
	switch e.Type {
	case TypeStatus:
		return fmt.Sprintf("[Agent] %s: [Status: %s]", display, e.Text)
	case TypeCoordination:
		return fmt.Sprintf("[Agent] %s: [Coordination: %s]", display, e.Text)
	default:
		return fmt.Sprintf("[Agent] %s: %s", display, e.Text)
	}
}

// nonceWindow remembers seen nonces for the replay window.
const nonceWindow = 5 * time.Minute

// NonceCache rejects replayed nonces inside the window. In-memory only;
// a restart resets the window (accepted residual risk at this scale).
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewNonceCache creates an empty cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{seen: make(map[string]time.Time), now: time.Now}
}

// Seen records nonce and reports whether it was already present within
// the window. Expired entries are swept opportunistically.
func (c *NonceCache) Seen(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for n, ts := range c.seen {
		if now.Sub(ts) > nonceWindow {
			delete(c.seen, n)
		}
	}
	if _, dup := c.seen[nonce]; dup {
		return true
	}
	c.seen[nonce] = now
	return false
}
