package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/channels"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/vault"
)

// Folders messages are filed into by triage category.
var triageFolders = map[string]string{
	CategoryJunk:       "Junk",
	CategoryNewsletter: "Newsletters",
	CategoryReceipt:    "Receipts",
}

// provider bundles one account's IMAP connection and send settings.
type provider struct {
	name string
	imap *imapAccount
	smtp smtpConfig
}

// Channel is the email adapter.
type Channel struct {
	*channels.BaseChannel
	providers []*provider
	triage    *Triage
	seen      *SeenStore
	address   string
	log       *slog.Logger
}

// New creates the adapter, resolving account passwords from the vault.
func New(cfg config.EmailConfig, secrets vault.Store, msgBus *bus.MessageBus, storePath string, log *slog.Logger) (*Channel, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("email: no providers configured")
	}
	seen, err := OpenSeenStore(storePath)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("email", msgBus),
		triage:      NewTriage(cfg.Triage),
		seen:        seen,
		address:     cfg.Address,
		log:         log,
	}
	for _, p := range cfg.Providers {
		password, err := secrets.Get(p.PasswordSecret)
		if err != nil {
			log.Warn("email provider secret unavailable, skipping", "provider", p.Name, "error", err)
			continue
		}
		c.providers = append(c.providers, &provider{
			name: p.Name,
			imap: newIMAPAccount(p.IMAPHost, p.IMAPPort, p.TLS, p.Username, password, log),
			smtp: smtpConfig{
				Host:     p.SMTPHost,
				Port:     p.SMTPPort,
				StartTLS: p.SMTPPort != 465,
				Username: p.Username,
				Password: password,
			},
		})
	}
	if len(c.providers) == 0 {
		seen.Close()
		return nil, fmt.Errorf("email: no provider has a usable secret")
	}
	return c, nil
}

// Start marks the adapter running; fetching is driven by the
// email-check scheduled task.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	return nil
}

// Stop closes IMAP connections and the seen store.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	for _, p := range c.providers {
		if err := p.imap.Close(); err != nil {
			c.log.Warn("close imap", "provider", p.name, "error", err)
		}
	}
	return c.seen.Close()
}

// Send delivers an outbound message by SMTP. ChatID is the recipient
// address; the first provider that succeeds is the send identity.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("email send: no recipient")
	}
	subject := msg.Metadata["subject"]
	if subject == "" {
		subject = "Message from your assistant"
	}

	body, err := composeMessage(c.address, msg.ChatID, subject, msg.Content)
	if err != nil {
		return err
	}

	var lastErr error
	for _, p := range c.providers {
		if err := sendMail(ctx, p.smtp, c.address, extractAddress(msg.ChatID), body); err != nil {
			c.log.Warn("smtp send failed, trying next provider", "provider", p.name, "error", err)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("email send: all providers failed: %w", lastErr)
}

// PollResult summarizes one triage pass.
type PollResult struct {
	VIP    []Message
	Normal []Message
	Filed  int // moved or auto-read
}

// Poll fetches unread mail from every provider, triages new messages,
// files the filterable categories, and returns what deserves the
// agent's attention. Already-seen UIDs are skipped.
func (c *Channel) Poll(ctx context.Context) (PollResult, error) {
	var result PollResult
	var firstErr error

	for _, p := range c.providers {
		msgs, err := p.imap.Unread(ctx)
		if err != nil {
			c.log.Error("email fetch failed", "provider", p.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		moves := make(map[string][]uint32) // folder → uids
		var autoRead []uint32
		for _, msg := range msgs {
			dup, err := c.seen.Seen(p.name, msg.UID)
			if err != nil {
				c.log.Error("seen lookup failed", "provider", p.name, "error", err)
				continue
			}
			if dup {
				continue
			}

			category := c.triage.Classify(msg)
			switch category {
			case CategoryVIP:
				result.VIP = append(result.VIP, msg)
			case CategoryNormal:
				result.Normal = append(result.Normal, msg)
			case CategoryAutoRead:
				autoRead = append(autoRead, msg.UID)
				result.Filed++
			default:
				moves[triageFolders[category]] = append(moves[triageFolders[category]], msg.UID)
				result.Filed++
			}

			if err := c.seen.Mark(p.name, msg.UID); err != nil {
				c.log.Error("seen mark failed", "provider", p.name, "error", err)
			}
		}

		if len(autoRead) > 0 {
			if err := p.imap.MarkSeen(ctx, autoRead); err != nil {
				c.log.Warn("auto-read mark failed", "provider", p.name, "error", err)
			}
		}
		for folder, uids := range moves {
			if err := p.imap.Move(ctx, uids, folder); err != nil {
				c.log.Warn("triage move failed", "provider", p.name, "folder", folder, "error", err)
			}
		}
	}

	if len(result.VIP) == 0 && len(result.Normal) == 0 && result.Filed == 0 {
		return result, firstErr
	}
	return result, nil
}

// Summary renders a poll result as the prompt injected into the
// session. Empty when nothing needs attention.
func (r PollResult) Summary() string {
	if len(r.VIP) == 0 && len(r.Normal) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("New email:\n")
	for _, m := range r.VIP {
		fmt.Fprintf(&b, "- [VIP] %s — %s\n", m.From, m.Subject)
	}
	for _, m := range r.Normal {
		fmt.Fprintf(&b, "- %s — %s\n", m.From, m.Subject)
	}
	if r.Filed > 0 {
		fmt.Fprintf(&b, "(%d messages filed automatically)\n", r.Filed)
	}
	b.WriteString("Summarize anything important for me.")
	return b.String()
}
