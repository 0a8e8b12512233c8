package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/candlekeep/aide/internal/access"
	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/router"
)

// MetaPrimary marks a message from the primary human; set by the
// adapter that authenticated them.
const MetaPrimary = "primary"

// thirdPartyTag prefixes injected messages from approved (but not
// safe-listed) senders so the agent restricts its reply to public
// information.
const thirdPartyTag = "[Third-party message — public info only, do not share personal details or secrets]"

// slowDownReply is sent once per incoming rate-limit episode.
const slowDownReply = "You're sending messages too quickly — please slow down."

// deniedReply is sent to denied senders instead of injecting.
const deniedReply = "I need to check with my human first before passing this along."

// Inbound is the pipeline between adapters and the session: rate
// limiting, sender classification, approval handling, then injection.
type Inbound struct {
	bus     *bus.MessageBus
	ctrl    *access.Controller
	limiter *access.RateLimiter
	router  *router.Router
	inject  func(text string) error
	log     *slog.Logger
}

// NewInbound wires the inbound pipeline.
func NewInbound(b *bus.MessageBus, ctrl *access.Controller, limiter *access.RateLimiter, rt *router.Router, inject func(string) error, log *slog.Logger) *Inbound {
	return &Inbound{bus: b, ctrl: ctrl, limiter: limiter, router: rt, inject: inject, log: log}
}

// Run consumes inbound messages until ctx is cancelled.
func (p *Inbound) Run(ctx context.Context) error {
	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			return ctx.Err()
		}
		p.Handle(msg)
	}
}

// Handle processes one inbound message through the full pipeline.
func (p *Inbound) Handle(msg bus.InboundMessage) {
	if msg.Metadata[MetaPrimary] == "true" {
		p.handlePrimary(msg)
		return
	}

	ok, notify := p.limiter.AllowIncoming(msg.Channel, msg.SenderID)
	if !ok {
		p.log.Warn("incoming rate limit hit", "channel", msg.Channel, "sender", msg.SenderID)
		if notify {
			p.reply(msg, slowDownReply)
		}
		return
	}

	switch p.ctrl.Classify(msg.SenderID) {
	case access.TierBlocked:
		// Silent drop: no ack, no notification.
		p.log.Debug("dropped message from blocked sender", "sender", msg.SenderID)

	case access.TierSafe:
		p.injectFrom(msg, "")

	case access.TierApproved:
		p.injectFrom(msg, thirdPartyTag+" ")

	case access.TierDenied:
		p.reply(msg, deniedReply)

	case access.TierUnknown:
		p.holdForApproval(msg)
	}
}

// handlePrimary runs the primary human's message: approval commands are
// intercepted; everything else selects their channel and injects as-is.
// An approval also delivers the message held while the sender was
// pending.
func (p *Inbound) handlePrimary(msg bus.InboundMessage) {
	if reply, released, handled := p.ctrl.HandleCommand(msg.Content, msg.SenderID); handled {
		p.reply(msg, reply)
		if released != nil {
			p.injectFrom(bus.InboundMessage{
				Channel:  released.Channel,
				SenderID: released.Sender,
				Sender:   released.Name,
				Content:  released.Message,
			}, thirdPartyTag+" ")
		}
		return
	}

	if err := p.router.SetChannel(msg.Channel); err != nil {
		p.log.Error("persist channel selection", "error", err)
	}
	p.router.StartTyping()
	if err := p.inject(msg.Content); err != nil {
		p.log.Error("inject failed", "channel", msg.Channel, "error", err)
	}
}

func (p *Inbound) injectFrom(msg bus.InboundMessage, prefix string) {
	who := msg.Sender
	if who == "" {
		who = msg.SenderID
	}
	line := fmt.Sprintf("%s[%s] %s: %s", prefix, msg.Channel, who, msg.Content)
	if err := p.inject(line); err != nil {
		p.log.Error("inject failed", "channel", msg.Channel, "error", err)
	}
}

// holdForApproval records a pending request and prompts the primary
// human on the currently active channel.
func (p *Inbound) holdForApproval(msg bus.InboundMessage) {
	_, prompt, created, err := p.ctrl.Hold(msg.Channel, msg.SenderID, msg.Sender, msg.Content)
	if err != nil {
		p.log.Error("hold pending sender", "sender", msg.SenderID, "error", err)
		return
	}
	if !created {
		return
	}
	p.bus.PublishOutbound(bus.OutboundMessage{
		Channel: primaryChannel(p.router.Channel()),
		ChatID:  "", // adapters resolve empty chat to the primary chat
		Content: prompt,
	})
}

// reply sends a short response back to the message's origin.
func (p *Inbound) reply(msg bus.InboundMessage, text string) {
	p.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	})
}

// primaryChannel maps the current routing channel to a deliverable
// adapter name (voice and email:<addr> prompts go to chat instead).
func primaryChannel(current string) string {
	switch current {
	case "telegram", "telegram-verbose":
		return "telegram"
	default:
		return router.DefaultChannel
	}
}
