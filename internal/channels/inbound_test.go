package channels

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/candlekeep/aide/internal/access"
	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/router"
)

type inboundFixture struct {
	p        *Inbound
	b        *bus.MessageBus
	ctrl     *access.Controller
	injected *[]string
}

func newInboundFixture(t *testing.T) inboundFixture {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()
	ctrl, err := access.New(filepath.Join(dir, "access.json"), filepath.Join(dir, "safe.json"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(b, filepath.Join(dir, "channel"), "1001", slog.Default())
	injected := []string{}
	p := NewInbound(b, ctrl, access.NewRateLimiter(5, 20), rt,
		func(text string) error { injected = append(injected, text); return nil },
		slog.Default())
	return inboundFixture{p: p, b: b, ctrl: ctrl, injected: &injected}
}

func outboundOrNil(t *testing.T, b *bus.MessageBus) *bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg, ok := b.SubscribeOutbound(ctx)
	if !ok {
		return nil
	}
	return &msg
}

// TestHandle_PrimaryInjectsAndSelectsChannel verifies a primary-human
// message is injected verbatim and their channel becomes current.
func TestHandle_PrimaryInjectsAndSelectsChannel(t *testing.T) {
	fx := newInboundFixture(t)
	fx.p.Handle(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "primary-1",
		ChatID:   "1001",
		Content:  "what's on my calendar?",
		Metadata: map[string]string{MetaPrimary: "true"},
	})

	if len(*fx.injected) != 1 || (*fx.injected)[0] != "what's on my calendar?" {
		t.Errorf("injected = %v", *fx.injected)
	}
	if got := fx.p.router.Channel(); got != "telegram" {
		t.Errorf("current channel = %q", got)
	}
}

// TestHandle_PrimaryApprovalCommand verifies the approval command is
// intercepted and the message held for the sender is then delivered
// with the third-party tag.
func TestHandle_PrimaryApprovalCommand(t *testing.T) {
	fx := newInboundFixture(t)

	// The unknown sender's message is held, not injected.
	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "u9", Sender: "Quinn", Content: "got the report?"})
	if len(*fx.injected) != 0 {
		t.Fatal("held message injected before approval")
	}
	prompt := outboundOrNil(t, fx.b)
	if prompt == nil {
		t.Fatal("no approval prompt")
	}
	id := fx.ctrl.St.Pending[0].ID

	fx.p.Handle(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "primary-1",
		ChatID:   "1001",
		Content:  "approve " + id + " for 1 week",
		Metadata: map[string]string{MetaPrimary: "true"},
	})

	reply := outboundOrNil(t, fx.b)
	if reply == nil || !strings.Contains(reply.Content, "approved") {
		t.Errorf("reply = %+v", reply)
	}
	if fx.ctrl.Classify("u9") != access.TierApproved {
		t.Error("sender not approved")
	}

	// The original message reaches the session exactly once, tagged.
	got := *fx.injected
	if len(got) != 1 {
		t.Fatalf("injected = %v", got)
	}
	if !strings.HasPrefix(got[0], thirdPartyTag) || !strings.Contains(got[0], "got the report?") {
		t.Errorf("released injection = %q", got[0])
	}
}

// TestHandle_SafeSender verifies safe senders inject with attribution
// and no third-party tag.
func TestHandle_SafeSender(t *testing.T) {
	fx := newInboundFixture(t)
	if err := fx.ctrl.AddSafe("fam-1"); err != nil {
		t.Fatal(err)
	}

	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "fam-1", Sender: "Alex", Content: "dinner at 7?"})

	got := *fx.injected
	if len(got) != 1 || got[0] != "[telegram] Alex: dinner at 7?" {
		t.Errorf("injected = %v", got)
	}
}

// TestHandle_ApprovedSenderTagged verifies the third-party tag.
func TestHandle_ApprovedSenderTagged(t *testing.T) {
	fx := newInboundFixture(t)
	id, _, _, err := fx.ctrl.Hold("telegram", "v-2", "Vendor", "invoice?")
	if err != nil {
		t.Fatal(err)
	}
	fx.ctrl.HandleCommand("approve "+id, "primary-1")

	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "v-2", Sender: "Vendor", Content: "invoice?"})

	got := *fx.injected
	if len(got) != 1 || !strings.HasPrefix(got[0], thirdPartyTag) {
		t.Errorf("injected = %v", got)
	}
}

// TestHandle_UnknownHeldAndPrompted verifies unknown senders never
// reach the session and exactly one approval prompt goes out.
func TestHandle_UnknownHeldAndPrompted(t *testing.T) {
	fx := newInboundFixture(t)

	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "new-1", Content: "hello?"})
	if len(*fx.injected) != 0 {
		t.Error("unknown sender injected")
	}
	prompt := outboundOrNil(t, fx.b)
	if prompt == nil || prompt.Channel != "telegram" || !strings.Contains(prompt.Content, "New contact") {
		t.Errorf("prompt = %+v", prompt)
	}

	// Repeat message: still held, no second prompt.
	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "new-1", Content: "anyone there?"})
	if second := outboundOrNil(t, fx.b); second != nil {
		t.Errorf("second prompt sent: %+v", second)
	}
}

// TestHandle_BlockedSilent verifies blocked senders get nothing back.
func TestHandle_BlockedSilent(t *testing.T) {
	fx := newInboundFixture(t)
	id, _, _, err := fx.ctrl.Hold("telegram", "bad-1", "", "spam")
	if err != nil {
		t.Fatal(err)
	}
	fx.ctrl.HandleCommand("block "+id, "primary-1")

	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "bad-1", ChatID: "55", Content: "spam again"})

	if len(*fx.injected) != 0 {
		t.Error("blocked sender injected")
	}
	if reply := outboundOrNil(t, fx.b); reply != nil {
		t.Errorf("blocked sender got a reply: %+v", reply)
	}
}

// TestHandle_DeniedGetsHoldReply verifies the denied tier's canned
// response.
func TestHandle_DeniedGetsHoldReply(t *testing.T) {
	fx := newInboundFixture(t)
	id, _, _, err := fx.ctrl.Hold("telegram", "d-1", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	fx.ctrl.HandleCommand("deny "+id, "primary-1")

	fx.p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "d-1", ChatID: "77", Content: "hi again"})

	if len(*fx.injected) != 0 {
		t.Error("denied sender injected")
	}
	reply := outboundOrNil(t, fx.b)
	if reply == nil || reply.Content != deniedReply || reply.ChatID != "77" {
		t.Errorf("reply = %+v", reply)
	}
}

// TestHandle_RateLimitSingleNotice verifies the one-notice-per-episode
// rule end to end.
func TestHandle_RateLimitSingleNotice(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	ctrl, err := access.New(filepath.Join(dir, "a.json"), filepath.Join(dir, "s.json"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.AddSafe("chatty"); err != nil {
		t.Fatal(err)
	}
	rt := router.New(b, filepath.Join(dir, "channel"), "1001", slog.Default())
	injected := []string{}
	p := NewInbound(b, ctrl, access.NewRateLimiter(2, 20), rt,
		func(text string) error { injected = append(injected, text); return nil }, slog.Default())

	for i := 0; i < 5; i++ {
		p.Handle(bus.InboundMessage{Channel: "telegram", SenderID: "chatty", ChatID: "9", Content: "ping"})
	}

	if len(injected) != 2 {
		t.Errorf("injected %d messages, want 2", len(injected))
	}
	notices := 0
	for {
		msg := outboundOrNil(t, b)
		if msg == nil {
			break
		}
		if msg.Content == slowDownReply {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("slow-down notices = %d, want 1", notices)
	}
}
