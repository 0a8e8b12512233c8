package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundQueue(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "hi" {
		t.Fatalf("msg=%+v ok=%v", msg, ok)
	}

	// Cancelled context returns immediately with ok=false.
	done, stop := context.WithCancel(context.Background())
	stop()
	if _, ok := b.ConsumeInbound(done); ok {
		t.Error("consume succeeded on cancelled context")
	}
}

func TestBroadcast_SubscribeUnsubscribe(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("one", func(e Event) { got = append(got, "one:"+e.Name) })
	b.Subscribe("two", func(e Event) { got = append(got, "two:"+e.Name) })

	b.Broadcast(Event{Name: EventAgentBusy})
	if len(got) != 2 {
		t.Fatalf("delivered to %d handlers, want 2", len(got))
	}

	got = nil
	b.Unsubscribe("two")
	b.Broadcast(Event{Name: EventAgentIdle})
	if len(got) != 1 || got[0] != "one:"+EventAgentIdle {
		t.Errorf("after unsubscribe: %v", got)
	}

	// Re-subscribing under the same id replaces the handler.
	calls := 0
	b.Subscribe("one", func(Event) { calls++ })
	b.Broadcast(Event{Name: EventAgentBusy})
	if calls != 1 || len(got) != 1 {
		t.Errorf("replacement handler: calls=%d got=%v", calls, got)
	}
}
