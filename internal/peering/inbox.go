package peering

import "sync"

// inboxCap bounds the queued envelopes per daemon; the oldest entry is
// dropped when a new one arrives at capacity.
const inboxCap = 100

// Inbox holds envelopes that arrived while the agent was busy. Drained
// in FIFO order on the next idle transition.
type Inbox struct {
	mu sync.Mutex
	q  []Envelope
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Push queues an envelope, reporting whether an older one was dropped
// to make room.
func (i *Inbox) Push(env Envelope) (dropped bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.q) >= inboxCap {
		i.q = i.q[1:]
		dropped = true
	}
	i.q = append(i.q, env)
	return dropped
}

// Drain removes and returns all queued envelopes in arrival order.
func (i *Inbox) Drain() []Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.q
	i.q = nil
	return out
}

// Len reports the number of queued envelopes.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.q)
}
