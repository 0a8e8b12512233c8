package access

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-sender incoming and per-recipient outgoing
// message rates. Incoming uses a sliding 60 s window; outgoing a token
// bucket refilled at maxPerMinute per minute.
type RateLimiter struct {
	mu sync.Mutex

	inMax    int
	incoming map[string][]time.Time
	notified map[string]bool // "slow down" already sent this episode

	outMax   int
	outgoing map[string]*rate.Limiter

	now func() time.Time
}

// NewRateLimiter creates a limiter with the configured per-minute caps.
func NewRateLimiter(incomingMax, outgoingMax int) *RateLimiter {
	return &RateLimiter{
		inMax:    incomingMax,
		incoming: make(map[string][]time.Time),
		notified: make(map[string]bool),
		outMax:   outgoingMax,
		outgoing: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// AllowIncoming records one inbound message from channel:sender and
// reports whether it may proceed. notify is true exactly once per
// rate-limited episode so the sender gets a single "slow down" reply.
func (r *RateLimiter) AllowIncoming(channel, sender string) (ok, notify bool) {
	key := channel + ":" + sender
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)
	stamps := r.incoming[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= r.inMax {
		r.incoming[key] = kept
		first := !r.notified[key]
		r.notified[key] = true
		return false, first
	}

	r.incoming[key] = append(kept, now)
	r.notified[key] = false
	return true, false
}

// AllowOutgoing reports whether one message to channel:recipient may be
// sent, consuming a token if so.
func (r *RateLimiter) AllowOutgoing(channel, recipient string) bool {
	key := channel + ":" + recipient
	r.mu.Lock()
	lim, ok := r.outgoing[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.outMax)), r.outMax)
		r.outgoing[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
