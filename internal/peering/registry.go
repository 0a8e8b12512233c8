package peering

import (
	"crypto/ed25519"
	"sync"
	"time"
)

// Peer key statuses as registered with the relay.
const (
	KeyPending = "pending"
	KeyActive  = "active"
	KeyRevoked = "revoked"
)

// Peer liveness states.
const (
	PeerIdle    = "idle"
	PeerBusy    = "busy"
	PeerOffline = "offline"
	PeerUnknown = "unknown"
)

// PeerState is what we know about one peer agent.
type PeerState struct {
	PublicKey       ed25519.PublicKey
	KeyStatus       string
	LastHeartbeat   time.Time
	LastKnownStatus string
	LatencyMs       int64
}

// Cache is the process-wide peer-state map. It is mutated only by the
// heartbeat task and inbound peer handlers.
type Cache struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

// NewCache creates an empty peer cache.
func NewCache() *Cache {
	return &Cache{peers: make(map[string]*PeerState)}
}

// Get returns a copy of a peer's state.
func (c *Cache) Get(name string) (PeerState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[name]
	if !ok {
		return PeerState{}, false
	}
	return *p, true
}

// SetKey records a peer's public key and its relay status.
func (c *Cache) SetKey(name string, key ed25519.PublicKey, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.ensure(name)
	p.PublicKey = key
	p.KeyStatus = status
}

// Observe records a heartbeat result. It returns the peer's previous
// liveness state so callers can log only on change.
func (c *Cache) Observe(name, status string, latency time.Duration) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.ensure(name)
	previous = p.LastKnownStatus
	p.LastKnownStatus = status
	p.LatencyMs = latency.Milliseconds()
	if status != PeerOffline {
		p.LastHeartbeat = time.Now()
	}
	return previous
}

// Snapshot returns a copy of the whole cache for the status routes.
func (c *Cache) Snapshot() map[string]PeerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]PeerState, len(c.peers))
	for name, p := range c.peers {
		out[name] = *p
	}
	return out
}

func (c *Cache) ensure(name string) *PeerState {
	p, ok := c.peers[name]
	if !ok {
		p = &PeerState{LastKnownStatus: PeerUnknown}
		c.peers[name] = p
	}
	return p
}
