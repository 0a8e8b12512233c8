package peering

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/candlekeep/aide/internal/access"
	"github.com/candlekeep/aide/internal/config"
)

// heartbeatLogEvery forces one heartbeat log line per peer per hour
// even without a state change, for uptime stats.
const heartbeatLogEvery = time.Hour

// ErrReplay marks an envelope whose nonce was already seen.
var ErrReplay = errors.New("replayed nonce")

// Relay ack policy: a structurally bad envelope never becomes good and
// is acked; these two failures can clear up, so the envelope stays
// queued for the next poll.
var (
	errNoPeerKey = errors.New("no public key for peer")
	errInject    = errors.New("inject failed")
)

// Manager owns this agent's peering identity and the full inbound and
// outbound message paths.
type Manager struct {
	self   string
	key    ed25519.PrivateKey
	peers  []config.Peer
	cache  *Cache
	inbox  *Inbox
	nonces *NonceCache
	client *Client
	relay  *RelayClient // nil when the relay path is disabled
	audit  *Audit
	log    *slog.Logger

	inject   func(text string) error
	idle     func() bool
	classify func(senderID string) string

	mu          sync.Mutex
	registered  bool // our key is registered with the relay
	lastHBLog   map[string]time.Time
	lastHBState map[string]string
}

// NewManager wires the peering module. inject delivers a rendered line
// into the session; idle and classify come from the session bridge and
// access controller.
func NewManager(self string, key ed25519.PrivateKey, peers []config.Peer, client *Client, relay *RelayClient, audit *Audit, inject func(string) error, idle func() bool, classify func(string) string, log *slog.Logger) *Manager {
	m := &Manager{
		self:        self,
		key:         key,
		peers:       peers,
		cache:       NewCache(),
		inbox:       NewInbox(),
		nonces:      NewNonceCache(),
		client:      client,
		relay:       relay,
		audit:       audit,
		log:         log,
		inject:      inject,
		idle:        idle,
		classify:    classify,
		lastHBLog:   make(map[string]time.Time),
		lastHBState: make(map[string]string),
	}
	// Pinned keys from config take effect immediately; unpinned peers
	// resolve through the relay on first contact.
	for _, p := range peers {
		if p.PublicKey == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			log.Warn("peer public_key is not a base64 ed25519 key, ignoring", "peer", p.Name)
			continue
		}
		m.cache.SetKey(p.Name, ed25519.PublicKey(raw), KeyActive)
	}
	return m
}

// Cache exposes the peer-state cache for status routes.
func (m *Manager) Cache() *Cache { return m.cache }

// InboxLen reports queued envelopes for the extended status route.
func (m *Manager) InboxLen() int { return m.inbox.Len() }

// PublicKeyBase64 returns this agent's public key for relay
// registration.
func (m *Manager) PublicKeyBase64() string {
	pub := m.key.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

func (m *Manager) peer(name string) (config.Peer, bool) {
	for _, p := range m.peers {
		if p.Name == name {
			return p, true
		}
	}
	return config.Peer{}, false
}

// Send signs an envelope for the named peer and delivers it, trying the
// LAN path first and the relay second.
func (m *Manager) Send(ctx context.Context, peerName, msgType, text string) error {
	peer, ok := m.peer(peerName)
	if !ok {
		return fmt.Errorf("unknown peer %q", peerName)
	}

	env := NewEnvelope(m.self, peerName, msgType, text)
	if err := env.Sign(m.key); err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}

	latency, err := m.client.Send(peer, env)
	if err == nil {
		m.audit.Record(AuditEntry{Direction: "send", Peer: peerName, Type: msgType, Text: text, MessageID: env.MessageID, LatencyMs: latency.Milliseconds()})
		return nil
	}
	m.log.Warn("direct send failed, trying relay", "peer", peerName, "error", err)

	if m.relay == nil {
		m.audit.Record(AuditEntry{Direction: "send", Peer: peerName, Type: msgType, MessageID: env.MessageID, Error: err.Error()})
		return err
	}
	if rerr := m.relay.Send(ctx, env); rerr != nil {
		m.audit.Record(AuditEntry{Direction: "send", Peer: peerName, Type: msgType, MessageID: env.MessageID, Error: rerr.Error()})
		return fmt.Errorf("relay send to %s: %w", peerName, rerr)
	}
	m.audit.Record(AuditEntry{Direction: "send", Peer: peerName, Type: msgType, Text: text, MessageID: env.MessageID})
	return nil
}

// HandleInbound processes one envelope from the LAN path (bearer
// already verified by the HTTP layer). queued is true when the agent
// was busy and the message went to the inbox.
func (m *Manager) HandleInbound(env Envelope) (queued bool, err error) {
	if err := env.Validate(time.Now()); err != nil {
		return false, err
	}
	if m.nonces.Seen(env.Nonce) {
		return false, fmt.Errorf("%w from %s", ErrReplay, env.From)
	}
	return m.deliver(env)
}

// handleRelayed processes an envelope fetched from the relay; the
// signature must verify against the sender's public key.
func (m *Manager) handleRelayed(ctx context.Context, env Envelope) (bool, error) {
	if err := env.Validate(time.Now()); err != nil {
		return false, err
	}
	key, err := m.peerKey(ctx, env.From)
	if err != nil {
		return false, err
	}
	if err := env.Verify(key); err != nil {
		return false, err
	}
	if m.nonces.Seen(env.Nonce) {
		return false, fmt.Errorf("%w from %s", ErrReplay, env.From)
	}
	return m.deliver(env)
}

// peerKey resolves a peer's public key: the cache first (seeded from
// config), then the relay's key registry.
func (m *Manager) peerKey(ctx context.Context, name string) (ed25519.PublicKey, error) {
	if state, ok := m.cache.Get(name); ok && len(state.PublicKey) > 0 {
		return state.PublicKey, nil
	}
	if m.relay != nil {
		keyB64, status, err := m.relay.FetchKey(ctx, name)
		if err != nil {
			m.log.Debug("relay key fetch failed", "peer", name, "error", err)
		} else if status == KeyActive {
			raw, derr := base64.StdEncoding.DecodeString(keyB64)
			if derr == nil && len(raw) == ed25519.PublicKeySize {
				m.cache.SetKey(name, ed25519.PublicKey(raw), status)
				return ed25519.PublicKey(raw), nil
			}
			m.log.Warn("relay returned a malformed key", "peer", name)
		}
	}
	return nil, fmt.Errorf("%w %s", errNoPeerKey, name)
}

// deliver classifies the sender and either injects now or queues until
// idle. Blocked senders are dropped silently; every receive lands in
// the audit log, drops included.
func (m *Manager) deliver(env Envelope) (bool, error) {
	switch m.classify("agent:" + env.From) {
	case access.TierBlocked:
		m.audit.Record(AuditEntry{Direction: "receive", Peer: env.From, Type: env.Type, MessageID: env.MessageID, Error: "dropped: blocked peer"})
		m.log.Info("dropped envelope from blocked peer", "peer", env.From)
		return false, nil
	case access.TierDenied:
		m.audit.Record(AuditEntry{Direction: "receive", Peer: env.From, Type: env.Type, MessageID: env.MessageID, Error: "rejected: denied peer"})
		return false, fmt.Errorf("peer %s is denied", env.From)
	}

	m.audit.Record(AuditEntry{Direction: "receive", Peer: env.From, Type: env.Type, Text: env.Text, MessageID: env.MessageID})

	if !m.idle() {
		if m.inbox.Push(env) {
			m.log.Warn("peer inbox full, dropped oldest", "peer", env.From)
		}
		return true, nil
	}
	if err := m.inject(env.Render(displayPeer(env.From))); err != nil {
		return false, fmt.Errorf("%w: %v", errInject, err)
	}
	return false, nil
}

// DrainIdle injects every queued envelope; called on each idle
// transition.
func (m *Manager) DrainIdle() {
	for _, env := range m.inbox.Drain() {
		if err := m.inject(env.Render(displayPeer(env.From))); err != nil {
			m.log.Error("inject queued envelope", "peer", env.From, "error", err)
		}
	}
}

// Heartbeat exchanges status with every configured peer and updates the
// cache. Log and audit lines appear only on a state change or once per
// hour per peer.
func (m *Manager) Heartbeat(ctx context.Context) error {
	myState := PeerBusy
	if m.idle() {
		myState = PeerIdle
	}

	for _, peer := range m.peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env := NewEnvelope(m.self, peer.Name, TypeStatus, myState)
		if err := env.Sign(m.key); err != nil {
			return err
		}

		status, latency, err := m.client.ExchangeStatus(peer, env)
		if err != nil {
			status = PeerOffline
		}
		previous := m.cache.Observe(peer.Name, status, latency)
		m.noteHeartbeat(peer.Name, previous, status, latency, err)
	}
	return nil
}

func (m *Manager) noteHeartbeat(peer, previous, status string, latency time.Duration, err error) {
	m.mu.Lock()
	changed := previous != status
	periodic := time.Since(m.lastHBLog[peer]) >= heartbeatLogEvery
	if changed || periodic {
		m.lastHBLog[peer] = time.Now()
	}
	m.lastHBState[peer] = status
	m.mu.Unlock()

	if !changed && !periodic {
		return
	}
	entry := AuditEntry{Direction: "heartbeat", Peer: peer, Type: TypeStatus, Text: status, LatencyMs: latency.Milliseconds()}
	if err != nil {
		entry.Error = err.Error()
	}
	m.audit.Record(entry)
	m.log.Info("peer heartbeat", "peer", peer, "status", status, "previous", previous, "latency_ms", latency.Milliseconds())
}

// PollRelay fetches, verifies, delivers, and acks the relay inbox. Only
// delivered or structurally bad envelopes are acked; one blocked on a
// missing key or a failed inject stays queued for the next poll.
func (m *Manager) PollRelay(ctx context.Context) error {
	if m.relay == nil {
		return nil
	}
	m.registerIdentity(ctx)

	envs, err := m.relay.Inbox(ctx)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		return nil
	}

	var acked []string
	for _, env := range envs {
		if _, err := m.handleRelayed(ctx, env); err != nil {
			m.log.Warn("relayed envelope rejected", "peer", env.From, "error", err)
			if errors.Is(err, errNoPeerKey) || errors.Is(err, errInject) {
				continue
			}
		}
		acked = append(acked, env.MessageID)
	}
	if len(acked) == 0 {
		return nil
	}
	return m.relay.Ack(ctx, acked)
}

// registerIdentity publishes our public key to the relay once,
// retrying on the next poll after a failure.
func (m *Manager) registerIdentity(ctx context.Context) {
	m.mu.Lock()
	done := m.registered
	m.mu.Unlock()
	if done {
		return
	}
	if err := m.relay.RegisterKey(ctx, m.PublicKeyBase64()); err != nil {
		m.log.Warn("relay key registration failed", "error", err)
		return
	}
	m.mu.Lock()
	m.registered = true
	m.mu.Unlock()
}

// displayPeer renders a peer name for the injected line ("r2" → "R2").
func displayPeer(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
