package peering

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/candlekeep/aide/internal/access"
	"github.com/candlekeep/aide/internal/config"
)

type managerFixture struct {
	m         *Manager
	injected  *[]string
	idle      *bool
	tier      *string
	auditPath string
}

func newTestManager(t *testing.T, peers []config.Peer, relay *RelayClient) managerFixture {
	t.Helper()
	_, priv := testKeys(t)
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := OpenAudit(auditPath, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { audit.Close() })

	injected := []string{}
	idle := true
	tier := access.TierApproved
	m := NewManager("bmo", priv, peers,
		NewClient("hunter2"), relay, audit,
		func(text string) error { injected = append(injected, text); return nil },
		func() bool { return idle },
		func(string) string { return tier },
		slog.Default(),
	)
	return managerFixture{m: m, injected: &injected, idle: &idle, tier: &tier, auditPath: auditPath}
}

func signedEnvelope(t *testing.T, priv ed25519.PrivateKey, from, text string) Envelope {
	t.Helper()
	env := NewEnvelope(from, "bmo", TypeText, text)
	if err := env.Sign(priv); err != nil {
		t.Fatal(err)
	}
	return env
}

// TestHandleInbound_IdleInjects verifies an envelope arriving while
// idle is injected immediately in the expected format.
func TestHandleInbound_IdleInjects(t *testing.T) {
	fx := newTestManager(t, nil, nil)
	_, priv := testKeys(t)

	queued, err := fx.m.HandleInbound(signedEnvelope(t, priv, "r2", "ready"))
	if err != nil || queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}
	if len(*fx.injected) != 1 || (*fx.injected)[0] != "[Agent] R2: ready" {
		t.Errorf("injected = %v", *fx.injected)
	}
}

// TestHandleInbound_BusyQueuesThenDrains walks the busy-peer scenario:
// queue while busy, inject on the idle transition, FIFO order kept.
func TestHandleInbound_BusyQueuesThenDrains(t *testing.T) {
	fx := newTestManager(t, nil, nil)
	*fx.idle = false
	_, priv := testKeys(t)

	for _, text := range []string{"first", "second"} {
		queued, err := fx.m.HandleInbound(signedEnvelope(t, priv, "r2", text))
		if err != nil || !queued {
			t.Fatalf("%s: queued=%v err=%v", text, queued, err)
		}
	}
	if len(*fx.injected) != 0 {
		t.Fatal("injected while busy")
	}
	if fx.m.InboxLen() != 2 {
		t.Fatalf("inbox len = %d", fx.m.InboxLen())
	}

	*fx.idle = true
	fx.m.DrainIdle()
	got := *fx.injected
	if len(got) != 2 || got[0] != "[Agent] R2: first" || got[1] != "[Agent] R2: second" {
		t.Errorf("drained = %v", got)
	}
}

// TestHandleInbound_ReplayedNonce verifies the same nonce is rejected
// the second time.
func TestHandleInbound_ReplayedNonce(t *testing.T) {
	fx := newTestManager(t, nil, nil)
	_, priv := testKeys(t)
	env := signedEnvelope(t, priv, "r2", "once")

	if _, err := fx.m.HandleInbound(env); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.m.HandleInbound(env); err == nil {
		t.Error("replay accepted")
	}
}

// TestHandleInbound_BlockedDropsSilently verifies blocked peers get no
// injection and no error, but the drop still lands in the audit log.
func TestHandleInbound_BlockedDropsSilently(t *testing.T) {
	fx := newTestManager(t, nil, nil)
	*fx.tier = access.TierBlocked
	_, priv := testKeys(t)

	queued, err := fx.m.HandleInbound(signedEnvelope(t, priv, "spammy", "hi"))
	if err != nil || queued {
		t.Errorf("queued=%v err=%v", queued, err)
	}
	if len(*fx.injected) != 0 {
		t.Error("blocked peer got injected")
	}

	data, err := os.ReadFile(fx.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"direction":"receive"`) || !strings.Contains(string(data), "blocked peer") {
		t.Errorf("drop not audited: %s", data)
	}
	// The held text itself must not be logged for a blocked sender.
	if strings.Contains(string(data), `"text":"hi"`) {
		t.Errorf("blocked message text audited: %s", data)
	}
}

func peerFromServer(t *testing.T, srv *httptest.Server, name string) config.Peer {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return config.Peer{Name: name, Host: u.Hostname(), Port: port}
}

// TestHeartbeat_UpdatesCacheAndDedupsLogs verifies status exchange,
// cache update, and that repeated identical heartbeats are not audited
// again within the hour.
func TestHeartbeat_UpdatesCacheAndDedupsLogs(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if got := r.Header.Get("Authorization"); got != "Bearer hunter2" {
			t.Errorf("bearer = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "idle"})
	}))
	defer srv.Close()

	fx := newTestManager(t, []config.Peer{peerFromServer(t, srv, "r2")}, nil)

	if err := fx.m.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	state, ok := fx.m.Cache().Get("r2")
	if !ok || state.LastKnownStatus != PeerIdle {
		t.Fatalf("cache state = %+v ok=%v", state, ok)
	}

	// Same state again: exchanged over HTTP but not re-logged.
	before := fx.m.lastHBLog["r2"]
	if err := fx.m.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits != 2 {
		t.Errorf("exchanges = %d", hits)
	}
	if !fx.m.lastHBLog["r2"].Equal(before) {
		t.Error("unchanged state re-logged inside the hour")
	}
}

// TestHeartbeat_OfflinePeer verifies an unreachable peer is marked
// offline rather than erroring the whole round.
func TestHeartbeat_OfflinePeer(t *testing.T) {
	fx := newTestManager(t, []config.Peer{{Name: "ghost", Host: "127.0.0.1", Port: 1}}, nil)
	if err := fx.m.Heartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	state, _ := fx.m.Cache().Get("ghost")
	if state.LastKnownStatus != PeerOffline {
		t.Errorf("status = %q", state.LastKnownStatus)
	}
}

// TestClient_FallbackIP verifies the second host is tried when the
// first is unreachable.
func TestClient_FallbackIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/agent/message") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	good := peerFromServer(t, srv, "r2")
	peer := config.Peer{Name: "r2", Host: "unreachable.invalid", Port: good.Port, FallbackIP: good.Host}

	c := NewClient("hunter2")
	if _, err := c.Send(peer, NewEnvelope("bmo", "r2", TypeText, "hi")); err != nil {
		t.Fatalf("fallback not used: %v", err)
	}
}

// relayServer is a minimal in-test relay: inbox, ack, key registry.
type relayServer struct {
	envelopes  []Envelope
	keys       map[string]string // agent → base64 public key
	ackedIDs   []string
	registered map[string]string // agent → registered key
	srv        *httptest.Server
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{keys: map[string]string{}, registered: map[string]string{}}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/relay/inbox/bmo":
			json.NewEncoder(w).Encode(rs.envelopes)
		case r.Method == http.MethodPost && r.URL.Path == "/relay/inbox/bmo/ack":
			var body struct {
				MessageIDs []string `json:"messageIds"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			rs.ackedIDs = append(rs.ackedIDs, body.MessageIDs...)
		case r.Method == http.MethodPost && r.URL.Path == "/relay/register":
			var body struct {
				Agent     string `json:"agent"`
				PublicKey string `json:"publicKey"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			rs.registered[body.Agent] = body.PublicKey
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/relay/key/"):
			agent := strings.TrimPrefix(r.URL.Path, "/relay/key/")
			key, ok := rs.keys[agent]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"publicKey": key, "status": KeyActive})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

// TestPollRelay verifies fetch → verify → deliver → ack, including
// rejection of an envelope signed with the wrong key, plus one-time
// registration of our own key.
func TestPollRelay(t *testing.T) {
	pub, priv := testKeys(t)
	_, wrongPriv := testKeys(t)

	good := NewEnvelope("r2", "bmo", TypeText, "via relay")
	if err := good.Sign(priv); err != nil {
		t.Fatal(err)
	}
	bad := NewEnvelope("r2", "bmo", TypeText, "forged")
	if err := bad.Sign(wrongPriv); err != nil {
		t.Fatal(err)
	}

	rs := newRelayServer(t)
	rs.envelopes = []Envelope{good, bad}

	// The sender's key is pinned in config rather than set by hand.
	peer := config.Peer{Name: "r2", PublicKey: base64.StdEncoding.EncodeToString(pub)}
	fx := newTestManager(t, []config.Peer{peer}, NewRelayClient(rs.srv.URL, "bmo"))

	if err := fx.m.PollRelay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fx.injected) != 1 || (*fx.injected)[0] != "[Agent] R2: via relay" {
		t.Errorf("injected = %v", *fx.injected)
	}
	// Both envelopes acked; the forged one never becomes valid.
	if len(rs.ackedIDs) != 2 {
		t.Errorf("acked = %v", rs.ackedIDs)
	}
	if rs.registered["bmo"] != fx.m.PublicKeyBase64() {
		t.Errorf("our key not registered: %q", rs.registered["bmo"])
	}
}

// TestPollRelay_KeyFromRelay verifies a peer with no pinned key is
// resolved through the relay's key registry before verification.
func TestPollRelay_KeyFromRelay(t *testing.T) {
	pub, priv := testKeys(t)

	env := NewEnvelope("r2", "bmo", TypeText, "hello from afar")
	if err := env.Sign(priv); err != nil {
		t.Fatal(err)
	}

	rs := newRelayServer(t)
	rs.envelopes = []Envelope{env}
	rs.keys["r2"] = base64.StdEncoding.EncodeToString(pub)

	fx := newTestManager(t, nil, NewRelayClient(rs.srv.URL, "bmo"))
	if err := fx.m.PollRelay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fx.injected) != 1 {
		t.Fatalf("injected = %v", *fx.injected)
	}
	if len(rs.ackedIDs) != 1 || rs.ackedIDs[0] != env.MessageID {
		t.Errorf("acked = %v", rs.ackedIDs)
	}
	state, ok := fx.m.Cache().Get("r2")
	if !ok || len(state.PublicKey) == 0 {
		t.Error("fetched key not cached")
	}
}

// TestPollRelay_UnknownKeyStaysQueued verifies an envelope whose
// sender's key cannot be resolved is left unacked so a later poll can
// retry, and is delivered once the key appears.
func TestPollRelay_UnknownKeyStaysQueued(t *testing.T) {
	pub, priv := testKeys(t)

	env := NewEnvelope("r2", "bmo", TypeText, "patience")
	if err := env.Sign(priv); err != nil {
		t.Fatal(err)
	}

	rs := newRelayServer(t)
	rs.envelopes = []Envelope{env}

	fx := newTestManager(t, nil, NewRelayClient(rs.srv.URL, "bmo"))
	if err := fx.m.PollRelay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fx.injected) != 0 || len(rs.ackedIDs) != 0 {
		t.Fatalf("injected=%v acked=%v before key known", *fx.injected, rs.ackedIDs)
	}

	// Key shows up; the still-queued envelope goes through.
	rs.keys["r2"] = base64.StdEncoding.EncodeToString(pub)
	if err := fx.m.PollRelay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(*fx.injected) != 1 || (*fx.injected)[0] != "[Agent] R2: patience" {
		t.Errorf("injected = %v", *fx.injected)
	}
	if len(rs.ackedIDs) != 1 {
		t.Errorf("acked = %v", rs.ackedIDs)
	}
}
