package peering

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/candlekeep/aide/internal/config"
)

// peerTimeout bounds every direct peer call.
const peerTimeout = 15 * time.Second

// Client delivers envelopes to peer daemons over the LAN, falling back
// to a configured IP when the hostname is unreachable.
type Client struct {
	secret string // shared bearer for the direct path
	http   *http.Client
}

// NewClient creates a LAN peer client authenticated by the shared
// bearer secret.
func NewClient(secret string) *Client {
	return &Client{
		secret: secret,
		http:   &http.Client{Timeout: peerTimeout},
	}
}

// Send POSTs an envelope to the peer's /agent/message, trying the
// hostname first and the fallback IP second. Returns the round-trip
// latency of the successful attempt.
func (c *Client) Send(peer config.Peer, env Envelope) (time.Duration, error) {
	return c.post(peer, "/agent/message", env)
}

// ExchangeStatus POSTs our status envelope to the peer's /agent/status
// and returns its reported state.
func (c *Client) ExchangeStatus(peer config.Peer, env Envelope) (status string, latency time.Duration, err error) {
	var reply struct {
		Status string `json:"status"`
	}
	latency, err = c.postInto(peer, "/agent/status", env, &reply)
	if err != nil {
		return "", latency, err
	}
	if reply.Status == "" {
		reply.Status = PeerUnknown
	}
	return reply.Status, latency, nil
}

func (c *Client) post(peer config.Peer, path string, env Envelope) (time.Duration, error) {
	return c.postInto(peer, path, env, nil)
}

// postInto tries each candidate host in order, decoding the JSON reply
// into out when non-nil.
func (c *Client) postInto(peer config.Peer, path string, env Envelope, out any) (time.Duration, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}

	hosts := []string{peer.Host}
	if peer.FallbackIP != "" && peer.FallbackIP != peer.Host {
		hosts = append(hosts, peer.FallbackIP)
	}

	var lastErr error
	for _, host := range hosts {
		url := fmt.Sprintf("http://%s:%d%s", host, peer.Port, path)
		start := time.Now()
		err := c.do(url, body, out)
		if err == nil {
			return time.Since(start), nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("peer %s unreachable: %w", peer.Name, lastErr)
}

func (c *Client) do(url string, body []byte, out any) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode reply: %w", url, err)
		}
	}
	return nil
}
