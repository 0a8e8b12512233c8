package peering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RelayClient talks to the central relay: envelope store-and-forward
// for peers the LAN cannot reach, plus public-key registration.
type RelayClient struct {
	baseURL string
	agent   string
	http    *http.Client
}

// NewRelayClient creates a relay client for this agent.
func NewRelayClient(baseURL, agent string) *RelayClient {
	return &RelayClient{
		baseURL: baseURL,
		agent:   agent,
		http:    &http.Client{Timeout: peerTimeout},
	}
}

// Send stores a signed envelope in the recipient's relay queue.
func (r *RelayClient) Send(ctx context.Context, env Envelope) error {
	return r.post(ctx, "/relay/send", env, nil)
}

// Inbox fetches the envelopes queued for this agent.
func (r *RelayClient) Inbox(ctx context.Context) ([]Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/relay/inbox/"+r.agent, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay inbox: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay inbox: status %d", resp.StatusCode)
	}
	var envs []Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		return nil, fmt.Errorf("relay inbox: decode: %w", err)
	}
	return envs, nil
}

// Ack acknowledges processed envelopes so the relay drops them.
func (r *RelayClient) Ack(ctx context.Context, messageIDs []string) error {
	body := map[string][]string{"messageIds": messageIDs}
	return r.post(ctx, "/relay/inbox/"+r.agent+"/ack", body, nil)
}

// RegisterKey registers this agent's public key (base64) with the relay.
func (r *RelayClient) RegisterKey(ctx context.Context, publicKey string) error {
	body := map[string]string{"agent": r.agent, "publicKey": publicKey}
	return r.post(ctx, "/relay/register", body, nil)
}

// FetchKey looks up another agent's registered public key.
func (r *RelayClient) FetchKey(ctx context.Context, agent string) (publicKey, status string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/relay/key/"+agent, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("relay key %s: %w", agent, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("relay key %s: status %d", agent, resp.StatusCode)
	}
	var body struct {
		PublicKey string `json:"publicKey"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("relay key %s: decode: %w", agent, err)
	}
	return body.PublicKey, body.Status, nil
}

func (r *RelayClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
