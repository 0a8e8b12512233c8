// Package email is the mail adapter: IMAP fetch with triage, a
// persistent seen-UID store, and SMTP send. Polling is driven by the
// email-check scheduled task rather than an internal timer.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Message is the metadata the triage pipeline works with.
type Message struct {
	UID     uint32
	From    string
	To      []string
	Subject string
}

// imapAccount is a single-provider IMAP connection with lazy reconnect.
// All public methods are goroutine-safe.
type imapAccount struct {
	host     string
	port     int
	tls      bool
	username string
	password string
	log      *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

func newIMAPAccount(host string, port int, useTLS bool, username, password string, log *slog.Logger) *imapAccount {
	return &imapAccount{host: host, port: port, tls: useTLS, username: username, password: password, log: log}
}

// connectLocked dials and authenticates. Caller holds a.mu.
func (a *imapAccount) connectLocked() error {
	if a.client != nil {
		_ = a.client.Close()
		a.client = nil
	}

	addr := net.JoinHostPort(a.host, fmt.Sprintf("%d", a.port))
	var opts imapclient.Options
	var client *imapclient.Client
	var err error
	if a.tls {
		opts.TLSConfig = &tls.Config{ServerName: a.host}
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}
	if err := client.Login(a.username, a.password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", a.username, err)
	}
	a.client = client
	a.log.Info("IMAP connected", "host", a.host, "user", a.username)
	return nil
}

// ensureConnected reconnects when the NOOP liveness check fails.
// Caller holds a.mu.
func (a *imapAccount) ensureConnected() error {
	if a.client != nil {
		if err := a.client.Noop().Wait(); err == nil {
			return nil
		}
		a.log.Debug("IMAP connection stale, reconnecting", "host", a.host)
	}
	return a.connectLocked()
}

// Close logs out and drops the connection.
func (a *imapAccount) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Close()
	a.client = nil
	return err
}

// Unread returns the unread messages in INBOX.
func (a *imapAccount) Unread(ctx context.Context) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := a.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	searchData, err := a.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	return a.fetch(uidSet)
}

// fetch retrieves envelope metadata for uidSet. Caller holds a.mu with
// INBOX selected.
func (a *imapAccount) fetch(uidSet imap.UIDSet) ([]Message, error) {
	fetchCmd := a.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Envelope: true})

	var msgs []Message
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		msg, err := parseFetch(data)
		if err != nil {
			a.log.Debug("skipping message", "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}
	return msgs, nil
}

func parseFetch(data *imapclient.FetchMessageData) (Message, error) {
	var msg Message
	for {
		item := data.Next()
		if item == nil {
			break
		}
		switch d := item.(type) {
		case imapclient.FetchItemDataUID:
			msg.UID = uint32(d.UID)
		case imapclient.FetchItemDataEnvelope:
			if d.Envelope == nil {
				continue
			}
			msg.Subject = d.Envelope.Subject
			if len(d.Envelope.From) > 0 {
				msg.From = formatAddress(d.Envelope.From[0])
			}
			for _, addr := range d.Envelope.To {
				msg.To = append(msg.To, formatAddress(addr))
			}
		}
	}
	if msg.UID == 0 {
		return msg, fmt.Errorf("message missing UID")
	}
	return msg, nil
}

// MarkSeen sets \Seen on the given messages.
func (a *imapAccount) MarkSeen(ctx context.Context, uids []uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return err
	}
	if _, err := a.client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select INBOX: %w", err)
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	storeCmd := a.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("store \\Seen: %w", err)
	}
	return nil
}

// Move relocates messages to a folder; go-imap falls back to
// COPY+EXPUNGE when the server lacks MOVE.
func (a *imapAccount) Move(ctx context.Context, uids []uint32, folder string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return err
	}
	if _, err := a.client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select INBOX: %w", err)
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	if _, err := a.client.Move(uidSet, folder).Wait(); err != nil {
		return fmt.Errorf("move to %s: %w", folder, err)
	}
	return nil
}

// formatAddress renders an IMAP address as "Name <user@host>" or the
// bare address.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
