package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/channels"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/router"
)

// responseWait is the hard ceiling on waiting for an assistant reply to
// a transcribed request.
const responseWait = 30 * time.Second

// ErrNoResponse is returned when the assistant produced no reply before
// the wait ceiling.
var ErrNoResponse = errors.New("assistant did not respond within 30 seconds")

// ErrNoClient is returned by Notify when no voice client has registered
// a callback.
var ErrNoClient = errors.New("no voice client registered")

// clientInfo records a registered voice client.
type clientInfo struct {
	ID           string    `json:"id"`
	Callback     string    `json:"callback,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Status is the /voice/status payload.
type Status struct {
	Running  bool   `json:"running"`
	Pending  bool   `json:"pending"`
	WakeWord string `json:"wakeWord,omitempty"`
	Client   string `json:"client,omitempty"`
}

// Channel is the voice adapter. It owns the STT/TTS engine clients and
// the transcribe-inject-await-synthesize pipeline; the HTTP front end
// mounts the endpoints that call into it.
type Channel struct {
	*channels.BaseChannel
	router      *router.Router
	inject      func(text string) error
	stt         *sttClient
	tts         *ttsClient
	wakeWord    string
	requireWake bool // wake-initiated clients must lead with the wake word
	log         *slog.Logger

	mu     sync.Mutex
	client *clientInfo
	http   *http.Client
}

// New creates the adapter. inject is the session bridge's injection
// path; the adapter never touches the pane directly.
func New(cfg config.VoiceConfig, rt *router.Router, inject func(string) error, msgBus *bus.MessageBus, log *slog.Logger) *Channel {
	c := &Channel{
		BaseChannel: channels.NewBaseChannel("voice", msgBus),
		router:      rt,
		inject:      inject,
		stt:         newSTTClient(cfg.STTURL),
		tts:         newTTSClient(cfg.TTSURL),
		wakeWord:    cfg.WakeWord,
		requireWake: cfg.Initiation == "wake",
		log:         log,
		http:        &http.Client{Timeout: engineTimeout},
	}
	if cfg.Client != "" {
		c.client = &clientInfo{ID: cfg.Client, RegisteredAt: time.Now()}
	}
	return c
}

func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	c.router.ClearVoicePending()
	return nil
}

// Send satisfies the channel interface: an outbound message on the
// voice channel with no pending request becomes a proactive
// announcement to the registered client.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return c.Notify(ctx, msg.Content)
}

// Transcribe runs the full request pipeline: STT on the uploaded audio,
// inject the transcript into the session, wait for the assistant's
// reply, synthesize it. The voice channel becomes current for the
// duration so the transcript stream routes the reply back here.
func (c *Channel) Transcribe(ctx context.Context, audio io.Reader, filename string) ([]byte, error) {
	text, err := c.stt.Transcribe(ctx, audio, filename)
	if err != nil {
		return nil, err
	}
	text, err = c.stripWakeWord(text)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty transcript")
	}

	if err := c.router.SetChannel("voice"); err != nil {
		c.log.Warn("voice: persist channel selection", "error", err)
	}

	wait, err := c.router.RegisterVoicePending()
	if err != nil {
		return nil, err
	}
	if err := c.inject(text); err != nil {
		c.router.ClearVoicePending()
		return nil, fmt.Errorf("inject transcript: %w", err)
	}

	timer := time.NewTimer(responseWait)
	defer timer.Stop()
	select {
	case reply := <-wait:
		return c.tts.Synthesize(ctx, reply)
	case <-timer.C:
		c.router.ClearVoicePending()
		return nil, ErrNoResponse
	case <-ctx.Done():
		c.router.ClearVoicePending()
		return nil, ctx.Err()
	}
}

// TranscribeOnly runs STT on the uploaded audio and returns the raw
// transcript without touching the session.
func (c *Channel) TranscribeOnly(ctx context.Context, audio io.Reader, filename string) (string, error) {
	text, err := c.stt.Transcribe(ctx, audio, filename)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Speak synthesizes text without touching the session.
func (c *Channel) Speak(ctx context.Context, text string) ([]byte, error) {
	return c.tts.Synthesize(ctx, text)
}

// Notify synthesizes text and pushes the audio to the registered
// client's callback.
func (c *Channel) Notify(ctx context.Context, text string) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || client.Callback == "" {
		return ErrNoClient
	}

	audio, err := c.tts.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.Callback, bytes.NewReader(audio))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voice notify %s: %w", client.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("voice notify %s: client returned %d", client.ID, resp.StatusCode)
	}
	return nil
}

// RegisterClient records (or replaces) the voice client that receives
// proactive notifications.
func (c *Channel) RegisterClient(id, callback string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = &clientInfo{ID: id, Callback: callback, RegisteredAt: time.Now()}
	c.log.Info("voice client registered", "client", id)
}

// Status reports adapter state for the status endpoint.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Running:  c.IsRunning(),
		Pending:  c.router.VoicePending(),
		WakeWord: c.wakeWord,
	}
	if c.client != nil {
		s.Client = c.client.ID
	}
	return s
}

// stripWakeWord removes a leading wake word plus trailing punctuation
// from a transcript. Matching is case-insensitive. Under wake
// initiation a transcript without the wake word is rejected.
func (c *Channel) stripWakeWord(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if c.wakeWord == "" {
		return trimmed, nil
	}
	if len(trimmed) >= len(c.wakeWord) && strings.EqualFold(trimmed[:len(c.wakeWord)], c.wakeWord) {
		trimmed = trimmed[len(c.wakeWord):]
		trimmed = strings.TrimLeft(trimmed, " ,.!?:;")
		return strings.TrimSpace(trimmed), nil
	}
	if c.requireWake {
		return "", fmt.Errorf("wake word %q not detected", c.wakeWord)
	}
	return trimmed, nil
}
