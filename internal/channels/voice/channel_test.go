package voice

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/router"
)

// fakeEngines serves both proxy contracts from one httptest server.
type fakeEngines struct {
	transcript string
	audio      []byte
	lastTTS    string
}

func (f *fakeEngines) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(sttTranscribeEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(sttResponse{Transcript: f.transcript})
	})
	mux.HandleFunc(ttsSynthesizeEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		f.lastTTS = req["text"]
		w.Write(f.audio)
	})
	return mux
}

type fixture struct {
	channel  *Channel
	router   *router.Router
	engines  *fakeEngines
	injected []string
}

func newFixture(t *testing.T, wakeWord string) *fixture {
	t.Helper()
	f := &fixture{engines: &fakeEngines{transcript: "what is on today", audio: []byte("RIFF-fake-audio")}}
	srv := httptest.NewServer(f.engines.handler())
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	msgBus := bus.New()
	f.router = router.New(msgBus, filepath.Join(t.TempDir(), "channel"), "777", log)

	cfg := config.VoiceConfig{
		Enabled:  true,
		STTURL:   srv.URL,
		TTSURL:   srv.URL,
		WakeWord: wakeWord,
	}
	f.channel = New(cfg, f.router, func(text string) error {
		f.injected = append(f.injected, text)
		return nil
	}, msgBus, log)
	return f
}

// TestTranscribe_FullPipeline runs STT, inject, assistant reply, TTS.
func TestTranscribe_FullPipeline(t *testing.T) {
	f := newFixture(t, "")

	done := make(chan struct{})
	var audio []byte
	var err error
	go func() {
		defer close(done)
		audio, err = f.channel.Transcribe(context.Background(), strings.NewReader("wav-bytes"), "req.wav")
	}()

	// Wait for the inject, then deliver the assistant reply the way the
	// transcript stream would.
	deadline := time.After(2 * time.Second)
	for len(f.injected) == 0 {
		select {
		case <-deadline:
			t.Fatal("transcript never injected")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.router.HandleAssistant("Nothing on the calendar.")
	<-done

	if err != nil {
		t.Fatal(err)
	}
	if string(audio) != "RIFF-fake-audio" {
		t.Errorf("audio = %q", audio)
	}
	if f.injected[0] != "what is on today" {
		t.Errorf("injected %q", f.injected[0])
	}
	if f.engines.lastTTS != "Nothing on the calendar." {
		t.Errorf("synthesized %q", f.engines.lastTTS)
	}
	if f.router.Channel() != "voice" {
		t.Errorf("current channel = %q", f.router.Channel())
	}
	if f.router.VoicePending() {
		t.Error("pending slot not cleared")
	}
}

// TestTranscribe_Timeout verifies the pending slot is cleared and
// ErrNoResponse returned when no reply arrives.
func TestTranscribe_Timeout(t *testing.T) {
	f := newFixture(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := f.channel.Transcribe(ctx, strings.NewReader("wav"), "req.wav")
	if err == nil {
		t.Fatal("expected error")
	}
	if f.router.VoicePending() {
		t.Error("pending slot not cleared after timeout")
	}
}

// TestTranscribe_Busy verifies a second concurrent request fails fast.
func TestTranscribe_Busy(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.router.RegisterVoicePending(); err != nil {
		t.Fatal(err)
	}
	_, err := f.channel.Transcribe(context.Background(), strings.NewReader("wav"), "req.wav")
	if err != router.ErrVoiceBusy {
		t.Fatalf("err = %v, want ErrVoiceBusy", err)
	}
}

func TestStripWakeWord(t *testing.T) {
	f := newFixture(t, "aide")
	cases := map[string]string{
		"Aide, what time is it": "what time is it",
		"AIDE what time is it":  "what time is it",
		"what time is it":       "what time is it",
		"  aide.  ":             "",
	}
	for in, want := range cases {
		got, err := f.channel.stripWakeWord(in)
		if err != nil {
			t.Errorf("stripWakeWord(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("stripWakeWord(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestStripWakeWord_RequiredUnderWakeInitiation verifies a wake-mode
// client cannot slip a request past without the wake word.
func TestStripWakeWord_RequiredUnderWakeInitiation(t *testing.T) {
	f := newFixture(t, "aide")
	f.channel.requireWake = true

	got, err := f.channel.stripWakeWord("aide, lights off")
	if err != nil || got != "lights off" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := f.channel.stripWakeWord("lights off"); err == nil {
		t.Error("transcript without wake word accepted")
	}
}

// TestTranscribeOnly returns the transcript without touching the
// session or the pending slot.
func TestTranscribeOnly(t *testing.T) {
	f := newFixture(t, "aide")

	got, err := f.channel.TranscribeOnly(context.Background(), strings.NewReader("wav"), "req.wav")
	if err != nil {
		t.Fatal(err)
	}
	if got != "what is on today" {
		t.Errorf("transcript = %q", got)
	}
	if len(f.injected) != 0 {
		t.Error("session touched")
	}
	if f.router.VoicePending() {
		t.Error("pending slot taken")
	}
}

// TestNotify_PostsAudioToClient verifies the registered callback
// receives synthesized audio.
func TestNotify_PostsAudioToClient(t *testing.T) {
	f := newFixture(t, "")

	var received []byte
	client := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
	}))
	defer client.Close()

	if err := f.channel.Notify(context.Background(), "dinner at seven"); err != ErrNoClient {
		t.Fatalf("unregistered notify err = %v", err)
	}

	f.channel.RegisterClient("kitchen", client.URL)
	if err := f.channel.Notify(context.Background(), "dinner at seven"); err != nil {
		t.Fatal(err)
	}
	if string(received) != "RIFF-fake-audio" {
		t.Errorf("client received %q", received)
	}
	if f.engines.lastTTS != "dinner at seven" {
		t.Errorf("synthesized %q", f.engines.lastTTS)
	}

	st := f.channel.Status()
	if st.Client != "kitchen" {
		t.Errorf("status client = %q", st.Client)
	}
}
