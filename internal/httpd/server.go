// Package httpd is the daemon's HTTP front end: health and status,
// LLM-runtime hooks, the voice pipeline, the peer plane, and the
// local-only admin surface.
package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/channels"
	"github.com/candlekeep/aide/internal/channels/voice"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/logging"
	"github.com/candlekeep/aide/internal/peering"
	"github.com/candlekeep/aide/internal/router"
	"github.com/candlekeep/aide/internal/scheduler"
	"github.com/candlekeep/aide/internal/tmux"
	"github.com/candlekeep/aide/internal/transcript"
)

const (
	// bindRetries and bindBackoff survive a restart racing the old
	// process for the port.
	bindRetries = 3
	bindBackoff = time.Second

	// defaultExternalHeader marks requests arriving via the tunnel.
	defaultExternalHeader = "X-External-Request"
)

// Deps bundles the modules the front end serves. Voice and Peering may
// be nil when the corresponding feature is disabled.
type Deps struct {
	Cfg       *config.Config
	Bridge    *tmux.Bridge
	Bus       *bus.MessageBus
	Stream    *transcript.Stream
	Router    *router.Router
	Voice     *voice.Channel
	Peering   *peering.Manager
	Scheduler *scheduler.Scheduler
	Channels  *channels.Manager
	Ring      *logging.Ring
	Secret    string // bearer secret for the peer plane
	Version   string
	Log       *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	Deps
	started  time.Time
	external string
	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates the server. Routes are registered lazily by BuildMux.
func New(d Deps) *Server {
	external := d.Cfg.Daemon.ExternalHeader
	if external == "" {
		external = defaultExternalHeader
	}
	return &Server{
		Deps:     d,
		started:  time.Now(),
		external: external,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /hook/response", s.handleHookResponse)
	mux.HandleFunc("POST /typing-done", s.handleTypingDone)

	// Voice pipeline.
	mux.HandleFunc("POST /voice/stt", s.handleVoiceSTT)
	mux.HandleFunc("POST /voice/transcribe", s.handleVoiceTranscribe)
	mux.HandleFunc("POST /voice/speak", s.handleVoiceSpeak)
	mux.HandleFunc("POST /voice/notify", s.handleVoiceNotify)
	mux.HandleFunc("POST /voice/register", s.handleVoiceRegister)
	mux.HandleFunc("GET /voice/status", s.handleVoiceStatus)

	// Peer plane, bearer-authenticated.
	mux.HandleFunc("POST /agent/message", s.handleAgentMessage)
	mux.HandleFunc("GET /agent/status", s.handleAgentStatus)
	mux.HandleFunc("POST /agent/status", s.handleAgentStatusExchange)
	mux.HandleFunc("POST /agent/memory-sync", s.handleAgentMessage)
	mux.HandleFunc("POST /agent/p2p", s.handleAgentMessage)

	// Local-only admin surface.
	mux.HandleFunc("GET /status/extended", s.localOnly(s.handleStatusExtended))
	mux.HandleFunc("POST /agent/send", s.localOnly(s.handleAgentSend))
	mux.HandleFunc("GET /tasks", s.localOnly(s.handleTasks))
	mux.HandleFunc("POST /tasks/{name}/run", s.localOnly(s.handleTaskRun))
	mux.HandleFunc("GET /logs", s.localOnly(s.handleLogs))
	mux.HandleFunc("GET /logs/stream", s.localOnly(s.handleLogsStream))
	mux.HandleFunc("POST /session/clear", s.localOnly(s.handleSessionClear))

	s.mux = mux
	return mux
}

// Start binds the port (with retries) and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf(":%d", s.Cfg.Daemon.Port)

	var listener net.Listener
	var err error
	for attempt := 1; attempt <= bindRetries; attempt++ {
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		s.Log.Warn("port bind failed, retrying", "addr", addr, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bindBackoff):
		}
	}
	if err != nil {
		return fmt.Errorf("bind %s after %d attempts: %w", addr, bindRetries, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	s.Log.Info("http front end listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
		return fmt.Errorf("http front end: %w", err)
	}
	return nil
}

// localOnly rejects requests that arrived through the external tunnel,
// identified by the reverse-proxy-injected header. The route is hidden,
// not forbidden: 404 either way.
func (s *Server) localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(s.external) != "" {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}
}

// bearerAuth verifies the peer-plane shared secret.
func (s *Server) bearerAuth(r *http.Request) bool {
	return s.Secret != "" && r.Header.Get("Authorization") == "Bearer "+s.Secret
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
