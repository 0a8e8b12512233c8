package httpd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/candlekeep/aide/internal/bus"
)

// hookPayload is the LLM-runtime hook notification. Both field
// spellings appear in the wild.
type hookPayload struct {
	Event     string `json:"event"`
	HookEvent string `json:"hook_event_name"`
}

func (p hookPayload) name() string {
	if p.Event != "" {
		return p.Event
	}
	return p.HookEvent
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, updatedAt := s.Bridge.State.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":     state,
		"updatedAt": updatedAt,
		"channel":   s.Router.Channel(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"version":   s.Version,
	})
}

func (s *Server) handleStatusExtended(w http.ResponseWriter, r *http.Request) {
	state, updatedAt := s.Bridge.State.Snapshot()
	payload := map[string]any{
		"agent":      state,
		"updatedAt":  updatedAt,
		"channel":    s.Router.Channel(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"version":    s.Version,
		"session":    s.Bridge.SessionExists(),
		"transcript": s.Stream.Stats(),
		"tasks":      s.Scheduler.Snapshot(),
		"channels":   s.Channels.Status(),
	}
	if s.Peering != nil {
		payload["peering"] = map[string]any{
			"inbox": s.Peering.InboxLen(),
			"peers": s.Peering.Cache().Snapshot(),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleHookResponse drives agent state from runtime hooks and kicks
// the transcript stream. The resulting idle or busy state is broadcast
// on the bus; subscribers (the peer inbox drain) react there.
func (s *Server) handleHookResponse(w http.ResponseWriter, r *http.Request) {
	var payload hookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad hook payload")
		return
	}
	event := payload.name()
	if event == "" {
		writeError(w, http.StatusBadRequest, "missing event name")
		return
	}

	s.Bridge.State.Update(event)
	s.Stream.Kick()
	if s.Bridge.State.Idle() {
		s.Bus.Broadcast(bus.Event{Name: bus.EventAgentIdle})
	} else {
		s.Bus.Broadcast(bus.Event{Name: bus.EventAgentBusy})
	}

	state, _ := s.Bridge.State.Snapshot()
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (s *Server) handleTypingDone(w http.ResponseWriter, r *http.Request) {
	s.Router.TypingDone()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Bridge.Inject("/clear", true); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Scheduler.Snapshot())
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Scheduler.RunNow(r.Context(), name); err != nil {
		if strings.HasPrefix(err.Error(), "unknown task") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ran", "task": name})
}

// handleAgentSend lets the local admin (or the agent itself, via a
// skill) message a peer.
func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	if s.Peering == nil {
		writeError(w, http.StatusServiceUnavailable, "peering disabled")
		return
	}
	var req struct {
		To   string `json:"to"`
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "need to and text")
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}
	if err := s.Peering.Send(r.Context(), req.To, req.Type, req.Text); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
