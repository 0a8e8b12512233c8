package httpd

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/candlekeep/aide/internal/peering"
)

// peeringEnabled guards the peer plane.
func (s *Server) peeringEnabled(w http.ResponseWriter) bool {
	if s.Peering == nil {
		writeError(w, http.StatusNotFound, "peering disabled")
		return false
	}
	return true
}

// handleAgentMessage accepts one signed envelope from a LAN peer. The
// bearer secret authenticates the transport; the envelope carries its
// own signature for the relay path.
func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	if !s.peeringEnabled(w) {
		return
	}
	if !s.bearerAuth(r) {
		writeError(w, http.StatusUnauthorized, "bad bearer token")
		return
	}

	var env peering.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad envelope")
		return
	}

	queued, err := s.Peering.HandleInbound(env)
	if err != nil {
		if errors.Is(err, peering.ErrReplay) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "queued": queued})
}

// handleAgentStatus reports this agent's idle/busy state to a peer.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if !s.peeringEnabled(w) {
		return
	}
	if !s.bearerAuth(r) {
		writeError(w, http.StatusUnauthorized, "bad bearer token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.myPeerState()})
}

// handleAgentStatusExchange is the heartbeat: the peer posts its status
// envelope and gets ours back.
func (s *Server) handleAgentStatusExchange(w http.ResponseWriter, r *http.Request) {
	if !s.peeringEnabled(w) {
		return
	}
	if !s.bearerAuth(r) {
		writeError(w, http.StatusUnauthorized, "bad bearer token")
		return
	}

	var env peering.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad envelope")
		return
	}
	if env.From != "" && env.Text != "" {
		s.Peering.Cache().Observe(env.From, env.Text, 0)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.myPeerState()})
}

func (s *Server) myPeerState() string {
	if s.Bridge.State.Idle() {
		return peering.PeerIdle
	}
	return peering.PeerBusy
}
