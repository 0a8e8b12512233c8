package httpd

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// logsStreamPoll is how often the websocket tail checks for new lines.
const logsStreamPoll = time.Second

// handleLogs returns the most recent log lines as plain text.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "bad n")
			return
		}
		n = parsed
	}
	w.Header().Set("Content-Type", "text/plain")
	for _, line := range s.Ring.Tail(n) {
		fmt.Fprintln(w, line)
	}
}

// handleLogsStream upgrades to a websocket and pushes new log lines as
// they arrive, one text message per line.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Error("logs stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Absorb client frames so pings and close messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lines, cursor := s.Ring.Since(0)
	ticker := time.NewTicker(logsStreamPoll)
	defer ticker.Stop()
	for {
		for _, line := range lines {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			lines, cursor = s.Ring.Since(cursor)
		}
	}
}
