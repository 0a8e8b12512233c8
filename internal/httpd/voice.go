package httpd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/candlekeep/aide/internal/channels/voice"
	"github.com/candlekeep/aide/internal/router"
)

// maxVoiceUpload bounds one audio upload.
const maxVoiceUpload = 32 << 20

// voiceEnabled 404s the whole pipeline when the adapter is off.
func (s *Server) voiceEnabled(w http.ResponseWriter) bool {
	if s.Voice == nil {
		writeError(w, http.StatusNotFound, "voice disabled")
		return false
	}
	return true
}

// voiceUpload extracts the audio from a multipart or raw-body upload.
func voiceUpload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceUpload)
	filename := "audio.wav"
	if file, header, err := r.FormFile("file"); err == nil {
		if header.Filename != "" {
			filename = header.Filename
		}
		return file, filename
	}
	// Raw body upload.
	return r.Body, filename
}

// handleVoiceSTT runs speech-to-text only: audio in, transcript out.
func (s *Server) handleVoiceSTT(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	audio, filename := voiceUpload(w, r)
	defer audio.Close()
	text, err := s.Voice.TranscribeOnly(r.Context(), audio, filename)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcript": text})
}

// handleVoiceTranscribe runs the full pipeline: audio in, assistant
// reply as audio out.
func (s *Server) handleVoiceTranscribe(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	audio, filename := voiceUpload(w, r)
	defer audio.Close()
	reply, err := s.Voice.Transcribe(r.Context(), audio, filename)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrVoiceBusy):
		writeError(w, http.StatusConflict, "a voice request is already in flight")
		return
	case errors.Is(err, voice.ErrNoResponse):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Write(reply)
}

func (s *Server) handleVoiceSpeak(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "need text")
		return
	}
	audio, err := s.Voice.Speak(r.Context(), req.Text)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Write(audio)
}

func (s *Server) handleVoiceNotify(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "need text")
		return
	}
	if err := s.Voice.Notify(r.Context(), req.Text); err != nil {
		if errors.Is(err, voice.ErrNoClient) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVoiceRegister(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	var req struct {
		ID       string `json:"id"`
		Callback string `json:"callback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "need id")
		return
	}
	s.Voice.RegisterClient(req.ID, req.Callback)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "client": req.ID})
}

func (s *Server) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if !s.voiceEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.Voice.Status())
}
