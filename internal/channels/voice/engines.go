package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const (
	// engineTimeout bounds a single STT or TTS proxy request.
	engineTimeout = 30 * time.Second

	// sttTranscribeEndpoint is the path appended to the STT base URL.
	sttTranscribeEndpoint = "/transcribe_audio"

	// ttsSynthesizeEndpoint is the path appended to the TTS base URL.
	ttsSynthesizeEndpoint = "/synthesize_speech"

	// maxEngineResponse caps how much we read back from either engine.
	maxEngineResponse = 16 << 20
)

// sttResponse is the expected JSON response from the STT proxy.
type sttResponse struct {
	Transcript string `json:"transcript"`
}

// sttClient talks to the external speech-to-text service.
type sttClient struct {
	baseURL string
	http    *http.Client
}

func newSTTClient(baseURL string) *sttClient {
	return &sttClient{baseURL: baseURL, http: &http.Client{Timeout: engineTimeout}}
}

// Transcribe uploads one audio recording as multipart/form-data and
// returns the transcript text.
func (c *sttClient) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("stt: not configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	url := c.baseURL + sttTranscribeEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponse))
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return result.Transcript, nil
}

// ttsClient talks to the external text-to-speech service.
type ttsClient struct {
	baseURL string
	http    *http.Client
}

func newTTSClient(baseURL string) *ttsClient {
	return &ttsClient{baseURL: baseURL, http: &http.Client{Timeout: engineTimeout}}
}

// Synthesize renders text to audio and returns the raw audio bytes.
func (c *ttsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("tts: not configured")
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	url := c.baseURL + ttsSynthesizeEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponse))
	if err != nil {
		return nil, fmt.Errorf("tts: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: upstream returned %d: %s", resp.StatusCode, string(audio))
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts: upstream returned empty audio")
	}
	return audio, nil
}
