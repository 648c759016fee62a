// Package speech wraps the transcription and synthesis services the gateway
// uses for voice messages.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// requestTimeout bounds each upstream call.
const requestTimeout = 30 * time.Second

// MaxTTSChars bounds text sent for synthesis; longer replies are cut at the
// last sentence boundary inside the window.
const MaxTTSChars = 5000

// ErrUnavailable marks failures worth telling the user about in one line
// rather than surfacing raw HTTP noise.
var ErrUnavailable = errors.New("speech service unavailable")

// Defaults for the upstream endpoints, overridable for tests.
const (
	DefaultSTTEndpoint = "https://api.openai.com/v1/audio/transcriptions"
	DefaultTTSEndpoint = "https://api.elevenlabs.io/v1/text-to-speech"
	sttModel           = "whisper-1"
	ttsModel           = "eleven_multilingual_v2"
)

// Transcriber converts a downloaded voice file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Synthesizer renders text to an ogg voice file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outDir string) (string, error)
}

// STTClient calls the OpenAI transcription endpoint.
type STTClient struct {
	APIKey   string
	Endpoint string
	Logger   *slog.Logger
	client   *http.Client
}

func NewSTTClient(apiKey string, logger *slog.Logger) *STTClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &STTClient{
		APIKey:   apiKey,
		Endpoint: DefaultSTTEndpoint,
		Logger:   logger,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// Transcribe uploads the audio file as multipart form data and returns the
// recognized text.
func (c *STTClient) Transcribe(ctx context.Context, audioPath string) (string, error) {
	audio, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer audio.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if err := form.WriteField("model", sttModel); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classify("transcription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		c.Logger.Warn("transcription request failed", "status", resp.StatusCode, "detail", string(detail))
		return "", fmt.Errorf("%w: transcription returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

// TTSClient calls the ElevenLabs synthesis endpoint.
type TTSClient struct {
	APIKey   string
	VoiceID  string
	Endpoint string
	Logger   *slog.Logger
	client   *http.Client
}

func NewTTSClient(apiKey, voiceID string, logger *slog.Logger) *TTSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTSClient{
		APIKey:   apiKey,
		VoiceID:  voiceID,
		Endpoint: DefaultTTSEndpoint,
		Logger:   logger,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// Synthesize renders text into an ogg file under outDir and returns the path.
func (c *TTSClient) Synthesize(ctx context.Context, text, outDir string) (string, error) {
	text = TruncateForSpeech(text)

	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": ttsModel,
	})
	if err != nil {
		return "", fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/%s?output_format=ogg_opus", strings.TrimRight(c.Endpoint, "/"), c.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/ogg")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classify("synthesis", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		c.Logger.Warn("synthesis request failed", "status", resp.StatusCode, "detail", string(detail))
		return "", fmt.Errorf("%w: synthesis returned status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("tts-%d.ogg", time.Now().UnixMilli()))
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("write audio: %w", err)
	}
	return outPath, nil
}

// TruncateForSpeech cuts text to the synthesis ceiling, ending at the last
// sentence boundary inside the window when one exists.
func TruncateForSpeech(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxTTSChars {
		return text
	}
	window := runes[:MaxTTSChars]
	for i := len(window) - 1; i >= MaxTTSChars/2; i-- {
		switch window[i] {
		case '.', '!', '?':
			return string(window[:i+1])
		}
	}
	return string(window)
}

// classify turns a transport error into something user-reportable, keeping
// timeouts distinguishable from the rest.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out", ErrUnavailable, op)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s timed out", ErrUnavailable, op)
	}
	return fmt.Errorf("%w: %s failed: %v", ErrUnavailable, op, err)
}
