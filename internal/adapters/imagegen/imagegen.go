// Package imagegen renders images from chat prompts through the Gemini API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/clawgate/internal/shared"
)

// requestTimeout bounds each generation call.
const requestTimeout = 30 * time.Second

// MaxPromptChars is rejected locally, before any network traffic.
const MaxPromptChars = 2000

// DefaultModel when the env leaves GEMINI_IMAGE_MODEL unset.
const DefaultModel = "gemini-2.0-flash-exp-image-generation"

// DefaultEndpoint is the generativelanguage API root, overridable for tests.
const DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Classified failures so the orchestrator can word the reply.
var (
	ErrPromptTooLong = errors.New("image prompt too long")
	ErrSafetyBlocked = errors.New("image prompt blocked by safety filters")
	ErrRateLimited   = errors.New("image generation rate limited")
	ErrUnavailable   = errors.New("image generation unavailable")
)

// Client calls the Gemini image generation endpoint.
type Client struct {
	APIKey   string
	Model    string
	Endpoint string
	Logger   *slog.Logger
	client   *http.Client
}

func NewClient(apiKey, model string, logger *slog.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		APIKey:   apiKey,
		Model:    model,
		Endpoint: DefaultEndpoint,
		Logger:   logger,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

type promptPart struct {
	Text string `json:"text"`
}

type promptContent struct {
	Parts []promptPart `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type generateRequest struct {
	Contents         []promptContent  `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		FinishReason string `json:"finishReason"`
		Content      struct {
			Parts []struct {
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Generate renders one image and writes it under outDir, returning the local
// path. Prompt length is enforced before the request leaves the process.
func (c *Client) Generate(ctx context.Context, prompt, outDir string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if len([]rune(prompt)) > MaxPromptChars {
		return "", fmt.Errorf("%w: %d characters (limit %d)", ErrPromptTooLong, len([]rune(prompt)), MaxPromptChars)
	}
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrPromptTooLong)
	}

	payload, err := json.Marshal(generateRequest{
		Contents:         []promptContent{{Parts: []promptPart{{Text: prompt}}}},
		GenerationConfig: generationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", strings.TrimRight(c.Endpoint, "/"), c.Model, c.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: timed out", ErrUnavailable)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, c.redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		c.Logger.Warn("image generation failed", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: %s", ErrSafetyBlocked, parsed.PromptFeedback.BlockReason)
	}

	for _, cand := range parsed.Candidates {
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			return "", fmt.Errorf("%w: %s", ErrSafetyBlocked, cand.FinishReason)
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			return c.saveImage(part.InlineData.MimeType, part.InlineData.Data, outDir)
		}
	}
	return "", fmt.Errorf("%w: response carried no image", ErrUnavailable)
}

func (c *Client) saveImage(mimeType, data, outDir string) (string, error) {
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	ext := ".png"
	if strings.Contains(mimeType, "jpeg") {
		ext = ".jpg"
	}
	path := filepath.Join(outDir, fmt.Sprintf("img-%d%s", time.Now().UnixMilli(), ext))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

// redact strips the API key from transport errors, which embed the full URL.
func (c *Client) redact(err error) error {
	if c.APIKey == "" {
		return err
	}
	return errors.New(shared.RedactValue(err.Error(), c.APIKey))
}
