// Package webhook triggers n8n workflows on behalf of chat commands.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// requestTimeout bounds each workflow trigger.
const requestTimeout = 30 * time.Second

// maxResponseBytes bounds how much of a workflow response is relayed back to
// the chat.
const maxResponseBytes = 64 * 1024

// Classified failures for user-facing replies.
var (
	ErrTimeout     = errors.New("webhook timed out")
	ErrUnavailable = errors.New("webhook unavailable")
	ErrBadSegment  = errors.New("invalid webhook path segment")
)

// segmentPattern is the only shape a caller-supplied path segment may take.
// Everything else is rejected before it can touch the URL.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Client calls n8n webhook endpoints.
type Client struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
	client  *http.Client
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Logger:  logger,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// SanitizeSegment validates one path segment of a webhook route. Dot
// sequences and separators never pass, so a crafted command cannot walk the
// URL space.
func SanitizeSegment(segment string) (string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" || segment == "." || segment == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadSegment, segment)
	}
	if strings.ContainsAny(segment, "/\\.") || !segmentPattern.MatchString(segment) {
		return "", fmt.Errorf("%w: %q", ErrBadSegment, segment)
	}
	return segment, nil
}

// Trigger POSTs payload to webhook/<segment...> and returns the response
// formatted for the chat. Segments are validated before use.
func (c *Client) Trigger(ctx context.Context, payload any, segments ...string) (string, error) {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, "webhook")
	for _, s := range segments {
		clean, err := SanitizeSegment(s)
		if err != nil {
			return "", err
		}
		parts = append(parts, clean)
	}
	url := c.BaseURL + "/" + strings.Join(parts, "/")

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-N8N-API-KEY", c.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	// The body can only be read once: capture it, then decide how to render.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.Logger.Warn("webhook returned error status", "url", url, "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return FormatResponse(raw), nil
}

// FormatResponse renders a workflow response for the chat: pretty JSON when
// the body parses, trimmed raw text otherwise, a placeholder when empty.
func FormatResponse(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "(workflow completed with no output)"
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return text
	}
	pretty, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return text
	}
	return string(pretty)
}
