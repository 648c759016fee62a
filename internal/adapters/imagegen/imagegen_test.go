package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func imageResponse(mime string) string {
	data := base64.StdEncoding.EncodeToString([]byte("fake image bytes"))
	return fmt.Sprintf(`{"candidates":[{"finishReason":"STOP","content":{"parts":[
		{"inlineData":{"mimeType":%q,"data":%q}}]}}]}`, mime, data)
}

func TestGenerate(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		w.Write([]byte(imageResponse("image/png")))
	}))
	defer srv.Close()

	c := NewClient("gm-key", "", nil)
	c.Endpoint = srv.URL

	path, err := c.Generate(context.Background(), "a lighthouse at dusk", t.TempDir())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasSuffix(path, ".png") {
		t.Fatalf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if string(data) != "fake image bytes" {
		t.Fatalf("image content = %q", data)
	}
	if !strings.Contains(gotPath, DefaultModel) {
		t.Fatalf("request path = %q", gotPath)
	}
	if gotKey != "gm-key" {
		t.Fatalf("key param = %q", gotKey)
	}
}

func TestGenerate_JpegExtension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(imageResponse("image/jpeg")))
	}))
	defer srv.Close()

	c := NewClient("k", "", nil)
	c.Endpoint = srv.URL

	path, err := c.Generate(context.Background(), "a red bicycle", t.TempDir())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasSuffix(path, ".jpg") {
		t.Fatalf("path = %q", path)
	}
}

func TestGenerate_PromptTooLongRejectedOffline(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	c := NewClient("k", "", nil)
	c.Endpoint = srv.URL

	_, err := c.Generate(context.Background(), strings.Repeat("x", MaxPromptChars+1), t.TempDir())
	if !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("err = %v", err)
	}
	if requests != 0 {
		t.Fatal("oversized prompt reached the network")
	}
}

func TestGenerate_SafetyBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	c := NewClient("k", "", nil)
	c.Endpoint = srv.URL

	_, err := c.Generate(context.Background(), "something disallowed", t.TempDir())
	if !errors.Is(err, ErrSafetyBlocked) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerate_SafetyFinishReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"finishReason":"SAFETY","content":{"parts":[]}}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", "", nil)
	c.Endpoint = srv.URL

	_, err := c.Generate(context.Background(), "borderline prompt", t.TempDir())
	if !errors.Is(err, ErrSafetyBlocked) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("k", "", nil)
	c.Endpoint = srv.URL

	_, err := c.Generate(context.Background(), "a calm lake", t.TempDir())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerate_NoImageInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"finishReason":"STOP","content":{"parts":[{"text":"sorry"}]}}]}`))
	}))
	defer srv.Close()

	c := NewClient("k", "", nil)
	c.Endpoint = srv.URL

	_, err := c.Generate(context.Background(), "a forest", t.TempDir())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestGenerate_TransportErrorRedactsKey(t *testing.T) {
	c := NewClient("super-secret-key", "", nil)
	c.Endpoint = "http://127.0.0.1:1" // connection refused

	_, err := c.Generate(context.Background(), "a boat", t.TempDir())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "super-secret-key") {
		t.Fatalf("api key leaked into error: %v", err)
	}
}
