package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSanitizeSegment(t *testing.T) {
	valid := []string{"gmail", "daily-report", "todo_list", "Run2"}
	for _, s := range valid {
		got, err := SanitizeSegment(s)
		if err != nil || got != s {
			t.Errorf("SanitizeSegment(%q) = (%q, %v)", s, got, err)
		}
	}

	invalid := []string{"", ".", "..", "a/b", `a\b`, "a.b", "with space", "semi;colon", "../../etc"}
	for _, s := range invalid {
		if _, err := SanitizeSegment(s); !errors.Is(err, ErrBadSegment) {
			t.Errorf("SanitizeSegment(%q) accepted", s)
		}
	}
}

func TestTrigger(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-N8N-API-KEY")
		w.Write([]byte(`{"emails":[{"from":"a@example.com","subject":"hi"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "n8n-key", nil)
	out, err := c.Trigger(context.Background(), map[string]string{"action": "list"}, "gmail")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if gotPath != "/webhook/gmail" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "n8n-key" {
		t.Fatalf("api key = %q", gotKey)
	}
	// JSON responses come back pretty-printed.
	if !strings.Contains(out, "\n  \"emails\"") {
		t.Fatalf("output not formatted:\n%s", out)
	}
}

func TestTrigger_PlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("  3 tasks done today  "))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	out, err := c.Trigger(context.Background(), nil, "todo")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out != "3 tasks done today" {
		t.Fatalf("output = %q", out)
	}
}

func TestTrigger_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	out, err := c.Trigger(context.Background(), nil, "cal")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !strings.Contains(out, "no output") {
		t.Fatalf("output = %q", out)
	}
}

func TestTrigger_RejectsBadSegmentBeforeRequest(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	if _, err := c.Trigger(context.Background(), nil, "../admin"); !errors.Is(err, ErrBadSegment) {
		t.Fatalf("err = %v", err)
	}
	if requests != 0 {
		t.Fatal("request went out despite a bad segment")
	}
}

func TestTrigger_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	_, err := c.Trigger(context.Background(), nil, "ghost")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestTrigger_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Trigger(ctx, nil, "slow")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestFormatResponse(t *testing.T) {
	if got := FormatResponse([]byte(`[1,2]`)); !strings.HasPrefix(got, "[\n") {
		t.Fatalf("json array not formatted: %q", got)
	}
	if got := FormatResponse([]byte("not json {")); got != "not json {" {
		t.Fatalf("raw text altered: %q", got)
	}
}
