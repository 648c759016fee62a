package envfile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadPath_BasicPairs(t *testing.T) {
	path := writeEnv(t, "TELEGRAM_BOT_TOKEN=abc\nALLOWED_CHAT_IDS=1,-2\n")
	env := LoadPath(path)
	if env["TELEGRAM_BOT_TOKEN"] != "abc" {
		t.Fatalf("token = %q", env["TELEGRAM_BOT_TOKEN"])
	}
	if env["ALLOWED_CHAT_IDS"] != "1,-2" {
		t.Fatalf("ids = %q", env["ALLOWED_CHAT_IDS"])
	}
}

func TestLoadPath_QuotedValues(t *testing.T) {
	path := writeEnv(t, "A=\"hello world\"\nB='single # not comment'\n")
	env := LoadPath(path)
	if env["A"] != "hello world" {
		t.Fatalf("A = %q", env["A"])
	}
	if env["B"] != "single # not comment" {
		t.Fatalf("B = %q", env["B"])
	}
}

func TestLoadPath_InlineComment(t *testing.T) {
	path := writeEnv(t, "TIMEOUT=300000 # five minutes\n")
	env := LoadPath(path)
	if env["TIMEOUT"] != "300000" {
		t.Fatalf("TIMEOUT = %q", env["TIMEOUT"])
	}
}

func TestLoadPath_BlankAndCommentLines(t *testing.T) {
	path := writeEnv(t, "\n# full line comment\nKEY=value\n\n")
	env := LoadPath(path)
	if len(env) != 1 || env["KEY"] != "value" {
		t.Fatalf("env = %v", env)
	}
}

func TestLoadPath_MissingFile(t *testing.T) {
	env := LoadPath(filepath.Join(t.TempDir(), "nope.env"))
	if env == nil {
		t.Fatal("expected empty map, got nil")
	}
	if len(env) != 0 {
		t.Fatalf("expected empty map, got %v", env)
	}
}

func TestLoadPath_DoesNotMutateProcessEnv(t *testing.T) {
	const key = "CLAWGATE_ENVFILE_TEST_ONLY"
	path := writeEnv(t, key+"=leaky\n")
	_ = LoadPath(path)
	if _, ok := os.LookupEnv(key); ok {
		t.Fatal("loader mutated process environment")
	}
}

func TestLoad_CachesDefaultPathUntilReset(t *testing.T) {
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(origDir); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
	Reset()
	t.Cleanup(Reset)

	if err := os.WriteFile(DefaultPath, []byte("MODE=one\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if got := Load()["MODE"]; got != "one" {
		t.Fatalf("MODE = %q", got)
	}

	// Rewrite the file; the cached map must still be served.
	if err := os.WriteFile(DefaultPath, []byte("MODE=two\n"), 0o644); err != nil {
		t.Fatalf("rewrite .env: %v", err)
	}
	if got := Load()["MODE"]; got != "one" {
		t.Fatalf("cache bypassed: MODE = %q", got)
	}

	Reset()
	if got := Load()["MODE"]; got != "two" {
		t.Fatalf("after reset MODE = %q", got)
	}
}
