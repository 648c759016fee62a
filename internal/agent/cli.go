package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// DefaultCommand is the Claude Code CLI binary resolved from PATH.
const DefaultCommand = "claude"

// maxEventLine bounds a single NDJSON line. Tool-heavy turns can emit large
// assistant events.
const maxEventLine = 10 * 1024 * 1024

// CLIClient launches the Claude Code CLI in print mode and parses its
// stream-json output.
type CLIClient struct {
	Command string // binary name or path; DefaultCommand when empty
	WorkDir string // subprocess working directory; inherited when empty
	Logger  *slog.Logger
}

func (c *CLIClient) command() string {
	if c.Command != "" {
		return c.Command
	}
	return DefaultCommand
}

func (c *CLIClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Start launches one turn. Secrets arrive through q.Env and are appended to
// the subprocess environment only, never to this process.
func (c *CLIClient) Start(ctx context.Context, q Query) (EventStream, error) {
	args := []string{"-p", q.Prompt, "--output-format", "stream-json", "--verbose"}
	if q.SessionID != "" {
		args = append(args, "--resume", q.SessionID)
	}
	if q.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", q.SystemPromptAppend)
	}

	cmd := exec.CommandContext(ctx, c.command(), args...)
	cmd.Dir = c.WorkDir
	cmd.Env = append(os.Environ(), q.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", c.command(), err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	return &cliStream{
		cmd:     cmd,
		scanner: scanner,
		stderr:  &stderr,
		logger:  c.logger(),
	}, nil
}

// cliStream reads NDJSON events from the subprocess stdout.
type cliStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	logger  *slog.Logger
	waited  bool
}

// Next returns the next parsed event. Unparseable lines are skipped. When
// stdout drains, the subprocess exit status decides between io.EOF and an
// error carrying the stderr tail.
func (s *cliStream) Next() (Event, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Debug("skipping unparseable stream line", "error", err)
			continue
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		s.wait()
		return Event{}, fmt.Errorf("read agent stream: %w", err)
	}
	if err := s.wait(); err != nil {
		return Event{}, fmt.Errorf("agent exited: %w%s", err, stderrTail(s.stderr))
	}
	return Event{}, io.EOF
}

// Close reaps the subprocess. Safe after Next has already seen it exit.
func (s *cliStream) Close() error {
	if s.cmd.Process != nil && !s.waited {
		_ = s.cmd.Process.Kill()
	}
	return s.wait()
}

func (s *cliStream) wait() error {
	if s.waited {
		return nil
	}
	s.waited = true
	return s.cmd.Wait()
}

// stderrTail formats the last chunk of stderr for error context.
func stderrTail(buf *bytes.Buffer) string {
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return ""
	}
	const max = 500
	if len(text) > max {
		text = text[len(text)-max:]
	}
	return ": " + text
}
