// Package agent drives one conversational turn through the Claude Code CLI,
// consuming its stream-json output event by event.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single agent turn unless the request overrides it.
const DefaultTimeout = 5 * time.Minute

// Sentinel errors callers branch on when formatting user-facing replies.
var (
	ErrCancelled = errors.New("agent run cancelled")
	ErrTimeout   = errors.New("agent run timed out")
)

// EventStream yields parsed events from a running query. Next returns io.EOF
// when the stream ends cleanly.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

// QueryClient starts one agent turn and returns its event stream.
type QueryClient interface {
	Start(ctx context.Context, q Query) (EventStream, error)
}

// Query is everything a client needs to launch one turn.
type Query struct {
	Prompt             string
	SessionID          string
	SystemPromptAppend string
	Env                []string // extra KEY=VALUE pairs for the subprocess only
}

// Request is one turn as the orchestrator sees it.
type Request struct {
	ChatID     int64
	Prompt     string
	SessionID  string
	Timeout    time.Duration   // overrides the runner default when positive
	Cancel     <-chan struct{} // external cancel, e.g. the /cancel command
	OnProgress func(Event)     // called for every event; panics are contained
}

// Result is the outcome of one turn.
type Result struct {
	Reply            string
	SessionID        string
	Subtype          string
	IsError          bool
	DidCompact       bool
	PreCompactTokens int64
	CostUSD          float64
	Usage            Usage
	NumTurns         int
	Duration         time.Duration
}

// Config holds the runner's dependencies.
type Config struct {
	Client             QueryClient
	Logger             *slog.Logger
	Timeout            time.Duration
	SystemPromptAppend string
	Secrets            func() []string // KEY=VALUE pairs injected per run
}

// Runner executes agent turns with a deadline and progress reporting.
type Runner struct {
	client             QueryClient
	logger             *slog.Logger
	timeout            time.Duration
	systemPromptAppend string
	secrets            func() []string
}

func NewRunner(cfg Config) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:             cfg.Client,
		logger:             logger,
		timeout:            timeout,
		systemPromptAppend: cfg.SystemPromptAppend,
		secrets:            cfg.Secrets,
	}
}

// Run executes one turn and blocks until the result event, the deadline, or
// an external cancel. A request whose Cancel channel is already closed
// returns ErrCancelled without launching the subprocess.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Cancel != nil {
		select {
		case <-req.Cancel:
			return Result{}, ErrCancelled
		default:
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	externallyCancelled := make(chan struct{})
	if req.Cancel != nil {
		go func() {
			select {
			case <-req.Cancel:
				close(externallyCancelled)
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	q := Query{
		Prompt:             req.Prompt,
		SessionID:          req.SessionID,
		SystemPromptAppend: r.systemPromptAppend,
	}
	if r.secrets != nil {
		q.Env = r.secrets()
	}

	started := time.Now()
	r.logger.Info("agent turn started",
		"chat_id", req.ChatID,
		"session_id", req.SessionID,
		"timeout", timeout,
	)

	stream, err := r.client.Start(runCtx, q)
	if err != nil {
		return Result{}, fmt.Errorf("start agent: %w", err)
	}
	defer stream.Close()

	var res Result
	res.SessionID = req.SessionID
	gotResult := false
	var lastCallCacheRead int64

	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, r.classify(runCtx, externallyCancelled, started, err)
		}

		switch {
		case ev.Type == EventSystem && ev.Subtype == SubtypeInit:
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
		case ev.Type == EventSystem && ev.Subtype == SubtypeCompactBoundary:
			res.DidCompact = true
			if ev.PreCompactTokens > 0 {
				res.PreCompactTokens = ev.PreCompactTokens
			}
		case ev.Type == EventAssistant:
			body := ev.assistant()
			if body.Usage != nil && body.Usage.CacheReadInputTokens > 0 {
				lastCallCacheRead = body.Usage.CacheReadInputTokens
			}
			if body.Error != "" {
				if terminalAssistantError(body.Error) {
					r.progress(req.OnProgress, ev)
					return res, fmt.Errorf("agent error: %s", body.Error)
				}
				r.logger.Warn("transient agent error",
					"chat_id", req.ChatID,
					"error", body.Error,
				)
			}
		case ev.Type == EventAuthStatus:
			if msg := ev.assistant().Error; msg != "" {
				r.progress(req.OnProgress, ev)
				return res, fmt.Errorf("auth: %s", msg)
			}
		case ev.Type == EventResult:
			gotResult = true
			res.Reply = ev.Result
			res.Subtype = ev.Subtype
			res.IsError = ev.IsError || resultError(ev.Subtype)
			res.CostUSD = ev.CostUSD
			res.NumTurns = ev.NumTurns
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			if ev.Usage != nil {
				res.Usage = *ev.Usage
			}
		}
		r.progress(req.OnProgress, ev)
	}
	// Some CLI builds omit cache_read on the result event; the last per-call
	// value stands in for it.
	if res.Usage.CacheReadInputTokens == 0 && lastCallCacheRead > 0 {
		res.Usage.CacheReadInputTokens = lastCallCacheRead
	}

	res.Duration = time.Since(started)
	if !gotResult {
		return res, r.classify(runCtx, externallyCancelled, started, errors.New("stream ended without a result event"))
	}

	r.logger.Info("agent turn finished",
		"chat_id", req.ChatID,
		"session_id", res.SessionID,
		"subtype", res.Subtype,
		"is_error", res.IsError,
		"cost_usd", res.CostUSD,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

// classify maps a stream failure to the sentinel the caller needs: external
// cancel wins over timeout, timeout wins over the raw error.
func (r *Runner) classify(runCtx context.Context, externallyCancelled chan struct{}, started time.Time, err error) error {
	select {
	case <-externallyCancelled:
		return ErrCancelled
	default:
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, time.Since(started).Round(time.Second))
	}
	if runCtx.Err() != nil {
		return ErrCancelled
	}
	return err
}

// progress invokes the callback, containing any panic so a misbehaving
// observer cannot kill the turn.
func (r *Runner) progress(fn func(Event), ev Event) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("progress callback panicked", "panic", rec)
		}
	}()
	fn(ev)
}
