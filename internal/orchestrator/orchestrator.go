// Package orchestrator routes inbound Telegram messages: admission, command
// dispatch, and the agent turn pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawgate/internal/agent"
	"github.com/basket/clawgate/internal/channels"
	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/memory"
	"github.com/basket/clawgate/internal/otel"
	"github.com/basket/clawgate/internal/persistence"
	"github.com/basket/clawgate/internal/queue"
)

// AgentRunner is the slice of the agent package the orchestrator uses.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Transcriber converts a downloaded voice file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Synthesizer renders text to an ogg voice file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outDir string) (string, error)
}

// WorkflowClient triggers n8n workflows.
type WorkflowClient interface {
	Trigger(ctx context.Context, payload any, segments ...string) (string, error)
}

// ImageGenerator renders an image from a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, outDir string) (string, error)
}

// Config wires the orchestrator's dependencies.
type Config struct {
	Store       *persistence.Store
	Memory      *memory.Core
	Runner      AgentRunner
	Queue       *queue.Queue
	Transport   channels.Transport
	Env         func() map[string]string
	Transcriber Transcriber
	Synthesizer Synthesizer
	Workflows   WorkflowClient
	Images      ImageGenerator
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
	UploadsDir  string
	Restart     func()                                    // requests a graceful process restart
	Rebuild     func(ctx context.Context) (string, error) // pulls and rebuilds the binary
}

// chatState is the orchestrator's per-chat mutable state.
type chatState struct {
	voiceMode bool
	cancel    chan struct{} // open while a turn is queued or running
	lastUser  string        // most recent user prompt, for /respin
}

// Orchestrator is the message router.
type Orchestrator struct {
	store       *persistence.Store
	memory      *memory.Core
	runner      AgentRunner
	queue       *queue.Queue
	transport   channels.Transport
	env         func() map[string]string
	transcriber Transcriber
	synthesizer Synthesizer
	workflows   WorkflowClient
	images      ImageGenerator
	metrics     *otel.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	uploadsDir  string
	restart     func()
	rebuild     func(ctx context.Context) (string, error)

	startedAt time.Time

	mu    sync.Mutex
	chats map[int64]*chatState
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Orchestrator{
		store:       cfg.Store,
		memory:      cfg.Memory,
		runner:      cfg.Runner,
		queue:       cfg.Queue,
		transport:   cfg.Transport,
		env:         cfg.Env,
		transcriber: cfg.Transcriber,
		synthesizer: cfg.Synthesizer,
		workflows:   cfg.Workflows,
		images:      cfg.Images,
		metrics:     cfg.Metrics,
		tracer:      tracer,
		logger:      logger,
		uploadsDir:  cfg.UploadsDir,
		restart:     cfg.Restart,
		rebuild:     cfg.Rebuild,
		startedAt:   time.Now(),
		chats:       make(map[int64]*chatState),
	}
}

func (o *Orchestrator) config() config.Config {
	return config.FromEnv(o.env())
}

func (o *Orchestrator) state(chatID int64) *chatState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.chats[chatID]
	if !ok {
		st = &chatState{}
		o.chats[chatID] = st
	}
	return st
}

// HandleMessage is the channels.Handler entry point. It runs admission and
// hands real work to the queue, so the poll loop never blocks on a turn.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg channels.Incoming) {
	cfg := o.config()
	if !cfg.Allowed(msg.ChatID) {
		o.logger.Warn("message from unlisted chat ignored",
			"chat_id", msg.ChatID,
			"user_id", msg.UserID,
			"username", msg.Username,
		)
		return
	}

	text := strings.TrimSpace(msg.Text)

	// /cancel must work even when the chat is rate limited or its queue lane
	// is busy: it acts on the in-flight turn directly.
	if command(text) == "/cancel" {
		o.cmdCancel(ctx, msg.ChatID)
		return
	}

	// Commands only probe the window, so diagnostics stay available while a
	// burst of turns drains; turns record against it.
	isCommand := strings.HasPrefix(text, "/")
	var admitted bool
	if isCommand {
		admitted = o.queue.Probe(msg.ChatID)
	} else {
		admitted = o.queue.Allow(msg.ChatID)
	}
	if !admitted {
		if o.metrics != nil {
			o.metrics.RateLimitRejects.Add(ctx, 1)
		}
		wait := o.queue.RetryAfter(msg.ChatID)
		o.send(ctx, msg.ChatID, fmt.Sprintf("Slow down a little. Try again in %d seconds.", int(wait.Seconds())+1))
		return
	}

	if isCommand {
		o.queue.Submit(ctx, queue.ChatKey(msg.ChatID), func(ctx context.Context) {
			o.dispatchCommand(ctx, msg.ChatID, text)
		})
		return
	}

	o.queue.Submit(ctx, queue.ChatKey(msg.ChatID), func(ctx context.Context) {
		prompt, ok := o.resolveContent(ctx, msg)
		if !ok {
			return
		}
		o.runTurn(ctx, msg.ChatID, prompt, turnOptions{})
	})
}

// command returns the bare command token of a message, lowercased, with any
// @botname suffix stripped. Empty for non-commands.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	token := strings.Fields(text)[0]
	if at := strings.Index(token, "@"); at > 0 {
		token = token[:at]
	}
	return strings.ToLower(token)
}

// commandArgs returns everything after the command token, trimmed.
func commandArgs(text string) string {
	parts := strings.SplitN(text, " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// send delivers text, logging rather than propagating delivery failures.
func (o *Orchestrator) send(ctx context.Context, chatID int64, text string) {
	if err := o.transport.SendText(ctx, chatID, text); err != nil {
		o.logger.Error("failed to send reply", "chat_id", chatID, "error", err)
	}
}

func (o *Orchestrator) uptime() time.Duration {
	return time.Since(o.startedAt).Round(time.Second)
}
