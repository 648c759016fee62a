package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/basket/clawgate/internal/adapters/imagegen"
	"github.com/basket/clawgate/internal/adapters/speech"
	"github.com/basket/clawgate/internal/adapters/webhook"
	"github.com/basket/clawgate/internal/agent"
	"github.com/basket/clawgate/internal/channels"
	"github.com/basket/clawgate/internal/config"
	"github.com/basket/clawgate/internal/cron"
	"github.com/basket/clawgate/internal/envfile"
	"github.com/basket/clawgate/internal/memory"
	"github.com/basket/clawgate/internal/orchestrator"
	otelPkg "github.com/basket/clawgate/internal/otel"
	"github.com/basket/clawgate/internal/persistence"
	"github.com/basket/clawgate/internal/queue"
	"github.com/basket/clawgate/internal/service"
	"github.com/basket/clawgate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Background maintenance cadence.
const (
	decayInterval   = 1 * time.Hour
	cleanupInterval = 6 * time.Hour
)

func main() {
	env := envfile.Load()

	cfg := config.FromEnv(env)
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG", err)
	}

	homeDir := env["CLAWGATE_HOME"]
	if homeDir == "" {
		homeDir = "."
	}

	logger, closer, err := telemetry.NewLogger(homeDir, env["LOG_LEVEL"], false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := service.AcquirePIDLock(filepath.Join(homeDir, "clawgate.pid"), logger)
	if err != nil {
		fatalStartup(logger, "E_PID_LOCK", err)
	}
	defer lock.Release()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     env["OTEL_ENABLED"] == "true",
		Exporter:    env["OTEL_EXPORTER"],
		Endpoint:    env["OTEL_ENDPOINT"],
		ServiceName: env["OTEL_SERVICE_NAME"],
		SampleRate:  parseFloat(env["OTEL_SAMPLE_RATE"]),
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Init(filepath.Join(homeDir, persistence.DefaultDBPath()), logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	uploadsDir := filepath.Join(homeDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		fatalStartup(logger, "E_UPLOADS_DIR", err)
	}

	q := queue.New(queue.DefaultMaxConcurrent, queue.DefaultRateLimit, queue.DefaultRateWindow, logger)
	mem := memory.New(store, logger)

	runner := agent.NewRunner(agent.Config{
		Client:             &agent.CLIClient{WorkDir: homeDir, Logger: logger},
		Logger:             logger,
		Timeout:            cfg.AgentTimeout,
		SystemPromptAppend: cfg.SystemPromptAppend,
		Secrets:            agentSecrets,
	})

	transport := channels.NewTelegramChannel(cfg.BotToken, uploadsDir, logger)
	if err := transport.Connect(); err != nil {
		fatalStartup(logger, "E_TELEGRAM_CONNECT", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:       store,
		Memory:      mem,
		Runner:      runner,
		Queue:       q,
		Transport:   transport,
		Env:         envfile.Load,
		Transcriber: speech.NewSTTClient(cfg.STTAPIKey, logger),
		Synthesizer: speech.NewTTSClient(cfg.TTSAPIKey, cfg.TTSVoiceID, logger),
		Workflows:   webhook.NewClient(cfg.WebhookBaseURL, cfg.WebhookAPIKey, logger),
		Images:      imagegen.NewClient(cfg.ImageAPIKey, cfg.ImageModel, logger),
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Logger:      logger,
		UploadsDir:  uploadsDir,
		Restart:     stop,
		Rebuild:     rebuildBinary,
	})

	sched := cron.NewScheduler(cron.Config{
		Store:  store,
		Logger: logger,
		Runner: orch.RunScheduledTask,
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	// Reload the env file on change so /voice, workflow keys and the
	// allow-list pick up edits without a restart. Watch blocks until ctx ends.
	go func() {
		if err := envfile.Watch(ctx, envfile.DefaultPath, logger); err != nil {
			logger.Warn("env file watcher unavailable", "error", err)
		}
	}()

	go runMaintenance(ctx, mem, metrics, uploadsDir, logger)

	go func() {
		if err := transport.Start(ctx, orch.HandleMessage); err != nil && ctx.Err() == nil {
			logger.Error("telegram channel failed", "error", err)
			stop()
		}
	}()
	logger.Info("gateway running", "allowed_chats", len(cfg.AllowedChatIDs))

	<-ctx.Done()
	logger.Info("shutdown signal received")
	// Deferred order: scheduler drains in-flight task runs, then the store
	// closes, then the pid lock releases.
}

// runMaintenance owns the periodic jobs: hourly memory decay and log pruning,
// six-hourly upload cleanup.
func runMaintenance(ctx context.Context, mem *memory.Core, metrics *otelPkg.Metrics, uploadsDir string, logger *slog.Logger) {
	decay := time.NewTicker(decayInterval)
	defer decay.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-decay.C:
			decayed, deleted := mem.RunDecay(ctx)
			if metrics != nil && deleted > 0 {
				metrics.MemoriesDeleted.Add(ctx, deleted)
			}
			if decayed > 0 || deleted > 0 {
				logger.Info("memory decay sweep", "decayed", decayed, "deleted", deleted)
			}
		case <-cleanup.C:
			if removed := service.CleanUploads(uploadsDir, logger); removed > 0 {
				logger.Info("upload cleanup", "removed", removed)
			}
		}
	}
}

// agentSecrets reads the agent credentials fresh from the env file each turn,
// so token rotation takes effect without a restart.
func agentSecrets() []string {
	var out []string
	if v := envfile.Get(config.KeyOAuthToken); v != "" {
		out = append(out, config.KeyOAuthToken+"="+v)
	}
	if v := envfile.Get(config.KeyAPIKey); v != "" {
		out = append(out, config.KeyAPIKey+"="+v)
	}
	return out
}

// rebuildBinary pulls and rebuilds the running checkout. Wired to /rebuild.
func rebuildBinary(ctx context.Context) (string, error) {
	pull := exec.CommandContext(ctx, "git", "pull", "--ff-only")
	out, err := pull.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git pull: %w", err)
	}
	build := exec.CommandContext(ctx, "go", "build", "-tags", "sqlite_fts5", "-o", "clawgate", "./cmd/clawgate")
	bout, err := build.CombinedOutput()
	if err != nil {
		return string(out) + string(bout), fmt.Errorf("go build: %w", err)
	}
	return string(out) + string(bout), nil
}

func parseFloat(raw string) float64 {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"clawgate","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
