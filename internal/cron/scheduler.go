// Package cron polls the scheduled-task table and runs each due task's
// prompt through the gateway's agent pipeline.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawgate/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// overdueThreshold is how far past next_run a task can be before the sweep
// calls it out. Tasks still run however late they are.
const overdueThreshold = 5 * time.Minute

// Runner executes one task's prompt and returns the agent's reply. It blocks
// until the run finishes; the scheduler records the outcome afterwards.
type Runner func(ctx context.Context, task persistence.ScheduledTask) (string, error)

// Config holds the dependencies for the task scheduler.
type Config struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Runner   Runner
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due tasks and runs each one.
type Scheduler struct {
	store    *persistence.Store
	logger   *slog.Logger
	runner   Runner
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		runner:   cfg.Runner,
		interval: interval,
		running:  make(map[string]bool),
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("task scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it and any in-flight task
// runs to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

// loop is the main scheduler loop. It sweeps once at startup, then on each
// tick.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due tasks and fires each one. A task already running from
// an earlier tick is skipped; its next_run only moves once it completes.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueScheduledTasks(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due tasks", "error", err)
		return
	}
	for _, task := range due {
		s.mu.Lock()
		if s.running[task.ID] {
			s.mu.Unlock()
			continue
		}
		s.running[task.ID] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.fire(ctx, task, now)
	}
}

// fire runs one due task and records the outcome: last_run, the bounded
// result or error text, and the next_run computed from the schedule after the
// run completed.
func (s *Scheduler) fire(ctx context.Context, task persistence.ScheduledTask, now time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	if overdue := now.Sub(time.Unix(task.NextRun, 0)); overdue > overdueThreshold {
		s.logger.Info("cron: task overdue",
			"task_id", task.ID,
			"chat_id", task.ChatID,
			"overdue", overdue.Round(time.Second),
		)
	}

	result, err := s.runner(ctx, task)
	if err != nil {
		s.logger.Error("cron: task run failed",
			"task_id", task.ID,
			"chat_id", task.ChatID,
			"error", err,
		)
		result = "ERROR: " + err.Error()
	}

	// Next run is computed from completion time, not from the scheduled slot,
	// so a slow run never queues an immediate re-fire.
	completed := time.Now()
	nextRun, err := NextRunTime(task.Schedule, completed)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"task_id", task.ID,
			"schedule", task.Schedule,
			"error", err,
		)
		return
	}

	if err := s.store.RecordTaskRun(ctx, task.ID, completed, result, nextRun.Unix()); err != nil {
		s.logger.Error("cron: failed to record task run",
			"task_id", task.ID,
			"error", err,
		)
		return
	}

	s.logger.Info("cron: task fired",
		"task_id", task.ID,
		"chat_id", task.ChatID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether the cron expression parses.
func Validate(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	return err
}
