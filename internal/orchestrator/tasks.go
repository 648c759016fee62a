package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawgate/internal/agent"
	"github.com/basket/clawgate/internal/otel"
	"github.com/basket/clawgate/internal/persistence"
	"github.com/basket/clawgate/internal/queue"
)

// taskResultLimit bounds what a scheduled run stores as its last result.
const taskResultLimit = 10_000

// RunScheduledTask executes one scheduled task. It is the scheduler's Runner:
// it queues the run in the chat's task lane, drives an agent turn with the
// task's prompt, delivers the reply to the chat, and returns the reply for
// the task's last_result column. Scheduled runs always start a fresh session
// so they never disturb the chat's live conversation.
func (o *Orchestrator) RunScheduledTask(ctx context.Context, task persistence.ScheduledTask) (string, error) {
	if o.metrics != nil {
		o.metrics.SchedulerFires.Add(ctx, 1)
	}

	type outcome struct {
		reply string
		err   error
	}
	done := make(chan outcome, 1)

	o.queue.Submit(ctx, queue.TaskKey(task.ChatID), func(ctx context.Context) {
		reply, err := o.runTaskTurn(ctx, task)
		done <- outcome{reply: reply, err: err}
	})

	select {
	case out := <-done:
		return out.reply, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) runTaskTurn(ctx context.Context, task persistence.ScheduledTask) (reply string, err error) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "scheduled_task",
		otel.AttrChatID.Int64(task.ChatID),
		otel.AttrTaskID.String(task.ID),
	)
	defer span.End()

	cfg := o.config()
	started := time.Now()

	res, err := o.runner.Run(ctx, agent.Request{
		ChatID:  task.ChatID,
		Prompt:  task.Prompt,
		Timeout: cfg.AgentTimeout,
	})
	if err != nil {
		o.send(ctx, task.ChatID, fmt.Sprintf("Scheduled task %s failed: %v", task.ID, err))
		return "", err
	}

	reply = strings.TrimSpace(res.Reply)
	if reply == "" {
		reply = "(the task produced no output)"
	}
	if runes := []rune(reply); len(runes) > taskResultLimit {
		reply = string(runes[:taskResultLimit])
	}

	o.logger.Info("scheduled task completed",
		"task_id", task.ID,
		"chat_id", task.ChatID,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	o.send(ctx, task.ChatID, reply)
	o.recordUsage(ctx, task.ChatID, res)
	return reply, nil
}
