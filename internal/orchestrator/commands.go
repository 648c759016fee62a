package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawgate/internal/channels"
	"github.com/basket/clawgate/internal/cron"
	"github.com/basket/clawgate/internal/persistence"
	"github.com/basket/clawgate/internal/queue"
)

// rebuildTimeout bounds /rebuild; a wedged build must not hold the lane.
const rebuildTimeout = 120 * time.Second

func (o *Orchestrator) dispatchCommand(ctx context.Context, chatID int64, text string) {
	cmd := command(text)
	args := commandArgs(text)

	switch cmd {
	case "/start":
		o.cmdStart(ctx, chatID)
	case "/chatid":
		o.send(ctx, chatID, fmt.Sprintf("This chat's id is `%d`.", chatID))
	case "/newchat":
		o.cmdNewChat(ctx, chatID)
	case "/respin":
		o.cmdRespin(ctx, chatID)
	case "/voice":
		o.cmdVoice(ctx, chatID)
	case "/status":
		o.cmdStatus(ctx, chatID)
	case "/memory":
		o.cmdMemory(ctx, chatID)
	case "/forget":
		o.cmdForget(ctx, chatID, args)
	case "/cost":
		o.cmdCost(ctx, chatID, args)
	case "/schedule":
		o.cmdSchedule(ctx, chatID, args)
	case "/tasks":
		o.cmdTasks(ctx, chatID)
	case "/deltask":
		o.cmdDelTask(ctx, chatID, args)
	case "/pausetask":
		o.cmdSetTaskStatus(ctx, chatID, args, persistence.TaskStatusPaused)
	case "/resumetask":
		o.cmdSetTaskStatus(ctx, chatID, args, persistence.TaskStatusActive)
	case "/gmail":
		o.cmdWorkflow(ctx, chatID, args, "gmail")
	case "/cal":
		o.cmdWorkflow(ctx, chatID, args, "calendar")
	case "/todo":
		o.cmdWorkflow(ctx, chatID, args, "todo")
	case "/n8n":
		o.cmdCustomWorkflow(ctx, chatID, args)
	case "/img":
		o.cmdImage(ctx, chatID, args)
	case "/contacts":
		o.cmdContacts(ctx, chatID, args)
	case "/restart":
		o.cmdRestart(ctx, chatID)
	case "/rebuild":
		o.cmdRebuild(ctx, chatID)
	default:
		o.send(ctx, chatID, "Unknown command. Plain messages go straight to the agent; /status shows what else I can do.")
	}
}

func (o *Orchestrator) cmdStart(ctx context.Context, chatID int64) {
	o.send(ctx, chatID, strings.TrimSpace(`
Hi. Messages you send here run through Claude Code and come back as replies.

Useful commands:
/newchat - start a fresh conversation
/respin - redo the last answer differently
/cancel - stop the current turn
/voice - toggle voice replies
/status - service status
/memory, /forget - what I remember about this chat
/cost - token spend (1, 7 or 30 days)
/schedule, /tasks - recurring prompts
/gmail, /cal, /todo, /n8n - workflow triggers
/img - generate an image
`))
}

func (o *Orchestrator) cmdNewChat(ctx context.Context, chatID int64) {
	if err := o.store.ClearSession(ctx, chatID); err != nil {
		o.logger.Error("session clear failed", "chat_id", chatID, "error", err)
		o.send(ctx, chatID, "Could not reset the conversation, try again.")
		return
	}
	o.send(ctx, chatID, "Started a fresh conversation. Memory of this chat is kept; context is not.")
}

func (o *Orchestrator) cmdRespin(ctx context.Context, chatID int64) {
	prompt, err := o.buildRespinPrompt(ctx, chatID)
	if err != nil {
		o.send(ctx, chatID, "Nothing to respin yet - send a message first.")
		return
	}
	o.runTurn(ctx, chatID, prompt, turnOptions{respin: true})
}

// cmdCancel trips the active turn's cancel handle. Runs outside the queue
// lane on purpose.
func (o *Orchestrator) cmdCancel(ctx context.Context, chatID int64) {
	st := o.state(chatID)
	o.mu.Lock()
	cancel := st.cancel
	st.cancel = nil
	o.mu.Unlock()

	if cancel == nil {
		o.send(ctx, chatID, "Nothing is running.")
		return
	}
	close(cancel)
	o.send(ctx, chatID, "Cancelling...")
}

func (o *Orchestrator) cmdVoice(ctx context.Context, chatID int64) {
	cfg := o.config()
	if !cfg.TTSEnabled() {
		o.send(ctx, chatID, "Voice replies are not configured (missing ElevenLabs key or voice id).")
		return
	}
	st := o.state(chatID)
	o.mu.Lock()
	st.voiceMode = !st.voiceMode
	on := st.voiceMode
	o.mu.Unlock()
	if on {
		o.send(ctx, chatID, "Voice replies on.")
	} else {
		o.send(ctx, chatID, "Voice replies off.")
	}
}

func (o *Orchestrator) cmdStatus(ctx context.Context, chatID int64) {
	sessionID, _ := o.store.GetSession(ctx, chatID)
	memCount, _ := o.store.CountMemories(ctx, chatID)
	st := o.state(chatID)
	o.mu.Lock()
	voice := st.voiceMode
	o.mu.Unlock()

	session := "none"
	if sessionID != "" {
		session = sessionID
	}
	o.send(ctx, chatID, fmt.Sprintf(
		"Up %s. Session: %s. Memories: %d. Voice: %v. In flight: %d. Queued here: %d.",
		o.uptime(), session, memCount, voice, o.queue.InFlight(), o.queue.Depth(queue.ChatKey(chatID)),
	))
}

func (o *Orchestrator) cmdMemory(ctx context.Context, chatID int64) {
	memories, err := o.store.ListMemories(ctx, chatID, 15)
	if err != nil {
		o.logger.Error("memory list failed", "chat_id", chatID, "error", err)
		o.send(ctx, chatID, "Could not read memories.")
		return
	}
	if len(memories) == 0 {
		o.send(ctx, chatID, "No memories stored for this chat yet.")
		return
	}
	var b strings.Builder
	b.WriteString("What I remember (newest first):\n")
	for _, m := range memories {
		fmt.Fprintf(&b, "#%d [%s, %.2f] %s\n", m.ID, m.Sector, m.Salience, m.Content)
	}
	b.WriteString("\n/forget <id> removes one, /forget all removes everything.")
	o.send(ctx, chatID, b.String())
}

func (o *Orchestrator) cmdForget(ctx context.Context, chatID int64, args string) {
	if args == "" {
		o.send(ctx, chatID, "Usage: /forget <id> or /forget all")
		return
	}
	if strings.EqualFold(args, "all") {
		n, err := o.store.DeleteChatMemories(ctx, chatID)
		if err != nil {
			o.send(ctx, chatID, "Could not clear memories.")
			return
		}
		if o.metrics != nil {
			o.metrics.MemoriesDeleted.Add(ctx, n)
		}
		o.send(ctx, chatID, fmt.Sprintf("Forgot %d memories.", n))
		return
	}
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		o.send(ctx, chatID, "That is not a memory id. /memory lists them.")
		return
	}
	err = o.store.DeleteMemory(ctx, chatID, id)
	if errors.Is(err, sql.ErrNoRows) {
		o.send(ctx, chatID, fmt.Sprintf("No memory #%d here. /memory lists them.", id))
		return
	}
	if err != nil {
		o.send(ctx, chatID, "Could not delete that memory.")
		return
	}
	if o.metrics != nil {
		o.metrics.MemoriesDeleted.Add(ctx, 1)
	}
	o.send(ctx, chatID, fmt.Sprintf("Forgot memory #%d.", id))
}

func (o *Orchestrator) cmdCost(ctx context.Context, chatID int64, args string) {
	days := 1
	switch strings.TrimSpace(args) {
	case "", "1":
	case "7":
		days = 7
	case "30":
		days = 30
	default:
		o.send(ctx, chatID, "Usage: /cost [1|7|30]")
		return
	}
	sum, err := o.store.CostSince(ctx, chatID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		o.logger.Error("cost query failed", "chat_id", chatID, "error", err)
		o.send(ctx, chatID, "Could not read the usage ledger.")
		return
	}
	o.send(ctx, chatID, fmt.Sprintf(
		"Last %dd: %d turns, %d in / %d out tokens, $%.4f.",
		days, sum.Turns, sum.InputTokens, sum.OutputTokens, sum.CostUSD,
	))
}

func (o *Orchestrator) cmdSchedule(ctx context.Context, chatID int64, args string) {
	// Five cron fields, then the prompt.
	fields := strings.Fields(args)
	if len(fields) < 6 {
		o.send(ctx, chatID, "Usage: /schedule <m> <h> <dom> <mon> <dow> <prompt>\nExample: /schedule 0 9 * * 1-5 summarize my inbox")
		return
	}
	expr := strings.Join(fields[:5], " ")
	prompt := strings.Join(fields[5:], " ")

	if err := cron.Validate(expr); err != nil {
		o.send(ctx, chatID, fmt.Sprintf("Bad schedule %q: %v", expr, err))
		return
	}
	next, err := cron.NextRunTime(expr, time.Now())
	if err != nil {
		o.send(ctx, chatID, fmt.Sprintf("Bad schedule %q: %v", expr, err))
		return
	}

	task := persistence.ScheduledTask{
		ID:       uuid.NewString()[:8],
		ChatID:   chatID,
		Prompt:   prompt,
		Schedule: expr,
		NextRun:  next.Unix(),
	}
	if err := o.store.CreateScheduledTask(ctx, task); err != nil {
		o.logger.Error("task create failed", "chat_id", chatID, "error", err)
		o.send(ctx, chatID, "Could not save that task.")
		return
	}
	o.send(ctx, chatID, fmt.Sprintf("Task %s saved. First run %s.", task.ID, next.Format("Mon 15:04")))
}

func (o *Orchestrator) cmdTasks(ctx context.Context, chatID int64) {
	tasks, err := o.store.ListScheduledTasks(ctx, chatID)
	if err != nil {
		o.send(ctx, chatID, "Could not list tasks.")
		return
	}
	if len(tasks) == 0 {
		o.send(ctx, chatID, "No scheduled tasks. /schedule creates one.")
		return
	}
	var b strings.Builder
	b.WriteString("Scheduled tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] `%s` next %s - %s\n",
			t.ID, t.Status, t.Schedule,
			time.Unix(t.NextRun, 0).Format("Mon 15:04"),
			t.Prompt,
		)
	}
	o.send(ctx, chatID, b.String())
}

func (o *Orchestrator) cmdDelTask(ctx context.Context, chatID int64, args string) {
	if args == "" {
		o.send(ctx, chatID, "Usage: /deltask <id>")
		return
	}
	err := o.store.DeleteScheduledTask(ctx, chatID, args)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		o.send(ctx, chatID, "No such task. /tasks lists them.")
		return
	}
	if err != nil {
		o.send(ctx, chatID, "Could not delete that task.")
		return
	}
	o.send(ctx, chatID, fmt.Sprintf("Task %s deleted.", args))
}

func (o *Orchestrator) cmdSetTaskStatus(ctx context.Context, chatID int64, args, status string) {
	if args == "" {
		o.send(ctx, chatID, fmt.Sprintf("Usage: /%stask <id>", map[string]string{
			persistence.TaskStatusPaused: "pause",
			persistence.TaskStatusActive: "resume",
		}[status]))
		return
	}

	var nextRun int64
	if status == persistence.TaskStatusActive {
		task, err := o.store.GetScheduledTask(ctx, chatID, args)
		if err != nil {
			o.send(ctx, chatID, "No such task. /tasks lists them.")
			return
		}
		// Resuming recomputes from now so the task does not fire for every
		// interval it slept through.
		next, err := cron.NextRunTime(task.Schedule, time.Now())
		if err != nil {
			o.send(ctx, chatID, fmt.Sprintf("Task %s has a broken schedule: %v", args, err))
			return
		}
		nextRun = next.Unix()
	}

	err := o.store.SetTaskStatus(ctx, chatID, args, status, nextRun)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		o.send(ctx, chatID, "No such task. /tasks lists them.")
		return
	}
	if err != nil {
		o.send(ctx, chatID, "Could not update that task.")
		return
	}
	if status == persistence.TaskStatusPaused {
		o.send(ctx, chatID, fmt.Sprintf("Task %s paused.", args))
	} else {
		o.send(ctx, chatID, fmt.Sprintf("Task %s resumed, next run %s.", args, time.Unix(nextRun, 0).Format("Mon 15:04")))
	}
}

func (o *Orchestrator) cmdWorkflow(ctx context.Context, chatID int64, args, segment string) {
	if o.workflows == nil || o.config().WebhookBaseURL == "" {
		o.send(ctx, chatID, "Workflows are not configured (N8N_BASE_URL is unset).")
		return
	}
	out, err := o.workflows.Trigger(ctx, map[string]any{"chat_id": chatID, "query": args}, segment)
	if err != nil {
		o.logger.Warn("workflow trigger failed", "chat_id", chatID, "workflow", segment, "error", err)
		o.send(ctx, chatID, fmt.Sprintf("Workflow failed: %v", err))
		return
	}
	o.send(ctx, chatID, out)
}

func (o *Orchestrator) cmdCustomWorkflow(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		o.send(ctx, chatID, "Usage: /n8n <workflow> [query...]")
		return
	}
	o.cmdWorkflow(ctx, chatID, strings.Join(fields[1:], " "), fields[0])
}

func (o *Orchestrator) cmdImage(ctx context.Context, chatID int64, args string) {
	if o.images == nil || o.config().ImageAPIKey == "" {
		o.send(ctx, chatID, "Image generation is not configured (GEMINI_API_KEY is unset).")
		return
	}
	if strings.TrimSpace(args) == "" {
		o.send(ctx, chatID, "Usage: /img <prompt>")
		return
	}
	stop := o.keepTyping(ctx, chatID, channels.ActionUploadPhoto)
	path, err := o.images.Generate(ctx, args, o.uploadsDir)
	stop()
	if err != nil {
		o.send(ctx, chatID, fmt.Sprintf("Image generation failed: %v", err))
		return
	}
	// The transport sends images as documents to preserve full quality.
	o.send(ctx, chatID, fmt.Sprintf("Image saved at %s", path))
}

func (o *Orchestrator) cmdContacts(ctx context.Context, chatID int64, args string) {
	var (
		contacts []persistence.Contact
		err      error
	)
	if strings.TrimSpace(args) == "" {
		contacts, err = o.store.ListContacts(ctx, chatID, 20)
	} else {
		contacts, err = o.store.SearchContacts(ctx, chatID, args, 20)
	}
	if err != nil {
		o.logger.Error("contacts query failed", "chat_id", chatID, "error", err)
		o.send(ctx, chatID, "Could not read contacts.")
		return
	}
	if len(contacts) == 0 {
		o.send(ctx, chatID, "No matching contacts.")
		return
	}
	var b strings.Builder
	b.WriteString("Contacts:\n")
	for _, c := range contacts {
		line := c.Name
		if c.Company != "" {
			line += " (" + c.Company + ")"
		}
		if c.Email != "" {
			line += " <" + c.Email + ">"
		}
		fmt.Fprintf(&b, "#%d %s - %d interactions, last %s\n",
			c.ID, line, c.InteractionCount, c.LastContact.Format("2006-01-02"))
	}
	o.send(ctx, chatID, b.String())
}

func (o *Orchestrator) cmdRestart(ctx context.Context, chatID int64) {
	if o.restart == nil {
		o.send(ctx, chatID, "Restart is not wired up in this deployment.")
		return
	}
	o.send(ctx, chatID, "Restarting. Back in a few seconds.")
	o.restart()
}

func (o *Orchestrator) cmdRebuild(ctx context.Context, chatID int64) {
	if o.rebuild == nil {
		o.send(ctx, chatID, "Rebuild is not wired up in this deployment.")
		return
	}
	o.send(ctx, chatID, "Rebuilding...")
	rebuildCtx, cancel := context.WithTimeout(ctx, rebuildTimeout)
	defer cancel()
	out, err := o.rebuild(rebuildCtx)
	if err != nil {
		o.send(ctx, chatID, fmt.Sprintf("Rebuild failed: %v\n%s", err, tail(out, 1000)))
		return
	}
	o.send(ctx, chatID, "Rebuild done, restarting.\n"+tail(out, 1000))
	if o.restart != nil {
		o.restart()
	}
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[len(runes)-n:])
}
