package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Scheduled-task states.
const (
	TaskStatusActive = "active"
	TaskStatusPaused = "paused"
)

// MaxTaskResultLen bounds last_result.
const MaxTaskResultLen = 10000

// ScheduledTask is a cron-driven prompt bound to a chat.
type ScheduledTask struct {
	ID         string
	ChatID     int64
	Prompt     string
	Schedule   string
	NextRun    int64 // unix seconds
	LastRun    int64 // unix seconds, 0 when never run
	LastResult string
	Status     string
	CreatedAt  time.Time
}

// TruncateTaskResult bounds a task result to the persisted ceiling.
func TruncateTaskResult(result string) string {
	runes := []rune(result)
	if len(runes) > MaxTaskResultLen {
		return string(runes[:MaxTaskResultLen])
	}
	return result
}

// CreateScheduledTask inserts a new active task.
func (s *Store) CreateScheduledTask(ctx context.Context, t ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, chat_id, prompt, schedule, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'));
	`, t.ID, t.ChatID, t.Prompt, t.Schedule, t.NextRun, TaskStatusActive)
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

const taskColumns = `id, chat_id, prompt, schedule, next_run, COALESCE(last_run, 0), COALESCE(last_result, ''), status, created_at`

func scanTaskRows(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.Schedule, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetScheduledTask fetches one task scoped to the chat; ErrTaskNotFound when
// missing.
func (s *Store) GetScheduledTask(ctx context.Context, chatID int64, id string) (ScheduledTask, error) {
	var t ScheduledTask
	err := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE chat_id = ? AND id = ?;
	`, chatID, id).Scan(&t.ID, &t.ChatID, &t.Prompt, &t.Schedule, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrTaskNotFound
	}
	if err != nil {
		return ScheduledTask{}, err
	}
	return t, nil
}

// ListScheduledTasks returns the chat's tasks, newest first.
func (s *Store) ListScheduledTasks(ctx context.Context, chatID int64) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE chat_id = ? ORDER BY created_at DESC;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// DueScheduledTasks returns every active task whose next_run has passed.
// Paused tasks are never returned. No limit: the sweep drains the backlog.
func (s *Store) DueScheduledTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = ? AND next_run <= ?
		ORDER BY next_run ASC;
	`, TaskStatusActive, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("due scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// RecordTaskRun writes the post-run update: last_run, bounded last_result,
// and the freshly computed next_run.
func (s *Store) RecordTaskRun(ctx context.Context, id string, ranAt time.Time, result string, nextRun int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, last_result = ?, next_run = ?
		WHERE id = ?;
	`, ranAt.Unix(), TruncateTaskResult(result), nextRun, id)
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}

// SetTaskStatus transitions a task between active and paused. Resuming also
// requires a recomputed next_run, supplied by the caller.
func (s *Store) SetTaskStatus(ctx context.Context, chatID int64, id, status string, nextRun int64) error {
	if status != TaskStatusActive && status != TaskStatusPaused {
		return fmt.Errorf("invalid task status %q", status)
	}
	var res sql.Result
	var err error
	if status == TaskStatusActive {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ?, next_run = ? WHERE chat_id = ? AND id = ?;
		`, status, nextRun, chatID, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ? WHERE chat_id = ? AND id = ?;
		`, status, chatID, id)
	}
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteScheduledTask removes a task scoped to the chat.
func (s *Store) DeleteScheduledTask(ctx context.Context, chatID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_tasks WHERE chat_id = ? AND id = ?;
	`, chatID, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ErrTaskNotFound is returned by task operations when the id does not exist
// for the chat.
var ErrTaskNotFound = errors.New("task not found")
