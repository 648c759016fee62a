package persistence

import (
	"context"
	"fmt"
	"time"
)

// ConversationEntry is one side of a turn in the chat log.
type ConversationEntry struct {
	ID        int64
	ChatID    int64
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AppendConversation appends one log row. sessionID may be empty when the
// turn ran before a session id surfaced.
func (s *Store) AppendConversation(ctx context.Context, chatID int64, sessionID, role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, session_id, role, content, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, datetime('now'));
	`, chatID, sessionID, role, content)
	if err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

// RecentConversation returns the chat's latest entries, newest first.
func (s *Store) RecentConversation(ctx context.Context, chatID int64, limit int) ([]ConversationEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, COALESCE(session_id, ''), role, content, created_at
		FROM conversations
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent conversation: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.SessionID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneConversation keeps only the chat's most recent keep rows. Returns the
// number deleted.
func (s *Store) PruneConversation(ctx context.Context, chatID int64, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE chat_id = ? AND id NOT IN (
			SELECT id FROM conversations
			WHERE chat_id = ?
			ORDER BY id DESC
			LIMIT ?
		);
	`, chatID, chatID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune conversation rows affected: %w", err)
	}
	return n, nil
}

// ConversationChatIDs lists the distinct chats holding log rows, for the
// periodic prune sweep.
func (s *Store) ConversationChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM conversations;`)
	if err != nil {
		return nil, fmt.Errorf("conversation chat ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
