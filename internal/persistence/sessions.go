package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSession returns the agent session id bound to the chat, or "" when the
// chat has no binding.
func (s *Store) GetSession(ctx context.Context, chatID int64) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM sessions WHERE chat_id = ?;
	`, chatID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return sessionID, nil
}

// SetSession upserts the chat's session binding. One row per chat.
func (s *Store) SetSession(ctx context.Context, chatID int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (chat_id, session_id, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(chat_id) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = datetime('now');
	`, chatID, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// ClearSession removes the chat's session binding. Used by /newchat.
func (s *Store) ClearSession(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?;`, chatID)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
