package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageRow is one per-turn entry in the token ledger.
type UsageRow struct {
	ChatID       int64
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CostUSD      float64
	DidCompact   bool
}

// CostSummary aggregates ledger rows over a period.
type CostSummary struct {
	Turns        int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// SaveUsage appends a ledger row for a completed turn.
func (s *Store) SaveUsage(ctx context.Context, u UsageRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (chat_id, session_id, input_tokens, output_tokens, cache_read, cost_usd, did_compact, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, datetime('now'));
	`, u.ChatID, u.SessionID, u.InputTokens, u.OutputTokens, u.CacheRead, u.CostUSD, u.DidCompact)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// LastCacheRead returns the most recent ledger row's cache_read for the
// session, or 0 when the session has no rows.
func (s *Store) LastCacheRead(ctx context.Context, sessionID string) (int64, error) {
	var cacheRead int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_read FROM token_usage
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT 1;
	`, sessionID).Scan(&cacheRead)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last cache read: %w", err)
	}
	return cacheRead, nil
}

// CostSince sums the chat's ledger over created_at >= since.
func (s *Store) CostSince(ctx context.Context, chatID int64, since time.Time) (CostSummary, error) {
	var sum CostSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM token_usage
		WHERE chat_id = ? AND created_at >= ?;
	`, chatID, since.UTC().Format("2006-01-02 15:04:05")).Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return CostSummary{}, fmt.Errorf("cost since: %w", err)
	}
	return sum, nil
}
