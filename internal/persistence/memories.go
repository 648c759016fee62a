package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// Salience bounds and decay tuning.
const (
	MinSalience     = 0.1
	MaxSalience     = 5.0
	DecayFactor     = 0.98
	DefaultSalience = 1.0
)

// Content length ceilings per sector.
const (
	MaxEpisodicLen = 500
	MaxSemanticLen = 300
)

// Memory sectors.
const (
	SectorSemantic = "semantic"
	SectorEpisodic = "episodic"
)

// Memory is one episodic or semantic entry.
type Memory struct {
	ID         int64
	ChatID     int64
	TopicKey   string
	Content    string
	Sector     string
	Salience   float64
	CreatedAt  time.Time
	AccessedAt time.Time
}

func truncateForSector(content, sector string) string {
	limit := MaxEpisodicLen
	if sector == SectorSemantic {
		limit = MaxSemanticLen
	}
	runes := []rune(content)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return content
}

// InsertMemory stores a new memory with the default salience. Content is
// truncated to the sector's ceiling. The FTS row is maintained by trigger in
// the same statement's transaction.
func (s *Store) InsertMemory(ctx context.Context, chatID int64, topicKey, content, sector string) (int64, error) {
	if sector != SectorSemantic && sector != SectorEpisodic {
		return 0, fmt.Errorf("invalid sector %q", sector)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (chat_id, topic_key, content, sector, salience, created_at, accessed_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, datetime('now'), datetime('now'));
	`, chatID, topicKey, truncateForSector(content, sector), sector, DefaultSalience)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory insert id: %w", err)
	}
	return id, nil
}

const memoryColumns = `id, chat_id, COALESCE(topic_key, ''), content, sector, salience, created_at, accessed_at`

func scanMemoryRows(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.ChatID, &m.TopicKey, &m.Content, &m.Sector, &m.Salience, &m.CreatedAt, &m.AccessedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchMemories runs a full-text prefix query scoped to the chat, best rank
// first. An empty or fully-filtered query returns nil without touching the
// index. Without FTS5 the query degrades to OR-joined LIKE matches ranked by
// salience.
func (s *Store) SearchMemories(ctx context.Context, chatID int64, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 3
	}
	if !s.ftsEnabled {
		return s.searchMemoriesLike(ctx, chatID, query, limit)
	}
	ftsQuery := NormalizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, COALESCE(m.topic_key, ''), m.content, m.sector, m.salience, m.created_at, m.accessed_at
		FROM memories_fts f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_fts MATCH ? AND m.chat_id = ?
		ORDER BY f.rank
		LIMIT ?;
	`, ftsQuery, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func (s *Store) searchMemoriesLike(ctx context.Context, chatID int64, query string, limit int) ([]Memory, error) {
	tokens := searchTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	conds := make([]string, len(tokens))
	args := []any{chatID}
	for i, tok := range tokens {
		conds[i] = "content LIKE ?"
		args = append(args, "%"+tok+"%")
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE chat_id = ? AND (`+strings.Join(conds, " OR ")+`)
		ORDER BY salience DESC, accessed_at DESC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories (like): %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// RecentMemories returns the chat's most recently accessed memories.
func (s *Store) RecentMemories(ctx context.Context, chatID int64, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE chat_id = ?
		ORDER BY accessed_at DESC, id DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// TouchMemory bumps salience by delta (capped at MaxSalience) and refreshes
// accessed_at. Called when a memory is surfaced into context.
func (s *Store) TouchMemory(ctx context.Context, id int64, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET salience = MIN(salience + ?, ?),
			accessed_at = datetime('now')
		WHERE id = ?;
	`, delta, MaxSalience, id)
	if err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

// DeleteMemory removes one of the chat's memories; the FTS trigger removes
// the index row in the same transaction. Returns sql.ErrNoRows when the id
// does not belong to the chat.
func (s *Store) DeleteMemory(ctx context.Context, chatID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE chat_id = ? AND id = ?;`, chatID, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory delete rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountMemories returns the chat's memory count.
func (s *Store) CountMemories(ctx context.Context, chatID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM memories WHERE chat_id = ?;
	`, chatID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// ListMemories returns up to limit memories for diagnostics, most salient
// first.
func (s *Store) ListMemories(ctx context.Context, chatID int64, limit int) ([]Memory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE chat_id = ?
		ORDER BY salience DESC, accessed_at DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// PruneMemories deletes the chat's excess rows beyond keep, least salient and
// oldest-accessed first. Returns the number deleted.
func (s *Store) PruneMemories(ctx context.Context, chatID int64, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE chat_id = ?
			ORDER BY salience ASC, accessed_at ASC
			LIMIT MAX((SELECT COUNT(1) FROM memories WHERE chat_id = ?) - ?, 0)
		);
	`, chatID, chatID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// DeleteChatMemories removes every memory for the chat. Used by /forget.
func (s *Store) DeleteChatMemories(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE chat_id = ?;`, chatID)
	if err != nil {
		return 0, fmt.Errorf("delete chat memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DecayMemories applies the time-decay sweep in one transaction: every row
// older than 24 h gets salience · DecayFactor^hours_since_last_access. Rows
// falling below MinSalience are deleted; rows whose value drops materially
// (more than 0.001) are updated. Returns (decayed, deleted).
func (s *Store) DecayMemories(ctx context.Context) (decayed, deleted int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin decay tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, salience, accessed_at
		FROM memories
		WHERE created_at < datetime('now', '-24 hours');
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("select decay candidates: %w", err)
	}
	type candidate struct {
		id       int64
		salience float64
		accessed time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.salience, &c.accessed); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan decay candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("decay candidate rows: %w", err)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, c := range candidates {
		hours := now.Sub(c.accessed).Hours()
		if hours < 0 {
			hours = 0
		}
		newSalience := c.salience * math.Pow(DecayFactor, hours)
		switch {
		case newSalience < MinSalience:
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?;`, c.id); err != nil {
				return 0, 0, fmt.Errorf("decay delete: %w", err)
			}
			deleted++
		case newSalience < c.salience-0.001:
			if _, err := tx.ExecContext(ctx, `UPDATE memories SET salience = ? WHERE id = ?;`, newSalience, c.id); err != nil {
				return 0, 0, fmt.Errorf("decay update: %w", err)
			}
			decayed++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit decay tx: %w", err)
	}
	return decayed, deleted, nil
}
