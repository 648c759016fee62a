// Package persistence owns the embedded SQLite store: schema creation,
// full-text sync triggers, and typed operations over sessions, memories,
// scheduled tasks, the conversation log, the token-usage ledger, and
// contacts. All rows are scoped by chat_id.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the process-wide SQLite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// ftsEnabled reports whether the FTS5 module is compiled into the driver
	// (build tag sqlite_fts5, see the Makefile). When false, search falls
	// back to LIKE queries.
	ftsEnabled bool
}

var (
	singletonMu sync.Mutex
	singleton   *Store
)

// Init opens the process-wide store. Subsequent Get calls return the same
// handle until Reset.
func Init(path string, logger *slog.Logger) (*Store, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}
	s, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	singleton = s
	return singleton, nil
}

// Get returns the store initialized by Init, or nil before Init.
func Get() *Store {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	return singleton
}

// Reset closes and clears the singleton. Exposed for tests and shutdown.
func Reset() error {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		return nil
	}
	err := singleton.Close()
	singleton = nil
	return err
}

// DefaultDBPath is <project>/store/clawgate.db relative to the working
// directory.
func DefaultDBPath() string {
	return filepath.Join("store", "clawgate.db")
}

// Open opens (creating if needed) the SQLite file at path, applies pragmas,
// creates the schema idempotently, and runs an integrity check. An integrity
// failure is logged at ERROR but does not prevent startup.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.checkIntegrity(ctx)
	return store, nil
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			chat_id INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			topic_key TEXT,
			content TEXT NOT NULL,
			sector TEXT NOT NULL CHECK(sector IN ('semantic', 'episodic')),
			salience REAL NOT NULL DEFAULT 1.0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			accessed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			prompt TEXT NOT NULL,
			schedule TEXT NOT NULL,
			next_run INTEGER NOT NULL,
			last_run INTEGER,
			last_result TEXT,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			session_id TEXT,
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			session_id TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			did_compact INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			company TEXT,
			role TEXT,
			notes TEXT,
			photo_path TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_contact DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			type TEXT NOT NULL CHECK(type IN ('email', 'meeting', 'call', 'note', 'other')),
			source TEXT NOT NULL DEFAULT 'manual' CHECK(source IN ('manual', 'auto')),
			summary TEXT,
			date DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(chat_id, accessed_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_prune ON memories(chat_id, salience ASC, accessed_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(chat_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_chat_time ON token_usage(chat_id, created_at DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_chat_email
			ON contacts(chat_id, email) WHERE email IS NOT NULL AND email != '';`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_chat_name
			ON contacts(chat_id, lower(name)) WHERE email IS NULL OR email = '';`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact_id, date DESC);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}

	s.initFTS(ctx)
	return nil
}

// initFTS creates the FTS5 virtual tables and their sync triggers. FTS5 is
// only compiled into mattn/go-sqlite3 under the sqlite_fts5 build tag, so a
// default build lands here without the module; search then degrades to LIKE
// queries rather than failing to open.
func (s *Store) initFTS(ctx context.Context) {
	statements := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content='memories',
			content_rowid='id'
		);`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END;`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS contacts_fts USING fts5(
			name, email, company, role, notes,
			content='contacts',
			content_rowid='id'
		);`,
		`CREATE TRIGGER IF NOT EXISTS contacts_ai AFTER INSERT ON contacts BEGIN
			INSERT INTO contacts_fts(rowid, name, email, company, role, notes)
			VALUES (new.id, new.name, new.email, new.company, new.role, new.notes);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS contacts_ad AFTER DELETE ON contacts BEGIN
			INSERT INTO contacts_fts(contacts_fts, rowid, name, email, company, role, notes)
			VALUES ('delete', old.id, old.name, old.email, old.company, old.role, old.notes);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS contacts_au AFTER UPDATE OF name, email, company, role, notes ON contacts BEGIN
			INSERT INTO contacts_fts(contacts_fts, rowid, name, email, company, role, notes)
			VALUES ('delete', old.id, old.name, old.email, old.company, old.role, old.notes);
			INSERT INTO contacts_fts(rowid, name, email, company, role, notes)
			VALUES (new.id, new.name, new.email, new.company, new.role, new.notes);
		END;`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("FTS5 unavailable, search falls back to LIKE", "error", err)
			s.ftsEnabled = false
			return
		}
	}
	s.ftsEnabled = true
}

// checkIntegrity runs PRAGMA integrity_check. Failures are logged, not fatal:
// callers see whatever subsequent queries return.
func (s *Store) checkIntegrity(ctx context.Context) {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&result); err != nil {
		s.logger.Error("integrity check failed to run", "error", err)
		return
	}
	if result != "ok" {
		s.logger.Error("integrity check reported corruption", "result", result)
	}
}

var ftsTokenFilter = regexp.MustCompile(`[^\pL\pN\s]+`)

// searchTokens extracts the searchable tokens of a raw query: keep
// letters/digits/whitespace, split on whitespace, drop tokens shorter than
// 2 runes.
func searchTokens(query string) []string {
	cleaned := ftsTokenFilter.ReplaceAllString(query, " ")
	var tokens []string
	for _, tok := range strings.Fields(cleaned) {
		if len([]rune(tok)) < 2 {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// NormalizeFTSQuery converts a raw user query into an FTS5 prefix-match
// expression: each token gets a trailing *, tokens are OR-joined so any
// match surfaces the row. An empty result means "do not touch the index".
func NormalizeFTSQuery(query string) string {
	tokens := searchTokens(query)
	for i, tok := range tokens {
		tokens[i] = tok + "*"
	}
	return strings.Join(tokens, " OR ")
}
