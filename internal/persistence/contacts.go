package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Contact is one person known to a chat.
type Contact struct {
	ID               int64
	ChatID           int64
	Name             string
	Email            string
	Phone            string
	Company          string
	Role             string
	Notes            string
	PhotoPath        string
	Source           string
	FirstSeen        time.Time
	LastContact      time.Time
	InteractionCount int64
	UpdatedAt        time.Time
}

// Interaction is one recorded touchpoint with a contact. Deleting the contact
// cascades to its interactions.
type Interaction struct {
	ID        int64
	ChatID    int64
	ContactID int64
	Type      string
	Source    string
	Summary   string
	Date      time.Time
	CreatedAt time.Time
}

// Interaction types.
var validInteractionTypes = map[string]bool{
	"email": true, "meeting": true, "call": true, "note": true, "other": true,
}

// UpsertContact inserts or updates a contact. Identity is (chat_id, email)
// when an email is present, otherwise (chat_id, lower(name)). Updates refresh
// last_contact and bump interaction_count.
func (s *Store) UpsertContact(ctx context.Context, c Contact) (int64, error) {
	if strings.TrimSpace(c.Name) == "" {
		return 0, fmt.Errorf("contact name is required")
	}
	if c.Source == "" {
		c.Source = "manual"
	}

	existing, err := s.findContact(ctx, c.ChatID, c.Email, c.Name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO contacts (chat_id, name, email, phone, company, role, notes, photo_path, source,
				first_seen, last_contact, interaction_count, updated_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?,
				datetime('now'), datetime('now'), 1, datetime('now'));
		`, c.ChatID, c.Name, c.Email, c.Phone, c.Company, c.Role, c.Notes, c.PhotoPath, c.Source)
		if err != nil {
			return 0, fmt.Errorf("insert contact: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("contact insert id: %w", err)
		}
		return id, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE contacts SET
			name = ?,
			email = COALESCE(NULLIF(?, ''), email),
			phone = COALESCE(NULLIF(?, ''), phone),
			company = COALESCE(NULLIF(?, ''), company),
			role = COALESCE(NULLIF(?, ''), role),
			notes = COALESCE(NULLIF(?, ''), notes),
			photo_path = COALESCE(NULLIF(?, ''), photo_path),
			last_contact = datetime('now'),
			interaction_count = interaction_count + 1,
			updated_at = datetime('now')
		WHERE id = ?;
	`, c.Name, c.Email, c.Phone, c.Company, c.Role, c.Notes, c.PhotoPath, existing)
	if err != nil {
		return 0, fmt.Errorf("update contact: %w", err)
	}
	return existing, nil
}

func (s *Store) findContact(ctx context.Context, chatID int64, email, name string) (int64, error) {
	var id int64
	if email != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM contacts WHERE chat_id = ? AND email = ?;
		`, chatID, email).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("find contact by email: %w", err)
		}
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM contacts WHERE chat_id = ? AND lower(name) = lower(?);
	`, chatID, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		return 0, fmt.Errorf("find contact by name: %w", err)
	}
	return id, nil
}

const contactColumns = `id, chat_id, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(company, ''),
	COALESCE(role, ''), COALESCE(notes, ''), COALESCE(photo_path, ''), source,
	first_seen, last_contact, interaction_count, updated_at`

func scanContactRows(rows *sql.Rows) ([]Contact, error) {
	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.ChatID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.Role, &c.Notes,
			&c.PhotoPath, &c.Source, &c.FirstSeen, &c.LastContact, &c.InteractionCount, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchContacts runs a full-text query over name/email/company/role/notes
// scoped to the chat. Empty or fully-filtered queries return nil. Without
// FTS5 the query degrades to OR-joined LIKE matches over the same columns.
func (s *Store) SearchContacts(ctx context.Context, chatID int64, query string, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 10
	}
	if !s.ftsEnabled {
		return s.searchContactsLike(ctx, chatID, query, limit)
	}
	ftsQuery := NormalizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.chat_id, c.name, COALESCE(c.email, ''), COALESCE(c.phone, ''), COALESCE(c.company, ''),
			COALESCE(c.role, ''), COALESCE(c.notes, ''), COALESCE(c.photo_path, ''), c.source,
			c.first_seen, c.last_contact, c.interaction_count, c.updated_at
		FROM contacts_fts f
		JOIN contacts c ON c.id = f.rowid
		WHERE contacts_fts MATCH ? AND c.chat_id = ?
		ORDER BY f.rank
		LIMIT ?;
	`, ftsQuery, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()
	return scanContactRows(rows)
}

func (s *Store) searchContactsLike(ctx context.Context, chatID int64, query string, limit int) ([]Contact, error) {
	tokens := searchTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	const haystack = `(name || ' ' || COALESCE(email, '') || ' ' || COALESCE(company, '') || ' ' || COALESCE(role, '') || ' ' || COALESCE(notes, ''))`
	conds := make([]string, len(tokens))
	args := []any{chatID}
	for i, tok := range tokens {
		conds[i] = haystack + " LIKE ?"
		args = append(args, "%"+tok+"%")
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE chat_id = ? AND (`+strings.Join(conds, " OR ")+`)
		ORDER BY last_contact DESC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search contacts (like): %w", err)
	}
	defer rows.Close()
	return scanContactRows(rows)
}

// ListContacts returns the chat's contacts, most recently contacted first.
func (s *Store) ListContacts(ctx context.Context, chatID int64, limit int) ([]Contact, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE chat_id = ?
		ORDER BY last_contact DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()
	return scanContactRows(rows)
}

// DeleteContact removes a contact; interactions cascade.
func (s *Store) DeleteContact(ctx context.Context, chatID, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE chat_id = ? AND id = ?;`, chatID, id)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return nil
}

// AddInteraction records a touchpoint with a contact.
func (s *Store) AddInteraction(ctx context.Context, i Interaction) (int64, error) {
	if !validInteractionTypes[i.Type] {
		return 0, fmt.Errorf("invalid interaction type %q", i.Type)
	}
	if i.Source == "" {
		i.Source = "manual"
	}
	if i.Date.IsZero() {
		i.Date = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (chat_id, contact_id, type, source, summary, date, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, datetime('now'));
	`, i.ChatID, i.ContactID, i.Type, i.Source, i.Summary, i.Date.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("add interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("interaction insert id: %w", err)
	}
	return id, nil
}

// ListInteractions returns a contact's interactions, newest first.
func (s *Store) ListInteractions(ctx context.Context, contactID int64, limit int) ([]Interaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, contact_id, type, source, COALESCE(summary, ''), date, created_at
		FROM interactions
		WHERE contact_id = ?
		ORDER BY date DESC
		LIMIT ?;
	`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		if err := rows.Scan(&i.ID, &i.ChatID, &i.ContactID, &i.Type, &i.Source, &i.Summary, &i.Date, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
