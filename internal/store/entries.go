package store

import (
	"context"
	"database/sql"
	"time"

	"companiond/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, ex execer, e domain.ConversationEntry) (domain.ConversationEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Kind == "" {
		e.Kind = domain.KindChat
	}
	var channel any
	if e.ChannelID != "" {
		channel = e.ChannelID
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO conversation_entries (companion_id, role, kind, text, channel_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CompanionID, string(e.Role), string(e.Kind), e.Text, channel, millis(e.Timestamp),
	)
	if err != nil {
		return e, err
	}
	e.ID, err = res.LastInsertId()
	return e, err
}

func (s *SQLiteStore) AppendEntries(ctx context.Context, entries ...domain.ConversationEntry) ([]domain.ConversationEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Persist("append entries", err)
	}
	defer tx.Rollback()

	out := make([]domain.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		saved, err := insertEntry(ctx, tx, e)
		if err != nil {
			return nil, domain.Persist("append entries", err)
		}
		out = append(out, saved)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Persist("append entries", err)
	}
	return out, nil
}

// ListEntries returns the newest limit entries (all when limit <= 0), oldest first.
func (s *SQLiteStore) ListEntries(ctx context.Context, companionID string, limit int) ([]domain.ConversationEntry, error) {
	query := `SELECT id, companion_id, role, kind, text, COALESCE(channel_id, ''), created_at
		FROM conversation_entries WHERE companion_id = ? ORDER BY id DESC`
	args := []any{companionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persist("list entries", err)
	}
	defer rows.Close()

	var out []domain.ConversationEntry
	for rows.Next() {
		var (
			e          domain.ConversationEntry
			role, kind string
			at         int64
		)
		if err := rows.Scan(&e.ID, &e.CompanionID, &role, &kind, &e.Text, &e.ChannelID, &at); err != nil {
			return nil, domain.Persist("list entries", err)
		}
		e.Role = domain.Role(role)
		e.Kind = domain.EntryKind(kind)
		e.Timestamp = fromMillis(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Persist("list entries", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountEntries counts companion-role entries of the given kind since the instant.
func (s *SQLiteStore) CountEntries(ctx context.Context, companionID string, kind domain.EntryKind, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_entries
		 WHERE companion_id = ? AND kind = ? AND role = ? AND created_at >= ?`,
		companionID, string(kind), string(domain.RoleCompanion), millis(since),
	).Scan(&n)
	if err != nil {
		return 0, domain.Persist("count entries", err)
	}
	return n, nil
}

func (s *SQLiteStore) ClearEntries(ctx context.Context, companionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_entries WHERE companion_id = ?`, companionID)
	if err != nil {
		return 0, domain.Persist("clear entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
