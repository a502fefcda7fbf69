package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"companiond/internal/domain"
)

// SaveMemory inserts m. A memory with a key replaces any earlier memory with
// the same key and scope.
func (s *SQLiteStore) SaveMemory(ctx context.Context, m domain.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Importance <= 0 {
		m.Importance = 3
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Persist("save memory", err)
	}
	defer tx.Rollback()

	if m.Key != "" {
		scope := ""
		if !m.Shared {
			scope = m.CompanionID
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE key = ? AND
			 (CASE WHEN is_shared = 1 THEN '' ELSE companion_id END) = ?`,
			m.Key, scope,
		); err != nil {
			return domain.Persist("save memory", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, memory_type, content, key, value, importance, companion_id, is_shared, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Type, m.Content, m.Key, m.Value, m.Importance, m.CompanionID, boolInt(m.Shared), millis(m.CreatedAt),
	); err != nil {
		return domain.Persist("save memory", err)
	}
	return domain.Persist("save memory", tx.Commit())
}

// ListMemories returns shared memories plus those private to companionID
// (every memory when companionID is ""), most important and newest first.
func (s *SQLiteStore) ListMemories(ctx context.Context, companionID string, limit int) ([]domain.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, memory_type, content, key, value, importance, companion_id, is_shared, created_at
		FROM memories`
	var args []any
	if companionID != "" {
		query += ` WHERE is_shared = 1 OR companion_id = ?`
		args = append(args, companionID)
	}
	query += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persist("list memories", err)
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		var (
			m      domain.Memory
			shared int
			at     int64
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.Key, &m.Value, &m.Importance, &m.CompanionID, &shared, &at); err != nil {
			return nil, domain.Persist("list memories", err)
		}
		m.Shared = shared != 0
		m.CreatedAt = fromMillis(at)
		out = append(out, m)
	}
	return out, domain.Persist("list memories", rows.Err())
}
