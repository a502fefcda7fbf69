// Package store is the embedded SQLite persistence behind the binding,
// conversation, proactive, subscriber, state and memory contracts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"companiond/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements every domain persistence contract on one database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ domain.BindingStore      = (*SQLiteStore)(nil)
	_ domain.ConversationStore = (*SQLiteStore)(nil)
	_ domain.ProactiveStore    = (*SQLiteStore)(nil)
	_ domain.SubscriberStore   = (*SQLiteStore)(nil)
	_ domain.StateStore        = (*SQLiteStore)(nil)
	_ domain.MemoryStore       = (*SQLiteStore)(nil)
)

func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection: SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for status reporting.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// --- bindings ---

func (s *SQLiteStore) GetBinding(ctx context.Context, channelID string) (*domain.ChannelBinding, error) {
	var (
		b                domain.ChannelBinding
		assigned, lastAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, companion_id, assigned_at, last_interaction_at
		 FROM channel_bindings WHERE channel_id = ?`, channelID,
	).Scan(&b.ChannelID, &b.CompanionID, &assigned, &lastAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Persist("get binding", err)
	}
	b.AssignedAt = fromMillis(assigned)
	b.LastInteractionAt = fromMillis(lastAt)
	return &b, nil
}

func (s *SQLiteStore) PutBinding(ctx context.Context, b domain.ChannelBinding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_bindings (channel_id, companion_id, assigned_at, last_interaction_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			companion_id = excluded.companion_id,
			assigned_at = excluded.assigned_at,
			last_interaction_at = MAX(channel_bindings.last_interaction_at, excluded.last_interaction_at)`,
		b.ChannelID, b.CompanionID, millis(b.AssignedAt), millis(b.LastInteractionAt),
	)
	return domain.Persist("put binding", err)
}

func (s *SQLiteStore) TouchBinding(ctx context.Context, channelID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channel_bindings SET last_interaction_at = ? WHERE channel_id = ?`,
		millis(at), channelID,
	)
	return domain.Persist("touch binding", err)
}

// ListBindings returns bindings for one companion, or all when companionID is "".
func (s *SQLiteStore) ListBindings(ctx context.Context, companionID string) ([]domain.ChannelBinding, error) {
	query := `SELECT channel_id, companion_id, assigned_at, last_interaction_at FROM channel_bindings`
	var args []any
	if companionID != "" {
		query += ` WHERE companion_id = ?`
		args = append(args, companionID)
	}
	query += ` ORDER BY channel_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persist("list bindings", err)
	}
	defer rows.Close()

	var out []domain.ChannelBinding
	for rows.Next() {
		var (
			b                domain.ChannelBinding
			assigned, lastAt int64
		)
		if err := rows.Scan(&b.ChannelID, &b.CompanionID, &assigned, &lastAt); err != nil {
			return nil, domain.Persist("list bindings", err)
		}
		b.AssignedAt = fromMillis(assigned)
		b.LastInteractionAt = fromMillis(lastAt)
		out = append(out, b)
	}
	return out, domain.Persist("list bindings", rows.Err())
}

// --- subscribers ---

func (s *SQLiteStore) AddSubscriber(ctx context.Context, sub domain.WebhookSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_subscriptions (url, registered_at) VALUES (?, ?)`,
		sub.URL, millis(sub.RegisteredAt),
	)
	return domain.Persist("add subscriber", err)
}

func (s *SQLiteStore) RemoveSubscriber(ctx context.Context, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE url = ?`, url)
	if err != nil {
		return false, domain.Persist("remove subscriber", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListSubscribers(ctx context.Context) ([]domain.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, registered_at FROM webhook_subscriptions ORDER BY registered_at, url`)
	if err != nil {
		return nil, domain.Persist("list subscribers", err)
	}
	defer rows.Close()

	var out []domain.WebhookSubscription
	for rows.Next() {
		var (
			sub domain.WebhookSubscription
			at  int64
		)
		if err := rows.Scan(&sub.URL, &at); err != nil {
			return nil, domain.Persist("list subscribers", err)
		}
		sub.RegisteredAt = fromMillis(at)
		out = append(out, sub)
	}
	return out, domain.Persist("list subscribers", rows.Err())
}

// --- state ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Persist("get state", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return domain.Persist("set state", err)
}
