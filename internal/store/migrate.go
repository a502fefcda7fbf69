package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations, each applied once and
// tracked in schema_version. Timestamps are unix milliseconds.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: bindings, conversation entries, proactive, webhooks, state",
		SQL: `
		CREATE TABLE IF NOT EXISTS channel_bindings (
			channel_id          TEXT PRIMARY KEY,
			companion_id        TEXT NOT NULL,
			assigned_at         INTEGER NOT NULL,
			last_interaction_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS conversation_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			companion_id TEXT NOT NULL,
			role         TEXT NOT NULL,
			kind         TEXT NOT NULL DEFAULT 'chat',
			text         TEXT NOT NULL,
			channel_id   TEXT,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_companion ON conversation_entries(companion_id, id);
		CREATE INDEX IF NOT EXISTS idx_entries_kind ON conversation_entries(companion_id, kind, created_at);

		CREATE TABLE IF NOT EXISTS proactive_settings (
			scope           TEXT PRIMARY KEY,
			enabled         INTEGER,
			frequency       INTEGER,
			window_start    INTEGER,
			window_end      INTEGER,
			min_gap_seconds INTEGER
		);

		CREATE TABLE IF NOT EXISTS proactive_state (
			companion_id TEXT PRIMARY KEY,
			last_sent_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			url           TEXT PRIMARY KEY,
			registered_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS app_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: memories, bindings by companion",
		SQL: `
		CREATE TABLE IF NOT EXISTS memories (
			id           TEXT PRIMARY KEY,
			memory_type  TEXT NOT NULL,
			content      TEXT NOT NULL,
			key          TEXT NOT NULL DEFAULT '',
			value        TEXT NOT NULL DEFAULT '',
			importance   INTEGER NOT NULL DEFAULT 3,
			companion_id TEXT NOT NULL DEFAULT '',
			is_shared    INTEGER NOT NULL DEFAULT 1,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key);
		CREATE INDEX IF NOT EXISTS idx_memories_companion ON memories(companion_id);

		CREATE INDEX IF NOT EXISTS idx_bindings_companion ON channel_bindings(companion_id);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

func splitSQL(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
