package store

import (
	"context"
	"database/sql"
	"time"

	"companiond/internal/domain"
)

const globalScope = "*"

func (s *SQLiteStore) GetGlobalSettings(ctx context.Context) (*domain.ProactiveSettings, error) {
	o, found, err := s.getScope(ctx, globalScope)
	if err != nil || !found {
		return nil, err
	}
	settings := o.Apply(domain.DefaultProactiveSettings())
	return &settings, nil
}

func (s *SQLiteStore) PutGlobalSettings(ctx context.Context, st domain.ProactiveSettings) error {
	enabled, freq, start, end, gap := st.Enabled, st.FrequencyPerDay, st.WindowStart, st.WindowEnd, st.MinGap
	return s.putScope(ctx, globalScope, domain.ProactiveOverride{
		Enabled:         &enabled,
		FrequencyPerDay: &freq,
		WindowStart:     &start,
		WindowEnd:       &end,
		MinGap:          &gap,
	})
}

func (s *SQLiteStore) GetOverride(ctx context.Context, companionID string) (domain.ProactiveOverride, error) {
	o, _, err := s.getScope(ctx, companionID)
	return o, err
}

// PutOverride stores the override; a zero override removes it.
func (s *SQLiteStore) PutOverride(ctx context.Context, companionID string, o domain.ProactiveOverride) error {
	if o.IsZero() {
		_, err := s.db.ExecContext(ctx, `DELETE FROM proactive_settings WHERE scope = ?`, companionID)
		return domain.Persist("put override", err)
	}
	return s.putScope(ctx, companionID, o)
}

func (s *SQLiteStore) getScope(ctx context.Context, scope string) (domain.ProactiveOverride, bool, error) {
	var (
		o                              domain.ProactiveOverride
		enabled, freq, start, end, gap sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, frequency, window_start, window_end, min_gap_seconds
		 FROM proactive_settings WHERE scope = ?`, scope,
	).Scan(&enabled, &freq, &start, &end, &gap)
	if err == sql.ErrNoRows {
		return o, false, nil
	}
	if err != nil {
		return o, false, domain.Persist("get proactive settings", err)
	}
	if enabled.Valid {
		v := enabled.Int64 != 0
		o.Enabled = &v
	}
	if freq.Valid {
		v := int(freq.Int64)
		o.FrequencyPerDay = &v
	}
	if start.Valid {
		v := domain.ClockTime(start.Int64)
		o.WindowStart = &v
	}
	if end.Valid {
		v := domain.ClockTime(end.Int64)
		o.WindowEnd = &v
	}
	if gap.Valid {
		v := time.Duration(gap.Int64) * time.Second
		o.MinGap = &v
	}
	return o, true, nil
}

func (s *SQLiteStore) putScope(ctx context.Context, scope string, o domain.ProactiveOverride) error {
	var enabled, freq, start, end, gap any
	if o.Enabled != nil {
		enabled = boolInt(*o.Enabled)
	}
	if o.FrequencyPerDay != nil {
		freq = *o.FrequencyPerDay
	}
	if o.WindowStart != nil {
		start = int(*o.WindowStart)
	}
	if o.WindowEnd != nil {
		end = int(*o.WindowEnd)
	}
	if o.MinGap != nil {
		gap = int64(*o.MinGap / time.Second)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proactive_settings (scope, enabled, frequency, window_start, window_end, min_gap_seconds)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET
			enabled = excluded.enabled,
			frequency = excluded.frequency,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			min_gap_seconds = excluded.min_gap_seconds`,
		scope, enabled, freq, start, end, gap,
	)
	return domain.Persist("put proactive settings", err)
}

func (s *SQLiteStore) GetLastSent(ctx context.Context, companionID string) (*time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at FROM proactive_state WHERE companion_id = ?`, companionID,
	).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Persist("get last sent", err)
	}
	t := fromMillis(at)
	return &t, nil
}

// RecordProactive appends a proactive entry and moves last_sent_at to its
// timestamp in one transaction.
func (s *SQLiteStore) RecordProactive(ctx context.Context, e domain.ConversationEntry) (domain.ConversationEntry, error) {
	e.Kind = domain.KindProactive
	e.Role = domain.RoleCompanion
	e.ChannelID = ""
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, domain.Persist("record proactive", err)
	}
	defer tx.Rollback()

	saved, err := insertEntry(ctx, tx, e)
	if err != nil {
		return e, domain.Persist("record proactive", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proactive_state (companion_id, last_sent_at) VALUES (?, ?)
		 ON CONFLICT(companion_id) DO UPDATE SET last_sent_at = excluded.last_sent_at`,
		e.CompanionID, millis(e.Timestamp),
	); err != nil {
		return e, domain.Persist("record proactive", err)
	}
	if err := tx.Commit(); err != nil {
		return e, domain.Persist("record proactive", err)
	}
	return saved, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
