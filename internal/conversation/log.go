// Package conversation is the per-companion, append-only conversation log.
package conversation

import (
	"context"
	"time"

	"companiond/internal/domain"
	"companiond/internal/lane"
	"companiond/internal/metrics"
)

// Log serialises appends per companion over a ConversationStore. Entries are
// ordered by insertion only.
type Log struct {
	store domain.ConversationStore
	locks *lane.Locker
	now   func() time.Time
}

func NewLog(store domain.ConversationStore, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{store: store, locks: lane.NewLocker(), now: now}
}

// Append writes entries for one companion atomically and returns them with
// ids assigned. A failure is a *domain.PersistenceError.
func (l *Log) Append(ctx context.Context, source string, entries ...domain.ConversationEntry) ([]domain.ConversationEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	companionID := entries[0].CompanionID
	for i := range entries {
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = l.now()
		}
		if entries[i].Kind == "" {
			entries[i].Kind = domain.KindChat
		}
	}

	unlock := l.locks.Lock(companionID)
	saved, err := l.store.AppendEntries(ctx, entries...)
	unlock()
	if err != nil {
		return nil, domain.Persist("append conversation", err)
	}
	for _, e := range saved {
		metrics.MessagesTotal.WithLabelValues(source, string(e.Role)).Inc()
	}
	return saved, nil
}

// History returns the newest limit entries, oldest first.
func (l *Log) History(ctx context.Context, companionID string, limit int) ([]domain.ConversationEntry, error) {
	entries, err := l.store.ListEntries(ctx, companionID, limit)
	return entries, domain.Persist("read conversation", err)
}

// ChatHistory is History without command exchanges, for the completer.
func (l *Log) ChatHistory(ctx context.Context, companionID string, limit int) ([]domain.ConversationEntry, error) {
	// Command exchanges are filtered after the read, so fetch extra.
	entries, err := l.History(ctx, companionID, limit*2)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Kind != domain.KindCommand {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ProactiveSentSince counts proactive sends since the instant.
func (l *Log) ProactiveSentSince(ctx context.Context, companionID string, since time.Time) (int, error) {
	n, err := l.store.CountEntries(ctx, companionID, domain.KindProactive, since)
	return n, domain.Persist("count proactive", err)
}

// Clear removes every entry of one companion.
func (l *Log) Clear(ctx context.Context, companionID string) (int64, error) {
	unlock := l.locks.Lock(companionID)
	defer unlock()
	n, err := l.store.ClearEntries(ctx, companionID)
	return n, domain.Persist("clear conversation", err)
}

// RecordProactive appends a proactive entry through ps, which also sets the
// companion's last_sent_at in the same transaction.
func (l *Log) RecordProactive(ctx context.Context, ps domain.ProactiveStore, entry domain.ConversationEntry) (domain.ConversationEntry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	unlock := l.locks.Lock(entry.CompanionID)
	saved, err := ps.RecordProactive(ctx, entry)
	unlock()
	if err != nil {
		return domain.ConversationEntry{}, domain.Persist("record proactive", err)
	}
	metrics.MessagesTotal.WithLabelValues("proactive", string(domain.RoleCompanion)).Inc()
	return saved, nil
}
