package domain

import (
	"context"
	"time"
)

// BindingStore persists channel bindings. Get returns nil, nil when unseen.
type BindingStore interface {
	GetBinding(ctx context.Context, channelID string) (*ChannelBinding, error)
	PutBinding(ctx context.Context, b ChannelBinding) error
	TouchBinding(ctx context.Context, channelID string, at time.Time) error
	ListBindings(ctx context.Context, companionID string) ([]ChannelBinding, error)
}

// ConversationStore persists the per-companion log.
type ConversationStore interface {
	// AppendEntries writes all entries in one transaction, in order, and
	// returns them with ids assigned.
	AppendEntries(ctx context.Context, entries ...ConversationEntry) ([]ConversationEntry, error)
	// ListEntries returns the newest limit entries in insertion order.
	ListEntries(ctx context.Context, companionID string, limit int) ([]ConversationEntry, error)
	CountEntries(ctx context.Context, companionID string, kind EntryKind, since time.Time) (int, error)
	ClearEntries(ctx context.Context, companionID string) (int64, error)
}

// ProactiveStore persists proactive settings and send state.
type ProactiveStore interface {
	// GetGlobalSettings returns nil, nil when nothing is stored.
	GetGlobalSettings(ctx context.Context) (*ProactiveSettings, error)
	PutGlobalSettings(ctx context.Context, s ProactiveSettings) error
	GetOverride(ctx context.Context, companionID string) (ProactiveOverride, error)
	PutOverride(ctx context.Context, companionID string, o ProactiveOverride) error
	GetLastSent(ctx context.Context, companionID string) (*time.Time, error)
	// RecordProactive appends the entry and sets last_sent_at atomically.
	RecordProactive(ctx context.Context, entry ConversationEntry) (ConversationEntry, error)
}

// SubscriberStore persists webhook subscribers.
type SubscriberStore interface {
	AddSubscriber(ctx context.Context, sub WebhookSubscription) error
	RemoveSubscriber(ctx context.Context, url string) (bool, error)
	ListSubscribers(ctx context.Context) ([]WebhookSubscription, error)
}

// StateStore is a small key/value table for process-wide settings.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// MemoryStore persists memories about the user.
type MemoryStore interface {
	// SaveMemory inserts, or replaces the memory with the same non-empty key.
	SaveMemory(ctx context.Context, m Memory) error
	ListMemories(ctx context.Context, companionID string, limit int) ([]Memory, error)
}
