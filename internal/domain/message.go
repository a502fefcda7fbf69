package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleCompanion Role = "companion"
	RoleSystem    Role = "system"
)

// EntryKind separates normal chat from command exchanges and proactive sends.
type EntryKind string

const (
	KindChat      EntryKind = "chat"
	KindCommand   EntryKind = "command"
	KindProactive EntryKind = "proactive"
)

// ConversationEntry is one line of a companion's conversation log.
// ChannelID is empty for messages from the local chat surface and for
// proactive sends.
type ConversationEntry struct {
	ID          int64     `json:"id"`
	CompanionID string    `json:"companion_id"`
	Role        Role      `json:"role"`
	Kind        EntryKind `json:"kind"`
	Text        string    `json:"text"`
	ChannelID   string    `json:"channel_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ChannelBinding associates an external channel with a companion.
type ChannelBinding struct {
	ChannelID         string    `json:"channel_id"`
	CompanionID       string    `json:"companion_id"`
	AssignedAt        time.Time `json:"assigned_at"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
}

// WebhookSubscription is a registered event subscriber.
type WebhookSubscription struct {
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Memory is a remembered fact about the user.
type Memory struct {
	ID          string    `json:"id"`
	Type        string    `json:"memory_type"`
	Content     string    `json:"content"`
	Key         string    `json:"key,omitempty"`
	Value       string    `json:"value,omitempty"`
	Importance  int       `json:"importance"`
	CompanionID string    `json:"companion_id"`
	Shared      bool      `json:"is_shared"`
	CreatedAt   time.Time `json:"created_at"`
}
