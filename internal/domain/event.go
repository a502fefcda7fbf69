package domain

import "time"

// EventKind names a notification delivered to subscribers.
type EventKind string

const (
	EventTypingStarted       EventKind = "typing_started"
	EventNewMessage          EventKind = "new_message"
	EventCompanionSelected   EventKind = "companion_selected"
	EventConversationCleared EventKind = "conversation_cleared"
	EventProactiveMessage    EventKind = "proactive_message"
)

// Event is a transient notification. Data carries a fixed field set per kind;
// build events with the constructors below so subscribers see a stable shape.
type Event struct {
	Kind      EventKind      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// EventPublisher accepts events for fan-out.
type EventPublisher interface {
	Emit(ev Event)
}

// Message sources reported in new_message events.
const (
	SourceLocal    = "desktop"
	SourceSMS      = "sms"
	SourceTelegram = "telegram"
	SourceAPI      = "api"
)

func NewTypingStartedEvent(c Companion, channelID string, at time.Time) Event {
	return Event{
		Kind:      EventTypingStarted,
		Timestamp: at,
		Data: map[string]any{
			"companion_id":   c.ID,
			"companion_name": c.DisplayName(),
			"channel_id":     channelID,
		},
	}
}

func NewMessageEvent(c Companion, channelID, source, response string, at time.Time) Event {
	return Event{
		Kind:      EventNewMessage,
		Timestamp: at,
		Data: map[string]any{
			"success":  true,
			"response": response,
			"companion": map[string]any{
				"id":   c.ID,
				"name": c.DisplayName(),
			},
			"channel_id": channelID,
			"source":     source,
			"timestamp":  at.Format(time.RFC3339),
		},
	}
}

func NewCompanionSelectedEvent(c Companion, at time.Time) Event {
	return Event{
		Kind:      EventCompanionSelected,
		Timestamp: at,
		Data: map[string]any{
			"companion_id":   c.ID,
			"companion_name": c.DisplayName(),
		},
	}
}

func NewConversationClearedEvent(companionID string, at time.Time) Event {
	return Event{
		Kind:      EventConversationCleared,
		Timestamp: at,
		Data: map[string]any{
			"companion_id": companionID,
		},
	}
}

func NewProactiveMessageEvent(c Companion, message string, at time.Time) Event {
	return Event{
		Kind:      EventProactiveMessage,
		Timestamp: at,
		Data: map[string]any{
			"companion_id":   c.ID,
			"companion_name": c.DisplayName(),
			"message":        message,
			"type":           "proactive",
			"timestamp":      at.Format(time.RFC3339),
		},
	}
}
