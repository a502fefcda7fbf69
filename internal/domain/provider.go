package domain

import (
	"context"
	"time"
)

// CompletionRequest is everything a provider needs to answer as a companion.
type CompletionRequest struct {
	Companion Companion
	History   []ConversationEntry
	Memories  []Memory
	// Instruction, when set, replaces the reply-to-user framing, e.g. for
	// proactive messages.
	Instruction string
	Now         time.Time
}

// Completer produces a companion reply. Failures are returned as *ProviderError.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Name() string
}
