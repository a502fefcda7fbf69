package provider

import (
	"strings"

	"companiond/internal/companion"
	"companiond/internal/domain"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

type turn struct {
	Role    string
	Content string
}

// systemText renders the companion persona for req.
func systemText(req domain.CompletionRequest) string {
	return companion.SystemPrompt(req.Companion, req.Memories, req.Now)
}

// buildTurns maps the conversation log to alternating user/assistant turns.
// Command exchanges and system lines are not part of the chat. Consecutive
// lines from the same side are merged, and the sequence always starts with
// a user turn. A non-empty Instruction is appended as the final user turn.
func buildTurns(req domain.CompletionRequest) []turn {
	var turns []turn
	add := func(role, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n" + text
			return
		}
		turns = append(turns, turn{Role: role, Content: text})
	}

	for _, e := range req.History {
		if e.Kind == domain.KindCommand {
			continue
		}
		switch e.Role {
		case domain.RoleUser:
			add(roleUser, e.Text)
		case domain.RoleCompanion:
			if len(turns) == 0 {
				continue
			}
			add(roleAssistant, e.Text)
		}
	}
	if req.Instruction != "" {
		add(roleUser, req.Instruction)
	}
	return turns
}
