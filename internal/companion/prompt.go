package companion

import (
	"fmt"
	"strings"
	"time"

	"companiond/internal/domain"
)

// maxPromptMemories caps how many memories are inlined into the system prompt.
const maxPromptMemories = 15

// SystemPrompt renders the companion profile and known facts about the user
// into the system text sent to the completer.
func SystemPrompt(c domain.Companion, memories []domain.Memory, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s", c.DisplayName())
	if c.Pronouns != "" {
		fmt.Fprintf(&b, " (%s)", c.Pronouns)
	}
	b.WriteString(", an AI companion chatting with the user by text.\n")

	if c.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", c.Personality)
	}
	if c.Background != "" {
		fmt.Fprintf(&b, "Background: %s\n", c.Background)
	}
	if len(c.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(c.Interests, ", "))
	}
	if c.RelationshipGoal != "" {
		fmt.Fprintf(&b, "You relate to the user as: %s\n", c.RelationshipGoal)
	}
	fmt.Fprintf(&b, "Speak in a %s tone. Keep replies short and natural, like a text message.\n", c.Style())

	if len(memories) > 0 {
		b.WriteString("\nWhat you remember about the user:\n")
		for i, m := range memories {
			if i == maxPromptMemories {
				break
			}
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	if !now.IsZero() {
		fmt.Fprintf(&b, "\nCurrent time: %s\n", now.Format("Monday, January 2 2006, 15:04"))
	}
	return b.String()
}
