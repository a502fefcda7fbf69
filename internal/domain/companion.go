package domain

import "strings"

// Companion is a persona profile as read from the companion registry.
type Companion struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	CustomName       string   `json:"custom_name,omitempty" yaml:"custom_name"`
	Gender           string   `json:"gender,omitempty" yaml:"gender"`
	Pronouns         string   `json:"pronouns,omitempty" yaml:"pronouns"`
	Personality      string   `json:"personality,omitempty" yaml:"personality"`
	Interests        []string `json:"interests,omitempty" yaml:"interests"`
	Greeting         string   `json:"greeting,omitempty" yaml:"greeting"`
	RelationshipGoal string   `json:"relationship_goal,omitempty" yaml:"relationship_goal"`
	Tone             string   `json:"tone,omitempty" yaml:"tone"`
	Background       string   `json:"background,omitempty" yaml:"background"`
	Active           bool     `json:"active" yaml:"active"`
}

// DisplayName returns the user-chosen name if set, otherwise the profile name.
func (c Companion) DisplayName() string {
	if c.CustomName != "" {
		return c.CustomName
	}
	return c.Name
}

// Style is the closed message-style class derived from the free-form tone.
func (c Companion) Style() Tone {
	return ParseTone(c.Tone)
}

// CompanionRegistry is the read-only view of companion profiles.
type CompanionRegistry interface {
	// Get returns an active companion by id.
	Get(id string) (Companion, bool)
	// List returns active companions in registry order.
	List() []Companion
	// Default returns the id of the registry's default companion, or "".
	Default() string
}

// Tone is the message style used to pick proactive templates.
type Tone string

const (
	ToneFriendly     Tone = "friendly"
	ToneAffectionate Tone = "affectionate"
	TonePlayful      Tone = "playful"
	ToneThoughtful   Tone = "thoughtful"
	ToneFlirty       Tone = "flirty"
)

// Tones lists every tone variant.
var Tones = []Tone{ToneFriendly, ToneAffectionate, TonePlayful, ToneThoughtful, ToneFlirty}

var toneAliases = map[string]Tone{
	"friendly":     ToneFriendly,
	"warm":         ToneAffectionate,
	"affectionate": ToneAffectionate,
	"caring":       ToneAffectionate,
	"playful":      TonePlayful,
	"fun":          TonePlayful,
	"cheeky":       TonePlayful,
	"thoughtful":   ToneThoughtful,
	"calm":         ToneThoughtful,
	"flirty":       ToneFlirty,
	"romantic":     ToneFlirty,
	"seductive":    ToneFlirty,
}

// ParseTone maps a profile tone such as "Warm and caring" onto a Tone.
// The first recognised word wins; anything else is friendly.
func ParseTone(s string) Tone {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	for _, w := range words {
		if t, ok := toneAliases[w]; ok {
			return t
		}
	}
	return ToneFriendly
}
