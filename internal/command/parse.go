package command

import (
	"strings"

	"companiond/internal/domain"
)

// Command names.
const (
	Switch = "switch"
	List   = "list"
	Who    = "who"
	Reset  = "reset"
	Help   = "help"
)

// Command is a recognised control command.
type Command struct {
	Name string
	Arg  string // trailing text, e.g. the companion name for switch
	Raw  string
}

var slashCommands = map[string]bool{Switch: true, List: true, Who: true, Reset: true, Help: true}

// naturalForms maps whole-message phrases to commands.
var naturalForms = map[string]string{
	"who are you":     Who,
	"help":            Help,
	"help me":         Help,
	"commands":        Help,
	"list":            List,
	"list companions": List,
	"show companions": List,
}

const switchPrefix = "switch to"

// Parse recognises a command in raw text, or returns nil for normal chat.
// Unknown slash words are not commands.
func Parse(raw string) *Command {
	text := strings.TrimSpace(raw)
	lower := strings.ToLower(text)
	if lower == "" {
		return nil
	}

	if strings.HasPrefix(lower, "/") {
		fields := strings.Fields(text)
		name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
		if !slashCommands[name] {
			return nil
		}
		arg := strings.TrimSpace(text[len(fields[0]):])
		return &Command{Name: name, Arg: arg, Raw: text}
	}

	if lower == switchPrefix || strings.HasPrefix(lower, switchPrefix+" ") {
		arg := strings.TrimSpace(text[len(switchPrefix):])
		return &Command{Name: Switch, Arg: strings.TrimRight(arg, ".!?"), Raw: text}
	}

	if name, ok := naturalForms[strings.TrimRight(lower, " .!?")]; ok {
		return &Command{Name: name, Raw: text}
	}
	return nil
}

// Match is the outcome of a name lookup for switch.
type Match struct {
	Companion  domain.Companion
	Found      bool
	Exact      bool
	Candidates []domain.Companion // every substring match, registry order
}

// Ambiguous reports whether more than one companion matched and none exactly.
func (m Match) Ambiguous() bool {
	return !m.Exact && len(m.Candidates) > 1
}

// FindCompanion matches name case-insensitively against display names.
// An exact match wins; otherwise the first substring match in registry order.
func FindCompanion(companions []domain.Companion, name string) Match {
	needle := strings.ToLower(strings.TrimSpace(name))
	var m Match
	if needle == "" {
		return m
	}
	for _, c := range companions {
		display := strings.ToLower(c.DisplayName())
		if display == needle || strings.ToLower(c.ID) == needle {
			return Match{Companion: c, Found: true, Exact: true, Candidates: []domain.Companion{c}}
		}
		if strings.Contains(display, needle) {
			m.Candidates = append(m.Candidates, c)
		}
	}
	if len(m.Candidates) > 0 {
		m.Companion = m.Candidates[0]
		m.Found = true
	}
	return m
}
