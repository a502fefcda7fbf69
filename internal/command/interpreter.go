// Package command answers control commands (switch, list, who, reset, help)
// locally, without calling the completer.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"companiond/internal/domain"
	"companiond/internal/metrics"
)

const (
	maxListed    = 10
	excerptRunes = 50
)

// Binder reads and changes which companion a channel talks to. The router
// supplies it so that the local chat surface (empty channel id) acts on the
// default selection while external channels act on their binding.
type Binder interface {
	Current(ctx context.Context, channelID string) (string, error)
	Rebind(ctx context.Context, channelID, companionID string) error
	Reset(ctx context.Context, channelID string) error
}

// Result is the outcome of Interpret. Handled=false means normal chat.
type Result struct {
	Handled     bool
	Reply       string
	Command     string
	CompanionID string // companion bound to the channel after the command
}

// Interpreter recognises and executes control commands.
type Interpreter struct {
	registry domain.CompanionRegistry
	binder   Binder
	logger   *slog.Logger
}

func NewInterpreter(registry domain.CompanionRegistry, binder Binder, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{registry: registry, binder: binder, logger: logger}
}

// Interpret executes raw as a command if it is one. Errors are persistence
// failures from the binder; an unknown companion is answered, not returned.
// Callers on an external channel must hold that channel's lock.
func (in *Interpreter) Interpret(ctx context.Context, channelID, raw string) (Result, error) {
	cmd := Parse(raw)
	if cmd == nil {
		return Result{}, nil
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()

	current, err := in.binder.Current(ctx, channelID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Handled: true, Command: cmd.Name, CompanionID: current}

	switch cmd.Name {
	case Switch:
		return in.switchTo(ctx, channelID, cmd.Arg, res)

	case List:
		res.Reply = in.listText(current)

	case Who:
		res.Reply = in.whoText(current)

	case Reset:
		if err := in.binder.Reset(ctx, channelID); err != nil {
			return Result{}, err
		}
		now, err := in.binder.Current(ctx, channelID)
		if err != nil {
			return Result{}, err
		}
		res.CompanionID = now
		res.Reply = fmt.Sprintf("Reset! You're back with %s.", in.nameOf(now))

	case Help:
		res.Reply = helpText()
	}
	return res, nil
}

func (in *Interpreter) switchTo(ctx context.Context, channelID, name string, res Result) (Result, error) {
	companions := in.registry.List()
	if name == "" {
		res.Reply = "Usage: /switch <name>. Available: " + joinNames(companions)
		return res, nil
	}

	m := FindCompanion(companions, name)
	if !m.Found {
		res.Reply = fmt.Sprintf("Couldn't find '%s'. Available: %s", name, joinNames(companions))
		return res, nil
	}

	if err := in.binder.Rebind(ctx, channelID, m.Companion.ID); err != nil {
		if errors.Is(err, domain.ErrCompanionNotFound) {
			res.Reply = fmt.Sprintf("Couldn't find '%s'. Available: %s", name, joinNames(companions))
			return res, nil
		}
		return Result{}, err
	}
	res.CompanionID = m.Companion.ID

	display := m.Companion.DisplayName()
	res.Reply = fmt.Sprintf("Switched to %s! I'm now %s.", display, display)
	if m.Ambiguous() {
		others := joinNames(m.Candidates[1:])
		in.logger.Warn("ambiguous companion name, using first match",
			"query", name, "chosen", m.Companion.ID, "others", others)
		res.Reply += fmt.Sprintf("\n(Also matched: %s. Use the full name to pick another.)", others)
	}
	return res, nil
}

func (in *Interpreter) listText(current string) string {
	companions := in.registry.List()
	if len(companions) == 0 {
		return "No companions available."
	}
	var b strings.Builder
	b.WriteString("Companions:\n")
	for i, c := range companions {
		if i == maxListed {
			fmt.Fprintf(&b, "... and %d more\n", len(companions)-maxListed)
			break
		}
		if c.ID == current {
			fmt.Fprintf(&b, "> %s (current)\n", c.DisplayName())
		} else {
			fmt.Fprintf(&b, "  %s\n", c.DisplayName())
		}
	}
	b.WriteString("Text '/switch <name>' to change.")
	return b.String()
}

func (in *Interpreter) whoText(current string) string {
	c, ok := in.registry.Get(current)
	if !ok {
		return "I'm not sure who I am right now. Text '/list' to pick a companion."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You're talking to %s!", c.DisplayName())
	if c.Tone != "" {
		fmt.Fprintf(&b, "\nTone: %s", c.Tone)
	}
	if c.Personality != "" {
		fmt.Fprintf(&b, "\nPersonality: %s", excerpt(c.Personality, excerptRunes))
	}
	return b.String()
}

func (in *Interpreter) nameOf(id string) string {
	if c, ok := in.registry.Get(id); ok {
		return c.DisplayName()
	}
	return id
}

func helpText() string {
	return `Commands:
/switch <name> - talk to another companion
/list - show companions
/who - who am I talking to?
/reset - go back to the default companion
/help - show this message`
}

func joinNames(companions []domain.Companion) string {
	names := make([]string, 0, len(companions))
	for _, c := range companions {
		names = append(names, c.DisplayName())
	}
	return strings.Join(names, ", ")
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
