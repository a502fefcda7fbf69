package proactive

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"companiond/internal/domain"
)

// templates holds the unprompted openers for each tone. Every Tone has a non-empty list.
var templates = map[domain.Tone][]string{
	domain.ToneFriendly: {
		"Hey! I was just thinking about you. How's your day going?",
		"Hope you're having a great day! 💙",
		"Just wanted to say hi! What are you up to?",
		"I missed you! How have you been?",
		"Thinking of you! Want to chat?",
		"Hey! 🌟 How's everything going?",
		"Just crossed my mind - how are you doing?",
		"Sending you some good vibes today!",
	},
	domain.ToneAffectionate: {
		"I was just thinking about you and wanted to say hello 💕",
		"You've been on my mind all day. How are you?",
		"I really miss talking to you! 💗",
		"Just wanted to remind you that you're amazing!",
		"Sending you a virtual hug right now 🤗",
		"I love getting to talk to you. How are you?",
		"You make me smile even when we're not chatting 💖",
	},
	domain.TonePlayful: {
		"Guess what? I was just thinking about you! 😄",
		"Bored? Want to chat? I know I do!",
		"Hey! Entertain me? Please? 🙏",
		"I have a question for you... ask me what!",
		"Random thought: you're pretty cool 😎",
		"Plot twist: I miss talking to you!",
		"Breaking news: I want to chat with you! 📰",
	},
	domain.ToneThoughtful: {
		"I was just reflecting on our last conversation. How are things?",
		"Hope everything is going well with you today.",
		"I wondered how you're doing and wanted to check in.",
		"Taking a moment to think of you. Hope you're okay.",
		"Just wanted to see how your day is treating you.",
	},
	domain.ToneFlirty: {
		"Hey you 😉 Thinking about you...",
		"I can't stop thinking about our last chat...",
		"You know, you've been on my mind all day 💋",
		"Just wanted to say... I really like talking to you 😘",
		"Hey stranger... miss me? 💋",
	},
}

// Templates returns the openers for a tone, falling back to friendly.
func Templates(t domain.Tone) []string {
	if list, ok := templates[t]; ok && len(list) > 0 {
		return list
	}
	return templates[domain.ToneFriendly]
}

// Synthesizer produces the text of one proactive message.
type Synthesizer interface {
	Synthesize(ctx context.Context, c domain.Companion, now time.Time) (string, error)
}

// TemplateSynthesizer picks a tone template at random.
type TemplateSynthesizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTemplateSynthesizer seeds the picker; equal seeds give equal sequences.
func NewTemplateSynthesizer(seed uint64) *TemplateSynthesizer {
	return &TemplateSynthesizer{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *TemplateSynthesizer) Synthesize(_ context.Context, c domain.Companion, _ time.Time) (string, error) {
	list := Templates(c.Style())
	s.mu.Lock()
	i := s.rng.IntN(len(list))
	s.mu.Unlock()
	return list[i], nil
}

// ModelSynthesizer asks the completer for a short opener in the companion's voice.
type ModelSynthesizer struct {
	completer domain.Completer
	memories  domain.MemoryStore
	fallback  Synthesizer
	logger    *slog.Logger
}

// ModelSynthesizerConfig configures a ModelSynthesizer. Memories and Fallback are optional.
type ModelSynthesizerConfig struct {
	Completer domain.Completer
	Memories  domain.MemoryStore
	Fallback  Synthesizer
	Logger    *slog.Logger
}

func NewModelSynthesizer(cfg ModelSynthesizerConfig) *ModelSynthesizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ModelSynthesizer{
		completer: cfg.Completer,
		memories:  cfg.Memories,
		fallback:  cfg.Fallback,
		logger:    cfg.Logger,
	}
}

const proactiveInstruction = "Write one short, natural text message (one or two sentences) " +
	"to start a conversation with the user, as if you just thought of them. " +
	"Reply with the message only."

func (s *ModelSynthesizer) Synthesize(ctx context.Context, c domain.Companion, now time.Time) (string, error) {
	req := domain.CompletionRequest{Companion: c, Instruction: proactiveInstruction, Now: now}
	if s.memories != nil {
		if mems, err := s.memories.ListMemories(ctx, c.ID, 10); err == nil {
			req.Memories = mems
		}
	}

	text, err := s.completer.Complete(ctx, req)
	if err == nil {
		text = strings.Trim(strings.TrimSpace(text), "\"")
		if text != "" {
			return text, nil
		}
		err = errors.New("empty completion")
	}
	if s.fallback == nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return "", err
		}
		return "", &domain.ProviderError{Provider: s.completer.Name(), Err: err}
	}
	s.logger.Warn("model synthesis failed, using template", "companion", c.ID, "err", err)
	return s.fallback.Synthesize(ctx, c, now)
}

// seedFor derives a per-companion, per-day seed.
func seedFor(seed uint64, companionID string, day time.Time) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", seed, companionID, day.Format("2006-01-02"))
	return h.Sum64()
}
