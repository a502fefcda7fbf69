// Package memory remembers facts the user mentions and hands them back to
// companions as prompt context.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"companiond/internal/domain"
)

// Memory types.
const (
	TypePersonalInfo = "personal_info"
	TypePreference   = "preference"
	TypeImportant    = "important_fact"
)

// Config configures a Manager.
type Config struct {
	Store  domain.MemoryStore
	Limit  int // memories returned to a companion
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager extracts facts from user messages and serves memories per companion.
type Manager struct {
	store  domain.MemoryStore
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{store: cfg.Store, limit: cfg.Limit, logger: cfg.Logger, now: cfg.Now}
}

// ExtractAndSave stores every fact found in a user message. Save failures are
// logged and skipped; the returned slice holds what was saved.
func (m *Manager) ExtractAndSave(ctx context.Context, companionID, userMsg string) []domain.Memory {
	facts := Extract(userMsg)
	saved := make([]domain.Memory, 0, len(facts))
	for _, f := range facts {
		f.CompanionID = companionID
		f.CreatedAt = m.now()
		if err := m.store.SaveMemory(ctx, f); err != nil {
			m.logger.Warn("failed to save memory", "err", err, "key", f.Key)
			continue
		}
		saved = append(saved, f)
	}
	if len(saved) > 0 {
		m.logger.Debug("memories extracted", "companion", companionID, "count", len(saved))
	}
	return saved
}

// ForCompanion returns shared memories plus the companion's own, most
// important and most recent first. An empty id lists every memory.
func (m *Manager) ForCompanion(ctx context.Context, companionID string, limit int) ([]domain.Memory, error) {
	if limit <= 0 {
		limit = m.limit
	}
	return m.store.ListMemories(ctx, companionID, limit)
}

// Add stores a memory supplied by a client.
func (m *Manager) Add(ctx context.Context, mem domain.Memory) (domain.Memory, error) {
	mem.Content = strings.TrimSpace(mem.Content)
	if mem.Content == "" {
		return domain.Memory{}, fmt.Errorf("memory content is required")
	}
	if mem.Type == "" {
		mem.Type = TypeImportant
	}
	if mem.Importance < 1 || mem.Importance > 5 {
		mem.Importance = 3
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = m.now()
	}
	if err := m.store.SaveMemory(ctx, mem); err != nil {
		return domain.Memory{}, err
	}
	return mem, nil
}

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmy name is (\w+)`),
		regexp.MustCompile(`(?i)\bi'm called (\w+)`),
		regexp.MustCompile(`(?i)\bcall me (\w+)`),
		regexp.MustCompile(`(?i)\bi am (\w+) and\b`),
	}
	locationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bi live in ([\w ]+)`),
		regexp.MustCompile(`(?i)\bi'm from ([\w ]+)`),
		regexp.MustCompile(`(?i)\bi stay in ([\w ]+)`),
	}
	favoritePattern = regexp.MustCompile(`(?i)\bmy favou?rite (\w+) is (\w+)`)
)

var preferencePatterns = []struct {
	re         *regexp.Regexp
	relation   string
	importance int
}{
	{regexp.MustCompile(`(?i)\bi love (\w+)`), "loves", 3},
	{regexp.MustCompile(`(?i)\bi hate (\w+)`), "hates", 3},
	{regexp.MustCompile(`(?i)\bi really like (\w+)`), "likes", 2},
	{regexp.MustCompile(`(?i)\bi can't stand (\w+)`), "dislikes", 3},
}

// Extract finds quick facts in a user message: name, location, likes and
// dislikes and favorites. Every fact is shared and keyed.
func Extract(msg string) []domain.Memory {
	var out []domain.Memory

	for _, re := range namePatterns {
		if mt := re.FindStringSubmatch(msg); mt != nil {
			name := title(mt[1])
			out = append(out, domain.Memory{
				Type: TypePersonalInfo, Content: "User's name is " + name,
				Key: "name", Value: name, Importance: 5, Shared: true,
			})
			break
		}
	}

	for _, re := range locationPatterns {
		if mt := re.FindStringSubmatch(msg); mt != nil {
			place := title(strings.TrimSpace(mt[1]))
			out = append(out, domain.Memory{
				Type: TypePersonalInfo, Content: "User lives in " + place,
				Key: "location", Value: place, Importance: 3, Shared: true,
			})
			break
		}
	}

	for _, p := range preferencePatterns {
		if mt := p.re.FindStringSubmatch(msg); mt != nil {
			value := strings.ToLower(mt[1])
			out = append(out, domain.Memory{
				Type: TypePreference, Content: fmt.Sprintf("User %s %s", p.relation, value),
				Key: p.relation + "_" + value, Value: value, Importance: p.importance, Shared: true,
			})
		}
	}

	if mt := favoritePattern.FindStringSubmatch(msg); mt != nil {
		thing, value := strings.ToLower(mt[1]), mt[2]
		out = append(out, domain.Memory{
			Type: TypePreference, Content: fmt.Sprintf("User's favorite %s is %s", thing, value),
			Key: "favorite_" + thing, Value: value, Importance: 4, Shared: true,
		})
	}
	return out
}

func title(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
