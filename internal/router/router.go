// Package router is the single entry point every surface talks to: local
// chat, SMS, Telegram and the REST API. It resolves the companion for a
// channel, answers commands, records the conversation, calls the completer
// and raises events.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"companiond/internal/binding"
	"companiond/internal/command"
	"companiond/internal/conversation"
	"companiond/internal/dispatch"
	"companiond/internal/domain"
	"companiond/internal/lane"
	"companiond/internal/memory"
	"companiond/internal/metrics"
	"companiond/internal/proactive"
)

const defaultHistoryLimit = 20

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Inbound is one user message. ChannelID is empty for the local chat.
type Inbound struct {
	ChannelID string
	Source    string
	Text      string
}

// Reply is the answer to an Inbound message.
type Reply struct {
	Text        string `json:"response"`
	CompanionID string `json:"companion_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	Command     string `json:"command,omitempty"`
}

// Config holds the router's collaborators. Dispatcher and Memory are optional.
type Config struct {
	Registry     domain.CompanionRegistry
	Bindings     *binding.Store
	Selection    *Selection
	Log          *conversation.Log
	Completer    domain.Completer
	Memory       *memory.Manager
	Dispatcher   *dispatch.Dispatcher
	Proactive    *proactive.Settings
	Events       domain.EventPublisher
	HistoryLimit int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Router implements the routing operations.
type Router struct {
	cfg    Config
	interp *command.Interpreter
	ui     *lane.Locker // serialises the local chat, keyed ""
	typing atomic.Int32
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	r := &Router{
		cfg:    cfg,
		ui:     lane.NewLocker(),
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	r.interp = command.NewInterpreter(cfg.Registry, lockedBinder{r}, cfg.Logger)
	return r
}

// lock takes the lock of a normalised channel id; "" is the local chat.
func (r *Router) lock(channelID string) func() {
	if channelID == "" {
		return r.ui.Lock("")
	}
	return r.cfg.Bindings.Lock(channelID)
}

// Submit handles one message end to end. Messages on one channel are
// processed in arrival order up to the completer call; the completer runs
// without any lock held.
func (r *Router) Submit(ctx context.Context, in Inbound) (Reply, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	channelID := binding.Normalize(in.ChannelID)
	source := in.Source
	if source == "" {
		source = domain.SourceLocal
	}

	unlock := r.lock(channelID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	b := lockedBinder{r}
	companionID, err := b.Current(ctx, channelID)
	if err != nil {
		return Reply{}, err
	}

	res, err := r.interp.Interpret(ctx, channelID, text)
	if err != nil {
		return Reply{}, err
	}
	if res.Handled {
		now := r.now()
		if _, err := r.cfg.Log.Append(ctx, source,
			domain.ConversationEntry{CompanionID: res.CompanionID, Role: domain.RoleUser, Kind: domain.KindCommand, Text: text, ChannelID: channelID, Timestamp: now},
			domain.ConversationEntry{CompanionID: res.CompanionID, Role: domain.RoleSystem, Kind: domain.KindCommand, Text: res.Reply, ChannelID: channelID, Timestamp: now},
		); err != nil {
			return Reply{}, err
		}
		if err := r.touch(ctx, channelID); err != nil {
			return Reply{}, err
		}
		r.logger.Info("command handled", "channel", channelID, "command", res.Command, "companion", res.CompanionID)
		return Reply{Text: res.Reply, CompanionID: res.CompanionID, ChannelID: channelID, Command: res.Command}, nil
	}

	c, ok := r.cfg.Registry.Get(companionID)
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
	}
	if _, err := r.cfg.Log.Append(ctx, source, domain.ConversationEntry{
		CompanionID: c.ID, Role: domain.RoleUser, Text: text, ChannelID: channelID,
	}); err != nil {
		return Reply{}, err
	}
	if err := r.touch(ctx, channelID); err != nil {
		return Reply{}, err
	}
	history, err := r.cfg.Log.ChatHistory(ctx, c.ID, r.cfg.HistoryLimit)
	if err != nil {
		return Reply{}, err
	}
	var memories []domain.Memory
	if r.cfg.Memory != nil {
		if memories, err = r.cfg.Memory.ForCompanion(ctx, c.ID, 0); err != nil {
			r.logger.Warn("load memories", "companion", c.ID, "err", err)
		}
	}
	unlock()
	locked = false

	r.emit(domain.NewTypingStartedEvent(c, channelID, r.now()))
	reply, err := r.complete(ctx, domain.CompletionRequest{Companion: c, History: history, Memories: memories, Now: r.now()})
	if err != nil {
		return Reply{}, err
	}

	now := r.now()
	if _, err := r.cfg.Log.Append(ctx, source, domain.ConversationEntry{
		CompanionID: c.ID, Role: domain.RoleCompanion, Text: reply, ChannelID: channelID, Timestamp: now,
	}); err != nil {
		return Reply{}, err
	}
	if err := r.touch(ctx, channelID); err != nil {
		return Reply{}, err
	}
	r.emit(domain.NewMessageEvent(c, channelID, source, reply, now))

	if r.cfg.Memory != nil {
		r.cfg.Memory.ExtractAndSave(ctx, c.ID, text)
	}
	return Reply{Text: reply, CompanionID: c.ID, ChannelID: channelID}, nil
}

func (r *Router) complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	r.typing.Add(1)
	defer r.typing.Add(-1)

	start := time.Now()
	text, err := r.cfg.Completer.Complete(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CompletionDuration.WithLabelValues(r.cfg.Completer.Name(), outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		r.logger.Error("completion failed", "companion", req.Companion.ID, "provider", r.cfg.Completer.Name(), "err", err)
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return "", err
		}
		return "", &domain.ProviderError{Provider: r.cfg.Completer.Name(), Err: err}
	}
	return strings.TrimSpace(text), nil
}

func (r *Router) touch(ctx context.Context, channelID string) error {
	if channelID == "" {
		return nil
	}
	return r.cfg.Bindings.Touch(ctx, channelID)
}

func (r *Router) emit(ev domain.Event) {
	if r.cfg.Events != nil {
		r.cfg.Events.Emit(ev)
	}
}

// Typing reports whether a completion is in flight.
func (r *Router) Typing() bool {
	return r.typing.Load() > 0
}

// Companions lists the active companions.
func (r *Router) Companions() []domain.Companion {
	return r.cfg.Registry.List()
}

func (r *Router) Companion(id string) (domain.Companion, bool) {
	return r.cfg.Registry.Get(id)
}

// Current returns the default selection.
func (r *Router) Current() (domain.Companion, bool) {
	return r.cfg.Registry.Get(r.cfg.Selection.Current())
}

// Select makes companionID the default selection.
func (r *Router) Select(ctx context.Context, companionID string) error {
	unlock := r.ui.Lock("")
	defer unlock()
	return r.selectLocked(ctx, companionID)
}

func (r *Router) selectLocked(ctx context.Context, companionID string) error {
	if err := r.cfg.Selection.Set(ctx, companionID); err != nil {
		return err
	}
	c, _ := r.cfg.Registry.Get(companionID)
	r.logger.Info("companion selected", "companion", companionID)
	r.emit(domain.NewCompanionSelectedEvent(c, r.now()))
	return nil
}

// Binding returns the binding of a channel, or nil when it was never seen.
func (r *Router) Binding(ctx context.Context, channelID string) (*domain.ChannelBinding, error) {
	return r.cfg.Bindings.Binding(ctx, channelID)
}

// Conversation returns the newest limit entries of a companion's log. An
// empty id means the default selection.
func (r *Router) Conversation(ctx context.Context, companionID string, limit int) ([]domain.ConversationEntry, error) {
	if companionID == "" {
		companionID = r.cfg.Selection.Current()
	}
	return r.cfg.Log.History(ctx, companionID, limit)
}

// ClearConversation deletes a companion's log and reports how many entries went.
func (r *Router) ClearConversation(ctx context.Context, companionID string) (int64, error) {
	if companionID == "" {
		companionID = r.cfg.Selection.Current()
	}
	if _, ok := r.cfg.Registry.Get(companionID); !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
	}
	n, err := r.cfg.Log.Clear(ctx, companionID)
	if err != nil {
		return 0, err
	}
	r.logger.Info("conversation cleared", "companion", companionID, "entries", n)
	r.emit(domain.NewConversationClearedEvent(companionID, r.now()))
	return n, nil
}

// ErrWebhooksDisabled is returned by the webhook operations when no dispatcher is configured.
var ErrWebhooksDisabled = errors.New("webhooks are disabled")

func (r *Router) RegisterWebhook(ctx context.Context, url string) error {
	if r.cfg.Dispatcher == nil {
		return ErrWebhooksDisabled
	}
	return r.cfg.Dispatcher.Register(ctx, url)
}

func (r *Router) UnregisterWebhook(ctx context.Context, url string) (bool, error) {
	if r.cfg.Dispatcher == nil {
		return false, ErrWebhooksDisabled
	}
	return r.cfg.Dispatcher.Unregister(ctx, url)
}

func (r *Router) Webhooks() []domain.WebhookSubscription {
	if r.cfg.Dispatcher == nil {
		return nil
	}
	return r.cfg.Dispatcher.Subscribers()
}

// ProactiveSettings returns the global proactive settings.
func (r *Router) ProactiveSettings(ctx context.Context) (domain.ProactiveSettings, error) {
	return r.cfg.Proactive.Global(ctx)
}

func (r *Router) UpdateProactiveSettings(ctx context.Context, s domain.ProactiveSettings) error {
	return r.cfg.Proactive.UpdateGlobal(ctx, s)
}

// CompanionProactive returns one companion's effective settings and state.
func (r *Router) CompanionProactive(ctx context.Context, companionID string) (domain.ProactiveState, error) {
	if _, ok := r.cfg.Registry.Get(companionID); !ok {
		return domain.ProactiveState{}, fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
	}
	return r.cfg.Proactive.State(ctx, companionID)
}

func (r *Router) UpdateCompanionProactive(ctx context.Context, companionID string, o domain.ProactiveOverride) error {
	if _, ok := r.cfg.Registry.Get(companionID); !ok {
		return fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
	}
	return r.cfg.Proactive.UpdateCompanion(ctx, companionID, o)
}

// Memories returns what a companion remembers; "" lists everything.
func (r *Router) Memories(ctx context.Context, companionID string, limit int) ([]domain.Memory, error) {
	if r.cfg.Memory == nil {
		return nil, nil
	}
	return r.cfg.Memory.ForCompanion(ctx, companionID, limit)
}

func (r *Router) AddMemory(ctx context.Context, m domain.Memory) (domain.Memory, error) {
	if r.cfg.Memory == nil {
		return domain.Memory{}, errors.New("memory is disabled")
	}
	if !m.Shared && m.CompanionID == "" {
		m.CompanionID = r.cfg.Selection.Current()
	}
	return r.cfg.Memory.Add(ctx, m)
}

// lockedBinder gives the interpreter binding access for a channel whose lock
// the caller already holds. The local chat acts on the default selection.
type lockedBinder struct{ r *Router }

func (b lockedBinder) Current(ctx context.Context, channelID string) (string, error) {
	if channelID == "" {
		id := b.r.cfg.Selection.Current()
		if id == "" {
			return "", domain.ErrCompanionNotFound
		}
		return id, nil
	}
	return b.r.cfg.Bindings.ResolveLocked(ctx, channelID)
}

func (b lockedBinder) Rebind(ctx context.Context, channelID, companionID string) error {
	if channelID == "" {
		return b.r.selectLocked(ctx, companionID)
	}
	return b.r.cfg.Bindings.RebindLocked(ctx, channelID, companionID)
}

func (b lockedBinder) Reset(ctx context.Context, channelID string) error {
	if channelID == "" {
		return b.r.selectLocked(ctx, b.r.cfg.Registry.Default())
	}
	return b.r.cfg.Bindings.ResetLocked(ctx, channelID)
}
