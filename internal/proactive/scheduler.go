// Package proactive lets companions start conversations on their own, inside
// a daily window, a minimum gap and a daily quota.
package proactive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"companiond/internal/conversation"
	"companiond/internal/domain"
	"companiond/internal/lane"
	"companiond/internal/metrics"
)

// Bindings lists and touches the channels bound to a companion.
type Bindings interface {
	BoundTo(ctx context.Context, companionID string) ([]domain.ChannelBinding, error)
	Touch(ctx context.Context, channelID string) error
}

// Config configures a Scheduler. Notifier and Bindings may be nil, in which
// case messages only reach the log and the event hub.
type Config struct {
	Registry     domain.CompanionRegistry
	Settings     *Settings
	Store        domain.ProactiveStore
	Log          *conversation.Log
	Bindings     Bindings
	Notifier     domain.Sender
	Events       domain.EventPublisher
	Synth        Synthesizer
	Seed         uint64
	TickInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler emits proactive messages on a ticker.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	locks  *lane.Locker

	plansMu sync.Mutex
	plans   map[string]*Plan

	tickMu  sync.Mutex
	runMu   sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Synth == nil {
		cfg.Synth = NewTemplateSynthesizer(cfg.Seed)
	}
	if cfg.Settings == nil {
		cfg.Settings = NewSettings(cfg.Store, domain.DefaultProactiveSettings())
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		locks:  lane.NewLocker(),
		plans:  make(map[string]*Plan),
		stopCh: make(chan struct{}),
	}
	cfg.Settings.OnChange(s.Invalidate)
	return s
}

// Run ticks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.stopped {
		s.runMu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.runMu.Unlock()
	defer s.wg.Done()

	s.logger.Info("proactive scheduler started", "interval", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("proactive scheduler stopped")
			return nil
		case <-s.stopCh:
			s.logger.Info("proactive scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Stop ends Run and waits for an in-flight tick to finish. A Run that has
// not started yet returns immediately.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.runMu.Unlock()
	s.wg.Wait()
}

// Invalidate drops the plan of a companion, or of all when id is "".
func (s *Scheduler) Invalidate(companionID string) {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()
	if companionID == "" {
		clear(s.plans)
		return
	}
	delete(s.plans, companionID)
}

// Plan returns a copy of the current plan of a companion, if any.
func (s *Scheduler) Plan(companionID string) (Plan, bool) {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()
	p, ok := s.plans[companionID]
	if !ok {
		return Plan{}, false
	}
	cp := *p
	cp.Targets = append([]time.Time(nil), p.Targets...)
	return cp, true
}

// Tick evaluates every active companion once at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	for _, c := range s.cfg.Registry.List() {
		if ctx.Err() != nil {
			return
		}
		s.evaluate(ctx, c, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, c domain.Companion, now time.Time) {
	unlock := s.locks.Lock(c.ID)
	defer unlock()

	settings, err := s.cfg.Settings.Effective(ctx, c.ID)
	if err != nil {
		s.logger.Error("load proactive settings", "companion", c.ID, "err", err)
		return
	}
	if !settings.Enabled || settings.FrequencyPerDay == 0 || !settings.Contains(now) {
		return
	}

	last, err := s.cfg.Store.GetLastSent(ctx, c.ID)
	if err != nil {
		s.logger.Error("load last proactive send", "companion", c.ID, "err", err)
		return
	}
	if last != nil && now.Sub(*last) < settings.MinGap {
		return
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sent, err := s.cfg.Log.ProactiveSentSince(ctx, c.ID, midnight)
	if err != nil {
		s.logger.Error("count proactive sends", "companion", c.ID, "err", err)
		return
	}
	if sent >= settings.FrequencyPerDay {
		return
	}

	plan := s.planFor(c.ID, settings, now, last, settings.FrequencyPerDay-sent)
	if !plan.Due(now) {
		return
	}
	if s.emit(ctx, c, now) {
		s.plansMu.Lock()
		plan.Consume()
		s.plansMu.Unlock()
	}
}

func (s *Scheduler) planFor(companionID string, settings domain.ProactiveSettings, now time.Time, last *time.Time, n int) *Plan {
	s.plansMu.Lock()
	defer s.plansMu.Unlock()
	if p, ok := s.plans[companionID]; ok && p.valid(now, settings) {
		return p
	}

	earliest := now
	if last != nil {
		if next := last.Add(settings.MinGap); next.After(earliest) {
			earliest = next
		}
	}
	p := NewPlan(s.cfg.Seed, companionID, settings, now, earliest, n)
	s.plans[companionID] = p
	s.logger.Debug("proactive plan drawn", "companion", companionID, "targets", p.Targets)
	return p
}

// emit synthesizes, records and delivers one message. It reports whether the
// message was recorded; nothing is changed when synthesis fails.
func (s *Scheduler) emit(ctx context.Context, c domain.Companion, now time.Time) bool {
	text, err := s.cfg.Synth.Synthesize(ctx, c, now)
	if err != nil {
		metrics.ProactiveFailuresTotal.WithLabelValues("synthesize").Inc()
		s.logger.Warn("proactive synthesis failed", "companion", c.ID, "err", err)
		return false
	}

	_, err = s.cfg.Log.RecordProactive(ctx, s.cfg.Store, domain.ConversationEntry{
		CompanionID: c.ID,
		Role:        domain.RoleCompanion,
		Kind:        domain.KindProactive,
		Text:        text,
		Timestamp:   now,
	})
	if err != nil {
		metrics.ProactiveFailuresTotal.WithLabelValues("record").Inc()
		s.logger.Error("record proactive message", "companion", c.ID, "err", err)
		return false
	}
	metrics.ProactiveSentTotal.WithLabelValues(c.ID).Inc()
	s.logger.Info("proactive message sent", "companion", c.ID, "preview", preview(text))

	if s.cfg.Events != nil {
		s.cfg.Events.Emit(domain.NewProactiveMessageEvent(c, text, now))
	}
	s.deliver(ctx, c, text)
	return true
}

func (s *Scheduler) deliver(ctx context.Context, c domain.Companion, text string) {
	if s.cfg.Notifier == nil || s.cfg.Bindings == nil {
		return
	}
	bound, err := s.cfg.Bindings.BoundTo(ctx, c.ID)
	if err != nil {
		metrics.ProactiveFailuresTotal.WithLabelValues("deliver").Inc()
		s.logger.Warn("list bound channels", "companion", c.ID, "err", err)
		return
	}
	for _, b := range bound {
		if err := s.cfg.Notifier.Send(ctx, b.ChannelID, text); err != nil {
			metrics.ProactiveFailuresTotal.WithLabelValues("deliver").Inc()
			s.logger.Warn("proactive delivery failed", "companion", c.ID, "channel", b.ChannelID, "err", err)
			continue
		}
		if err := s.cfg.Bindings.Touch(ctx, b.ChannelID); err != nil {
			s.logger.Warn("touch channel", "channel", b.ChannelID, "err", err)
		}
	}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= 50 {
		return s
	}
	return string(r[:50]) + "..."
}
