// Package binding maps external channel identities to companions.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"companiond/internal/domain"
	"companiond/internal/lane"
)

// DefaultSource reports the companion new channels are bound to.
type DefaultSource interface {
	Current() string
}

// Config configures a Store.
type Config struct {
	Backend  domain.BindingStore
	Registry domain.CompanionRegistry
	Defaults DefaultSource
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store is the channel mapping store. Every mutation is persisted before it
// returns, and operations on one channel id are serialised.
type Store struct {
	backend  domain.BindingStore
	registry domain.CompanionRegistry
	defaults DefaultSource
	logger   *slog.Logger
	now      func() time.Time
	locks    *lane.Locker
}

func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		backend:  cfg.Backend,
		registry: cfg.Registry,
		defaults: cfg.Defaults,
		logger:   cfg.Logger,
		now:      cfg.Now,
		locks:    lane.NewLocker(),
	}
}

// Lock serialises a caller's read-modify-write sequence on one channel.
// The Store's own methods must not be called with channel locked by the
// same goroutine; use the *Locked variants instead.
func (s *Store) Lock(channelID string) (unlock func()) {
	return s.locks.Lock(Normalize(channelID))
}

// Resolve returns the companion bound to channelID, binding an unseen channel
// to the current default first.
func (s *Store) Resolve(ctx context.Context, channelID string) (string, error) {
	id := Normalize(channelID)
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.ResolveLocked(ctx, id)
}

// ResolveLocked is Resolve for callers already holding Lock(channelID).
// A binding whose companion is gone from the registry is reset to the default.
func (s *Store) ResolveLocked(ctx context.Context, channelID string) (string, error) {
	id := Normalize(channelID)
	if id == "" {
		return "", fmt.Errorf("empty channel id")
	}
	b, err := s.backend.GetBinding(ctx, id)
	if err != nil {
		return "", err
	}
	if b != nil {
		if _, ok := s.registry.Get(b.CompanionID); ok {
			return b.CompanionID, nil
		}
		s.logger.Warn("bound companion unavailable, resetting channel", "channel", id, "companion", b.CompanionID)
	}

	def := s.defaults.Current()
	if def == "" {
		return "", domain.ErrCompanionNotFound
	}
	now := s.now()
	nb := domain.ChannelBinding{ChannelID: id, CompanionID: def, AssignedAt: now}
	if b != nil {
		nb.LastInteractionAt = b.LastInteractionAt
	}
	if err := s.backend.PutBinding(ctx, nb); err != nil {
		return "", err
	}
	if b == nil {
		s.logger.Info("channel bound", "channel", id, "companion", def)
	}
	return def, nil
}

// Rebind points channelID at companionID.
func (s *Store) Rebind(ctx context.Context, channelID, companionID string) error {
	id := Normalize(channelID)
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.RebindLocked(ctx, id, companionID)
}

// RebindLocked is Rebind for callers already holding Lock(channelID).
func (s *Store) RebindLocked(ctx context.Context, channelID, companionID string) error {
	id := Normalize(channelID)
	if _, ok := s.registry.Get(companionID); !ok {
		return fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
	}
	prev, err := s.backend.GetBinding(ctx, id)
	if err != nil {
		return err
	}
	b := domain.ChannelBinding{ChannelID: id, CompanionID: companionID, AssignedAt: s.now()}
	if prev != nil {
		b.LastInteractionAt = prev.LastInteractionAt
	}
	if err := s.backend.PutBinding(ctx, b); err != nil {
		return err
	}
	s.logger.Info("channel rebound", "channel", id, "companion", companionID)
	return nil
}

// Reset rebinds channelID to the current default companion.
func (s *Store) Reset(ctx context.Context, channelID string) error {
	id := Normalize(channelID)
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.ResetLocked(ctx, id)
}

// ResetLocked is Reset for callers already holding Lock(channelID).
func (s *Store) ResetLocked(ctx context.Context, channelID string) error {
	def := s.defaults.Current()
	if def == "" {
		return domain.ErrCompanionNotFound
	}
	return s.RebindLocked(ctx, channelID, def)
}

// LastInteraction returns when the channel last exchanged a message.
func (s *Store) LastInteraction(ctx context.Context, channelID string) (*time.Time, error) {
	b, err := s.backend.GetBinding(ctx, Normalize(channelID))
	if err != nil || b == nil || b.LastInteractionAt.IsZero() {
		return nil, err
	}
	t := b.LastInteractionAt
	return &t, nil
}

// Touch records an inbound or outbound exchange on channelID.
func (s *Store) Touch(ctx context.Context, channelID string) error {
	return s.backend.TouchBinding(ctx, Normalize(channelID), s.now())
}

// Binding returns the current binding, or nil for an unseen channel.
func (s *Store) Binding(ctx context.Context, channelID string) (*domain.ChannelBinding, error) {
	return s.backend.GetBinding(ctx, Normalize(channelID))
}

// BoundTo lists channels currently bound to companionID.
func (s *Store) BoundTo(ctx context.Context, companionID string) ([]domain.ChannelBinding, error) {
	return s.backend.ListBindings(ctx, companionID)
}

// Normalize canonicalises a channel id. Phone-like ids (digits with
// optional + - ( ) . and spaces) keep only their digits; anything else is an
// opaque id and is only trimmed. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if !isPhoneLike(s) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPhoneLike(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-(). ", r):
		default:
			return false
		}
	}
	return digits > 0
}
