package proactive

import (
	"context"
	"fmt"

	"companiond/internal/domain"
)

// Settings resolves and updates proactive settings with the precedence
// per-companion override, then global, then built-in defaults.
type Settings struct {
	store    domain.ProactiveStore
	defaults domain.ProactiveSettings
	changed  func(companionID string) // "" means every companion
}

// NewSettings uses defaults when no global settings are stored.
func NewSettings(store domain.ProactiveStore, defaults domain.ProactiveSettings) *Settings {
	return &Settings{store: store, defaults: defaults}
}

// OnChange registers the callback run after a successful update.
func (s *Settings) OnChange(fn func(companionID string)) {
	s.changed = fn
}

func (s *Settings) Global(ctx context.Context) (domain.ProactiveSettings, error) {
	g, err := s.store.GetGlobalSettings(ctx)
	if err != nil {
		return domain.ProactiveSettings{}, err
	}
	if g == nil {
		return s.defaults, nil
	}
	return *g, nil
}

func (s *Settings) UpdateGlobal(ctx context.Context, next domain.ProactiveSettings) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSettings, err)
	}
	if err := s.store.PutGlobalSettings(ctx, next); err != nil {
		return err
	}
	s.notify("")
	return nil
}

// Effective returns the settings a companion is scheduled with.
func (s *Settings) Effective(ctx context.Context, companionID string) (domain.ProactiveSettings, error) {
	g, err := s.Global(ctx)
	if err != nil {
		return domain.ProactiveSettings{}, err
	}
	o, err := s.store.GetOverride(ctx, companionID)
	if err != nil {
		return domain.ProactiveSettings{}, err
	}
	return o.Apply(g), nil
}

// UpdateCompanion stores an override. The resulting effective settings must
// be valid. A zero override clears it.
func (s *Settings) UpdateCompanion(ctx context.Context, companionID string, o domain.ProactiveOverride) error {
	g, err := s.Global(ctx)
	if err != nil {
		return err
	}
	if err := o.Apply(g).Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSettings, err)
	}
	if err := s.store.PutOverride(ctx, companionID, o); err != nil {
		return err
	}
	s.notify(companionID)
	return nil
}

// State reports a companion's effective settings, override and last send.
func (s *Settings) State(ctx context.Context, companionID string) (domain.ProactiveState, error) {
	eff, err := s.Effective(ctx, companionID)
	if err != nil {
		return domain.ProactiveState{}, err
	}
	o, err := s.store.GetOverride(ctx, companionID)
	if err != nil {
		return domain.ProactiveState{}, err
	}
	last, err := s.store.GetLastSent(ctx, companionID)
	if err != nil {
		return domain.ProactiveState{}, err
	}
	return domain.ProactiveState{CompanionID: companionID, Settings: eff, Override: o, LastSentAt: last}, nil
}

func (s *Settings) notify(companionID string) {
	if s.changed != nil {
		s.changed(companionID)
	}
}
