package router

import (
	"context"
	"fmt"
	"sync"

	"companiond/internal/domain"
)

const stateDefaultCompanion = "default_companion"

// Selection is the default companion: the one the local chat talks to and
// the one unseen channels are bound to. It is persisted in the state table.
type Selection struct {
	mu       sync.RWMutex
	id       string
	state    domain.StateStore
	registry domain.CompanionRegistry
}

// LoadSelection restores the persisted selection, if any.
func LoadSelection(ctx context.Context, state domain.StateStore, registry domain.CompanionRegistry) (*Selection, error) {
	id, _, err := state.GetState(ctx, stateDefaultCompanion)
	if err != nil {
		return nil, fmt.Errorf("load default companion: %w", err)
	}
	return &Selection{id: id, state: state, registry: registry}, nil
}

// Current returns the selected companion, or the registry default when the
// selection is unset or no longer active.
func (s *Selection) Current() string {
	s.mu.RLock()
	id := s.id
	s.mu.RUnlock()
	if _, ok := s.registry.Get(id); ok {
		return id
	}
	return s.registry.Default()
}

// Set validates and persists a new selection.
func (s *Selection) Set(ctx context.Context, companionID string) error {
	if _, ok := s.registry.Get(companionID); !ok {
		return fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
	}
	if err := s.state.SetState(ctx, stateDefaultCompanion, companionID); err != nil {
		return domain.Persist("save default companion", err)
	}
	s.mu.Lock()
	s.id = companionID
	s.mu.Unlock()
	return nil
}
