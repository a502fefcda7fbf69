// Package companion loads companion profiles and serves them to the router.
package companion

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"companiond/internal/domain"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Dir       string // profile directory; empty uses Presets
	DefaultID string // preferred default companion
	Logger    *slog.Logger
}

// Registry is the in-memory companion registry. It is safe for concurrent use
// and can be reloaded while serving.
type Registry struct {
	dir       string
	defaultID string
	logger    *slog.Logger

	mu         sync.RWMutex
	companions []domain.Companion
	byID       map[string]int
}

var _ domain.CompanionRegistry = (*Registry)(nil)

// NewRegistry loads profiles from cfg.Dir, falling back to the presets when
// the directory holds none.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		dir:       cfg.Dir,
		defaultID: strings.ToLower(cfg.DefaultID),
		logger:    cfg.Logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry serves a fixed list; used by tests and the presets.
func NewStaticRegistry(companions []domain.Companion, defaultID string) *Registry {
	r := &Registry{defaultID: defaultID, logger: slog.Default()}
	r.set(companions)
	return r
}

// Reload re-reads the profile directory. On failure the current set is kept.
func (r *Registry) Reload() error {
	var (
		companions []domain.Companion
		err        error
	)
	if r.dir != "" {
		companions, err = LoadFromDirectory(r.dir, r.logger)
		if err != nil {
			return fmt.Errorf("load companions: %w", err)
		}
	}
	if len(companions) == 0 {
		r.logger.Info("no companion profiles found, using presets", "dir", r.dir)
		companions = Presets()
	}
	r.set(companions)
	r.logger.Info("companions loaded", "count", len(companions), "default", r.Default())
	return nil
}

func (r *Registry) set(companions []domain.Companion) {
	byID := make(map[string]int, len(companions))
	for i, c := range companions {
		byID[c.ID] = i
	}
	r.mu.Lock()
	r.companions = companions
	r.byID = byID
	r.mu.Unlock()
}

// Get returns an active companion by id.
func (r *Registry) Get(id string) (domain.Companion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok || !r.companions[i].Active {
		return domain.Companion{}, false
	}
	return r.companions[i], true
}

// List returns active companions in registry order.
func (r *Registry) List() []domain.Companion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Companion, 0, len(r.companions))
	for _, c := range r.companions {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// All returns every profile, inactive ones included.
func (r *Registry) All() []domain.Companion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Companion(nil), r.companions...)
}

// Default returns the configured default if it is active, otherwise the
// first active companion.
func (r *Registry) Default() string {
	if _, ok := r.Get(r.defaultID); ok {
		return r.defaultID
	}
	if list := r.List(); len(list) > 0 {
		return list[0].ID
	}
	return ""
}

// Watch reloads the registry when files in the profile directory change,
// until ctx is done. Bursts of events within debounce trigger one reload.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.logger.Info("watching companion profiles", "dir", r.dir)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(filepath.Base(ev.Name)) || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("companion watcher error", "err", err)
		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.logger.Error("companion reload failed", "err", err)
			}
		}
	}
}
