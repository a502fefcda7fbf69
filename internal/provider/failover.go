package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"companiond/internal/domain"
)

// HealthChecker is implemented by completers that can probe their backend.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Failover tries multiple completers in order, falling back to the next
// one when the current fails.
type Failover struct {
	completers []domain.Completer
	logger     *slog.Logger
}

// NewFailover creates a failover chain. At least one completer is required.
func NewFailover(completers []domain.Completer, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		completers: completers,
		logger:     logger,
	}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.completers))
	for i, c := range f.completers {
		names[i] = c.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Healthy succeeds when any member is healthy. Members without a probe count
// as healthy.
func (f *Failover) Healthy(ctx context.Context) error {
	for _, c := range f.completers {
		hc, ok := c.(HealthChecker)
		if !ok || hc.Healthy(ctx) == nil {
			return nil
		}
	}
	return errors.New("no healthy provider in failover chain")
}

// Complete returns the first successful completion.
func (f *Failover) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if len(f.completers) == 0 {
		return "", &domain.ProviderError{Provider: f.Name(), Err: errors.New("no providers configured")}
	}
	var lastErr error
	for i, c := range f.completers {
		text, err := c.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback provider",
					"provider", c.Name(),
					"attempt", i+1,
				)
			}
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Warn("failover: provider failed, trying next",
			"provider", c.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return "", &domain.ProviderError{
		Provider: f.Name(),
		Err:      fmt.Errorf("all providers in failover chain failed: %w", lastErr),
	}
}
