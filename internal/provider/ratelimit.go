package provider

import (
	"context"

	"golang.org/x/time/rate"

	"companiond/internal/domain"
)

// NewRateLimiter returns a token bucket refilled at ratePerMinute holding up to maxBurst calls.
func NewRateLimiter(maxBurst int, ratePerMinute float64) *rate.Limiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return rate.NewLimiter(rate.Limit(ratePerMinute/60), maxBurst)
}

// Limited throttles a completer. A call that cannot get a token before ctx
// ends fails without reaching the provider.
type Limited struct {
	domain.Completer
	limiter *rate.Limiter
}

func NewLimited(c domain.Completer, l *rate.Limiter) *Limited {
	return &Limited{Completer: c, limiter: l}
}

func (l *Limited) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", &domain.ProviderError{Provider: l.Name(), Err: err}
	}
	return l.Completer.Complete(ctx, req)
}

func (l *Limited) Healthy(ctx context.Context) error {
	if hc, ok := l.Completer.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return nil
}
