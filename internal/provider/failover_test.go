package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"companiond/internal/domain"
)

// mockCompleter implements domain.Completer for testing.
type mockCompleter struct {
	name    string
	healthy bool
	err     error
	reply   string
	calls   int
}

func (m *mockCompleter) Name() string { return m.name }

func (m *mockCompleter) Healthy(ctx context.Context) error {
	if !m.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (m *mockCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFailover_UsesFirstProvider(t *testing.T) {
	p1 := &mockCompleter{name: "primary", healthy: true, reply: "from-primary"}
	p2 := &mockCompleter{name: "secondary", healthy: true, reply: "from-secondary"}
	f := NewFailover([]domain.Completer{p1, p2}, testLogger())

	got, err := f.Complete(context.Background(), domain.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", got)
	}
	if p2.calls != 0 {
		t.Errorf("secondary should not be called, got %d calls", p2.calls)
	}
}

func TestFailover_FallsBackOnError(t *testing.T) {
	p1 := &mockCompleter{name: "primary", err: errors.New("api error")}
	p2 := &mockCompleter{name: "secondary", reply: "from-secondary"}
	f := NewFailover([]domain.Completer{p1, p2}, testLogger())

	got, err := f.Complete(context.Background(), domain.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", got)
	}
}

func TestFailover_AllFail(t *testing.T) {
	p1 := &mockCompleter{name: "p1", err: errors.New("fail 1")}
	p2 := &mockCompleter{name: "p2", err: errors.New("fail 2")}
	f := NewFailover([]domain.Completer{p1, p2}, testLogger())

	_, err := f.Complete(context.Background(), domain.CompletionRequest{})
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !strings.Contains(err.Error(), "fail 2") {
		t.Errorf("expected last error in message, got %v", err)
	}
}

func TestFailover_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p1 := &mockCompleter{name: "p1", err: context.Canceled}
	p2 := &mockCompleter{name: "p2", reply: "late"}
	f := NewFailover([]domain.Completer{p1, p2}, testLogger())

	if _, err := f.Complete(ctx, domain.CompletionRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if p2.calls != 0 {
		t.Errorf("expected no fallback after cancel, got %d calls", p2.calls)
	}
}

func TestFailover_Empty(t *testing.T) {
	f := NewFailover(nil, testLogger())
	if _, err := f.Complete(context.Background(), domain.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestFailover_NameAndHealth(t *testing.T) {
	p1 := &mockCompleter{name: "a"}
	p2 := &mockCompleter{name: "b", healthy: true}
	f := NewFailover([]domain.Completer{p1, p2}, testLogger())

	if f.Name() != "failover(a→b)" {
		t.Errorf("unexpected name %q", f.Name())
	}
	if err := f.Healthy(context.Background()); err != nil {
		t.Errorf("expected healthy chain, got %v", err)
	}

	p2.healthy = false
	if err := f.Healthy(context.Background()); err == nil {
		t.Error("expected unhealthy chain")
	}
}

func TestLimited_WaitsForToken(t *testing.T) {
	m := &mockCompleter{name: "m", reply: "ok"}
	l := NewLimited(m, NewRateLimiter(1, 60))

	if _, err := l.Complete(context.Background(), domain.CompletionRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Complete(ctx, domain.CompletionRequest{})
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Provider != "m" {
		t.Fatalf("expected rate-limited ProviderError, got %v", err)
	}
	if m.calls != 1 {
		t.Errorf("expected 1 underlying call, got %d", m.calls)
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(3, 60)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("burst calls should not wait")
	}
}
