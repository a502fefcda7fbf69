package proactive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"companiond/internal/companion"
	"companiond/internal/conversation"
	"companiond/internal/domain"
	"companiond/internal/store"
)

// database/sql keeps an opener goroutine per open pool.
var ignoreSQL = goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "p.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type flakySynth struct {
	fails int
	calls int
}

func (f *flakySynth) Synthesize(_ context.Context, c domain.Companion, _ time.Time) (string, error) {
	f.calls++
	if f.calls <= f.fails {
		return "", &domain.ProviderError{Provider: "test", Err: errors.New("unavailable")}
	}
	return "hi from " + c.Name, nil
}

type fakeBindings struct {
	bound   map[string][]string
	touched []string
}

func (b *fakeBindings) BoundTo(_ context.Context, id string) ([]domain.ChannelBinding, error) {
	var out []domain.ChannelBinding
	for _, ch := range b.bound[id] {
		out = append(out, domain.ChannelBinding{ChannelID: ch, CompanionID: id})
	}
	return out, nil
}

func (b *fakeBindings) Touch(_ context.Context, ch string) error {
	b.touched = append(b.touched, ch)
	return nil
}

type fakeSender struct {
	sent map[string][]string
	fail string
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, ch, text string) error {
	if ch == s.fail {
		return errors.New("carrier rejected")
	}
	s.sent[ch] = append(s.sent[ch], text)
	return nil
}

func newScheduler(t *testing.T, db *store.SQLiteStore, synth Synthesizer, companions ...domain.Companion) (*Scheduler, *recorder) {
	t.Helper()
	if len(companions) == 0 {
		companions = []domain.Companion{{ID: "luna", Name: "Luna", Tone: "warm", Active: true}}
	}
	rec := &recorder{}
	s := NewScheduler(Config{
		Registry: companion.NewStaticRegistry(companions, companions[0].ID),
		Settings: NewSettings(db, domain.DefaultProactiveSettings()),
		Store:    db,
		Log:      conversation.NewLog(db, nil),
		Events:   rec,
		Synth:    synth,
		Seed:     42,
		Logger:   testLogger(),
	})
	return s, rec
}

func proactiveEntries(t *testing.T, db *store.SQLiteStore, id string) []domain.ConversationEntry {
	t.Helper()
	all, err := db.ListEntries(context.Background(), id, 0)
	if err != nil {
		t.Fatal(err)
	}
	var out []domain.ConversationEntry
	for _, e := range all {
		if e.Kind == domain.KindProactive {
			out = append(out, e)
		}
	}
	return out
}

func runDay(ctx context.Context, s *Scheduler, day time.Time) {
	for m := 0; m < 24*60; m++ {
		s.Tick(ctx, day.Add(time.Duration(m)*time.Minute))
	}
}

func TestScheduler_SimulatedDay(t *testing.T) {
	db := openStore(t)
	s, rec := newScheduler(t, db, NewTemplateSynthesizer(1))
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	runDay(context.Background(), s, day)

	sent := proactiveEntries(t, db, "luna")
	if len(sent) != 3 {
		t.Fatalf("expected 3 proactive messages, got %d", len(sent))
	}
	start, end := day.Add(9*time.Hour), day.Add(22*time.Hour)
	for i, e := range sent {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			t.Errorf("message %d at %s outside window", i, e.Timestamp)
		}
		if e.Role != domain.RoleCompanion || e.ChannelID != "" {
			t.Errorf("message %d has role %q channel %q", i, e.Role, e.ChannelID)
		}
		if i > 0 && e.Timestamp.Sub(sent[i-1].Timestamp) < 4*time.Hour {
			t.Errorf("messages %d and %d only %s apart", i-1, i, e.Timestamp.Sub(sent[i-1].Timestamp))
		}
	}

	if len(rec.events) != 3 || rec.events[0].Kind != domain.EventProactiveMessage {
		t.Fatalf("expected 3 proactive_message events, got %d", len(rec.events))
	}
	if rec.events[0].Data["companion_id"] != "luna" || rec.events[0].Data["type"] != "proactive" {
		t.Errorf("unexpected event data %v", rec.events[0].Data)
	}

	last, _ := db.GetLastSent(context.Background(), "luna")
	if last == nil || !last.Equal(sent[2].Timestamp) {
		t.Errorf("expected last_sent_at %s, got %v", sent[2].Timestamp, last)
	}
}

func TestScheduler_QuotaResetsNextDay(t *testing.T) {
	db := openStore(t)
	s, _ := newScheduler(t, db, NewTemplateSynthesizer(1))
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	runDay(context.Background(), s, day)
	runDay(context.Background(), s, day.AddDate(0, 0, 1))

	if n := len(proactiveEntries(t, db, "luna")); n != 6 {
		t.Errorf("expected 6 messages over two days, got %d", n)
	}
}

func TestScheduler_SynthesisFailureChangesNothing(t *testing.T) {
	db := openStore(t)
	synth := &flakySynth{fails: 1}
	s, rec := newScheduler(t, db, synth)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// find the first target, tick there once to fail
	s.Tick(ctx, day.Add(9*time.Hour))
	plan, ok := s.Plan("luna")
	if !ok || plan.Remaining() != 3 {
		t.Fatalf("expected a plan with 3 targets, got %+v", plan)
	}
	first := plan.Targets[0]
	if !first.Equal(day.Add(9 * time.Hour)) {
		s.Tick(ctx, first)
	}
	if synth.calls != 1 {
		t.Fatalf("expected one synthesis attempt, got %d", synth.calls)
	}
	if last, _ := db.GetLastSent(ctx, "luna"); last != nil {
		t.Fatalf("last_sent_at must not change on failure, got %v", last)
	}
	if n := len(proactiveEntries(t, db, "luna")); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
	if plan, _ := s.Plan("luna"); plan.Remaining() != 3 {
		t.Fatalf("target must stay due, remaining %d", plan.Remaining())
	}

	s.Tick(ctx, first.Add(time.Minute))
	if n := len(proactiveEntries(t, db, "luna")); n != 1 {
		t.Fatalf("expected the retry to send, got %d", n)
	}
	if len(rec.events) != 1 {
		t.Errorf("expected one event, got %d", len(rec.events))
	}
}

func TestScheduler_SkipsDisabledAndOutsideWindow(t *testing.T) {
	db := openStore(t)
	companions := []domain.Companion{
		{ID: "luna", Name: "Luna", Active: true},
		{ID: "john", Name: "John", Active: true},
	}
	s, _ := newScheduler(t, db, NewTemplateSynthesizer(1), companions...)
	ctx := context.Background()

	off := false
	if err := s.cfg.Settings.UpdateCompanion(ctx, "john", domain.ProactiveOverride{Enabled: &off}); err != nil {
		t.Fatal(err)
	}

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for m := 0; m < 9*60; m++ {
		s.Tick(ctx, day.Add(time.Duration(m)*time.Minute))
	}
	if n := len(proactiveEntries(t, db, "luna")); n != 0 {
		t.Fatalf("expected nothing before the window, got %d", n)
	}

	runDay(ctx, s, day)
	if n := len(proactiveEntries(t, db, "john")); n != 0 {
		t.Errorf("disabled companion sent %d messages", n)
	}
	if n := len(proactiveEntries(t, db, "luna")); n != 3 {
		t.Errorf("expected luna to send 3, got %d", n)
	}
}

func TestScheduler_DeliversToBoundChannels(t *testing.T) {
	db := openStore(t)
	rec := &recorder{}
	b := &fakeBindings{bound: map[string][]string{"luna": {"15551230000", "tg:42"}}}
	sender := &fakeSender{sent: map[string][]string{}, fail: "tg:42"}
	s := NewScheduler(Config{
		Registry: companion.NewStaticRegistry([]domain.Companion{{ID: "luna", Name: "Luna", Active: true}}, "luna"),
		Store:    db,
		Log:      conversation.NewLog(db, nil),
		Bindings: b,
		Notifier: sender,
		Events:   rec,
		Seed:     7,
		Logger:   testLogger(),
	})

	runDay(context.Background(), s, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	if got := len(sender.sent["15551230000"]); got != 3 {
		t.Errorf("expected 3 SMS deliveries, got %d", got)
	}
	// the failed channel is logged, not touched
	for _, ch := range b.touched {
		if ch == "tg:42" {
			t.Errorf("failed channel must not be touched")
		}
	}
	if len(b.touched) != 3 {
		t.Errorf("expected 3 touches, got %d", len(b.touched))
	}
}

func TestScheduler_SettingsUpdateInvalidatesPlan(t *testing.T) {
	db := openStore(t)
	s, _ := newScheduler(t, db, NewTemplateSynthesizer(1))
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	s.Tick(ctx, now)
	if _, ok := s.Plan("luna"); !ok {
		t.Fatal("expected a plan after the first tick")
	}

	g := domain.DefaultProactiveSettings()
	g.FrequencyPerDay = 1
	if err := s.cfg.Settings.UpdateGlobal(ctx, g); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Plan("luna"); ok {
		t.Error("expected the plan to be dropped after a settings update")
	}
}

func TestScheduler_StopIsClean(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQL)

	db := openStore(t)
	s, _ := newScheduler(t, db, NewTemplateSynthesizer(1))
	s.cfg.TickInterval = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil from Run, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQL)

	db := openStore(t)
	s, _ := newScheduler(t, db, NewTemplateSynthesizer(1))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduler_StopBeforeRun(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreSQL)

	db := openStore(t)
	s, _ := newScheduler(t, db, NewTemplateSynthesizer(1))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil from Run, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after an early Stop")
	}

	// a stopped scheduler does not start again
	if err := s.Run(context.Background()); err != nil {
		t.Errorf("expected nil from Run after Stop, got %v", err)
	}
}
