package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"

	"companiond/internal/domain"
)

func testHubLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestHub_EmitAndReceive(t *testing.T) {
	h := NewHub(testHubLogger(), 0)

	var received int32
	h.On(domain.EventNewMessage, func(e domain.Event) {
		atomic.AddInt32(&received, 1)
	})
	h.Emit(domain.Event{Kind: domain.EventNewMessage})
	h.Emit(domain.Event{Kind: domain.EventTypingStarted})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestHub_WildcardHandler(t *testing.T) {
	h := NewHub(testHubLogger(), 0)

	var kinds []domain.EventKind
	h.On(Wildcard, func(e domain.Event) { kinds = append(kinds, e.Kind) })

	h.Emit(domain.Event{Kind: domain.EventTypingStarted})
	h.Emit(domain.Event{Kind: domain.EventNewMessage})

	if len(kinds) != 2 || kinds[0] != domain.EventTypingStarted || kinds[1] != domain.EventNewMessage {
		t.Errorf("expected typing_started then new_message, got %v", kinds)
	}
}

func TestHub_Off(t *testing.T) {
	h := NewHub(testHubLogger(), 0)

	var count int32
	id := h.On(domain.EventNewMessage, func(e domain.Event) { atomic.AddInt32(&count, 1) })
	other := h.On(domain.EventNewMessage, func(e domain.Event) { atomic.AddInt32(&count, 10) })

	h.Emit(domain.Event{Kind: domain.EventNewMessage})
	h.Off(domain.EventNewMessage, id)
	h.Emit(domain.Event{Kind: domain.EventNewMessage})
	h.Off(domain.EventNewMessage, other)
	h.Emit(domain.Event{Kind: domain.EventNewMessage})

	if atomic.LoadInt32(&count) != 21 {
		t.Errorf("expected 21 after unsubscribe, got %d", count)
	}
}

func TestHub_Recent(t *testing.T) {
	h := NewHub(testHubLogger(), 0)

	h.Emit(domain.Event{Kind: domain.EventTypingStarted})
	h.Emit(domain.Event{Kind: domain.EventNewMessage, Data: map[string]any{"n": 1}})
	h.Emit(domain.Event{Kind: domain.EventTypingStarted})
	h.Emit(domain.Event{Kind: domain.EventNewMessage, Data: map[string]any{"n": 2}})

	msgs := h.Recent(domain.EventNewMessage, 0)
	if len(msgs) != 2 || msgs[0].Data["n"] != 1 || msgs[1].Data["n"] != 2 {
		t.Errorf("expected two new_message events oldest first, got %+v", msgs)
	}
	if got := h.Recent(Wildcard, 3); len(got) != 3 || got[2].Kind != domain.EventNewMessage {
		t.Errorf("expected newest 3 events, got %+v", got)
	}
}

func TestHub_HistoryLimit(t *testing.T) {
	h := NewHub(testHubLogger(), 5)
	for i := 0; i < 10; i++ {
		h.Emit(domain.Event{Kind: domain.EventNewMessage})
	}
	if h.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", h.HistoryLen())
	}
}

func TestHub_PanicRecovery(t *testing.T) {
	h := NewHub(testHubLogger(), 0)

	var after int32
	h.On(domain.EventNewMessage, func(e domain.Event) { panic("test panic") })
	h.On(domain.EventNewMessage, func(e domain.Event) { atomic.AddInt32(&after, 1) })

	h.Emit(domain.Event{Kind: domain.EventNewMessage})
	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after a panicking one should still run")
	}
}

func TestHub_TimestampAutoSet(t *testing.T) {
	h := NewHub(testHubLogger(), 0)
	h.Emit(domain.Event{Kind: domain.EventNewMessage})
	if h.Recent(Wildcard, 1)[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
