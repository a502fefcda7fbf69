// Package bus is the in-process event hub. Every domain event passes through
// it on its way to webhooks, the REST status view and the terminal chat.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"companiond/internal/domain"
)

// Wildcard subscribes to every event kind.
const Wildcard domain.EventKind = "*"

// EventHandler is a callback for events. Handlers run synchronously on the
// emitting goroutine and must not block.
type EventHandler func(domain.Event)

// Hub is a kind-keyed publish/subscribe hub with a bounded history.
type Hub struct {
	handlers   map[domain.EventKind][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []domain.Event
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewHub(logger *slog.Logger, maxHistory int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = 200
	}
	return &Hub{
		handlers:   make(map[domain.EventKind][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for kind (or Wildcard) and returns its id for Off.
func (h *Hub) On(kind domain.EventKind, handler EventHandler) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := string(kind) + "-" + strconv.Itoa(h.nextID)
	h.handlers[kind] = append(h.handlers[kind], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its id.
func (h *Hub) Off(kind domain.EventKind, handlerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handlers := h.handlers[kind]
	for i, nh := range handlers {
		if nh.ID == handlerID {
			h.handlers[kind] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records ev and calls matching handlers in registration order.
// A panicking handler is logged and does not stop the others.
func (h *Hub) Emit(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	if len(h.history) >= h.maxHistory {
		h.history = h.history[1:]
	}
	h.history = append(h.history, ev)
	handlers := make([]namedHandler, 0, len(h.handlers[ev.Kind])+len(h.handlers[Wildcard]))
	handlers = append(handlers, h.handlers[ev.Kind]...)
	handlers = append(handlers, h.handlers[Wildcard]...)
	h.mu.Unlock()

	for _, nh := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("event handler panic", "event", ev.Kind, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(ev)
		}()
	}
}

// Recent returns up to limit of the newest events of kind (Wildcard for all),
// oldest first.
func (h *Hub) Recent(kind domain.EventKind, limit int) []domain.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []domain.Event
	for i := len(h.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if kind == Wildcard || h.history[i].Kind == kind {
			out = append(out, h.history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// HistoryLen returns the number of events currently retained.
func (h *Hub) HistoryLen() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.history)
}
