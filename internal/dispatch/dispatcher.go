// Package dispatch delivers domain events to registered webhook subscribers.
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"companiond/internal/domain"
	"companiond/internal/metrics"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 5 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	Store     domain.SubscriberStore
	Client    *http.Client
	Secret    string // when set, bodies are signed with X-Signature-256
	QueueSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dispatcher fans events out to webhook subscribers. Each subscriber has its
// own FIFO queue and worker, so one slow endpoint never delays another and
// events reach a subscriber in the order they were raised.
type Dispatcher struct {
	store     domain.SubscriberStore
	client    *http.Client
	secret    string
	queueSize int
	logger    *slog.Logger
	now       func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type subscriber struct {
	sub   domain.WebhookSubscription
	queue chan delivery
}

type delivery struct {
	id   string
	kind domain.EventKind
	body []byte
}

// payload is the wire body. Field names are part of the public contract.
type payload struct {
	Event     domain.EventKind `json:"event"`
	Timestamp string           `json:"timestamp"`
	Data      map[string]any   `json:"data"`
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     cfg.Store,
		client:    cfg.Client,
		secret:    cfg.Secret,
		queueSize: cfg.QueueSize,
		logger:    cfg.Logger,
		now:       cfg.Now,
		baseCtx:   ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscriber),
	}
}

// Load starts workers for every persisted subscriber.
func (d *Dispatcher) Load(ctx context.Context) error {
	subs, err := d.store.ListSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range subs {
		d.startLocked(s)
	}
	d.logger.Info("webhook subscribers loaded", "count", len(subs))
	return nil
}

// Register validates and persists url, then starts delivering to it. A
// closed dispatcher rejects the url without persisting it.
// Registering an existing url is a no-op.
func (d *Dispatcher) Register(ctx context.Context, rawURL string) error {
	if err := ValidateURL(rawURL); err != nil {
		return err
	}
	sub := domain.WebhookSubscription{URL: rawURL, RegisteredAt: d.now()}

	// Persist under the lock so Close cannot race the store write.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("dispatcher closed")
	}
	if err := d.store.AddSubscriber(ctx, sub); err != nil {
		return err
	}
	if _, ok := d.subs[rawURL]; !ok {
		d.startLocked(sub)
		d.logger.Info("webhook registered", "url", rawURL)
	}
	return nil
}

// Unregister removes url. Events already queued for it are still delivered.
func (d *Dispatcher) Unregister(ctx context.Context, rawURL string) (bool, error) {
	removed, err := d.store.RemoveSubscriber(ctx, rawURL)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.subs[rawURL]; ok {
		close(s.queue)
		delete(d.subs, rawURL)
		metrics.WebhookSubscribers.Set(float64(len(d.subs)))
		d.logger.Info("webhook unregistered", "url", rawURL)
		removed = true
	}
	return removed, nil
}

// Subscribers returns the active subscriptions ordered by registration.
func (d *Dispatcher) Subscribers() []domain.WebhookSubscription {
	d.mu.Lock()
	out := make([]domain.WebhookSubscription, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s.sub)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Dispatch queues ev for every subscriber and returns immediately.
// A full queue drops the event for that subscriber only.
func (d *Dispatcher) Dispatch(ev domain.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	body, err := json.Marshal(payload{Event: ev.Kind, Timestamp: ts.Format(time.RFC3339Nano), Data: ev.Data})
	if err != nil {
		d.logger.Error("webhook payload encode failed", "event", ev.Kind, "err", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for u, s := range d.subs {
		select {
		case s.queue <- delivery{id: uuid.NewString(), kind: ev.Kind, body: body}:
		default:
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Kind), "dropped").Inc()
			d.logger.Warn("webhook queue full, event dropped", "url", u, "event", ev.Kind)
		}
	}
}

// Emit lets the dispatcher subscribe to the event hub directly.
func (d *Dispatcher) Emit(ev domain.Event) { d.Dispatch(ev) }

// Close stops accepting events and drains queues until ctx expires, after
// which in-flight requests are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for u, s := range d.subs {
			close(s.queue)
			delete(d.subs, u)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		d.client.CloseIdleConnections()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.client.CloseIdleConnections()
		return ctx.Err()
	}
}

func (d *Dispatcher) startLocked(sub domain.WebhookSubscription) {
	if _, ok := d.subs[sub.URL]; ok {
		return
	}
	s := &subscriber{sub: sub, queue: make(chan delivery, d.queueSize)}
	d.subs[sub.URL] = s
	metrics.WebhookSubscribers.Set(float64(len(d.subs)))
	d.wg.Add(1)
	go d.run(s)
}

func (d *Dispatcher) run(s *subscriber) {
	defer d.wg.Done()
	for del := range s.queue {
		if err := d.deliver(s.sub.URL, del); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(del.kind), "failed").Inc()
			d.logger.Warn("webhook delivery failed", "url", s.sub.URL, "event", del.kind, "delivery", del.id, "err", err)
			continue
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(del.kind), "ok").Inc()
		d.logger.Debug("webhook delivered", "url", s.sub.URL, "event", del.kind, "delivery", del.id)
	}
}

func (d *Dispatcher) deliver(target string, del delivery) error {
	req, err := http.NewRequestWithContext(d.baseCtx, http.MethodPost, target, bytes.NewReader(del.body))
	if err != nil {
		return &domain.DeliveryError{URL: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Companion-Event", string(del.kind))
	req.Header.Set("X-Delivery-ID", del.id)
	if d.secret != "" {
		req.Header.Set("X-Signature-256", Sign(del.body, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &domain.DeliveryError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.DeliveryError{URL: target, StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the X-Signature-256 header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a X-Signature-256 header in constant time.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// ErrInvalidURL is returned for webhook urls that are not absolute http(s).
var ErrInvalidURL = errors.New("invalid webhook url")

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w %q: scheme must be http or https", ErrInvalidURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalidURL, raw)
	}
	return nil
}
