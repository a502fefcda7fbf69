package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"companiond/internal/bus"
	"companiond/internal/dispatch"
	"companiond/internal/domain"
	"companiond/internal/router"
)

const (
	apiMaxBodySize      = 1 << 20
	defaultHistoryPage  = 50
	defaultMemoriesPage = 50
)

// Version is reported by /api/health.
var Version = "dev"

// API is the REST surface over the routing facade. It also hosts the SMS
// webhook and /metrics on the same listener.
type API struct {
	addr        string
	token       string
	corsOrigins []string
	router      *router.Router
	events      *bus.Hub
	sms         *SMS
	logger      *slog.Logger
	now         func() time.Time
	server      *http.Server
}

type APIConfig struct {
	Addr        string
	Token       string
	CORSOrigins []string
	Router      *router.Router
	Events      *bus.Hub
	SMS         *SMS // optional
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:5050"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &API{
		addr:        cfg.Addr,
		token:       cfg.Token,
		corsOrigins: cfg.CORSOrigins,
		router:      cfg.Router,
		events:      cfg.Events,
		sms:         cfg.SMS,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Handler builds the HTTP routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", a.handleHealth)
	if a.sms != nil {
		a.sms.Routes(r)
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(a.token))
		r.Use(chimw.RequestSize(apiMaxBodySize))

		r.Get("/api/status", a.handleStatus)

		r.Post("/api/webhook", a.handleRegisterWebhook)
		r.Delete("/api/webhook", a.handleUnregisterWebhook)
		r.Get("/api/webhooks", a.handleListWebhooks)

		r.Get("/api/companions", a.handleCompanions)
		r.Get("/api/companion/current", a.handleCurrentCompanion)
		r.Post("/api/companions/select", a.handleSelect)

		r.Post("/api/message", a.handleMessage)

		r.Get("/api/conversation", a.handleConversation)
		r.Delete("/api/conversation", a.handleClearConversation)

		r.Get("/api/memories", a.handleMemories)
		r.Post("/api/memories", a.handleAddMemory)

		r.Get("/api/proactive/settings", a.handleProactiveSettings)
		r.Put("/api/proactive/settings", a.handleUpdateProactiveSettings)
		r.Get("/api/proactive/companions/{id}", a.handleCompanionProactive)
		r.Put("/api/proactive/companions/{id}", a.handleUpdateCompanionProactive)

		r.Get("/api/bindings/{channelID}", a.handleBinding)
		r.Get("/api/events", a.handleEvents)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (a *API) Start(ctx context.Context) error {
	if a.token == "" {
		a.logger.Warn("REST API has no bearer token; every client on the listen address is trusted", "addr", a.addr)
	}
	a.server = &http.Server{
		Addr:              a.addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second, // completions can be slow
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("REST API listening", "addr", a.addr)
		errc <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

// --- responses ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func ok(fields map[string]any) map[string]any {
	fields["success"] = true
	return fields
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var pe *domain.ProviderError
	var se *domain.PersistenceError
	switch {
	case errors.Is(err, domain.ErrCompanionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSettings),
		errors.Is(err, dispatch.ErrInvalidURL),
		errors.Is(err, router.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrWebhooksDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func companionView(c domain.Companion) map[string]any {
	return map[string]any{
		"id":                c.ID,
		"name":              c.Name,
		"display_name":      c.DisplayName(),
		"gender":            c.Gender,
		"pronouns":          c.Pronouns,
		"personality":       c.Personality,
		"interests":         c.Interests,
		"greeting":          c.Greeting,
		"relationship_goal": c.RelationshipGoal,
		"tone":              c.Tone,
		"background":        c.Background,
	}
}

// --- handlers ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "companiond", "version": Version})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var current any
	if c, found := a.router.Current(); found {
		current = map[string]any{"id": c.ID, "name": c.DisplayName()}
	}
	proactive := false
	if s, err := a.router.ProactiveSettings(r.Context()); err == nil {
		proactive = s.Enabled
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{
		"typing":              a.router.Typing(),
		"current_companion":   current,
		"webhook_subscribers": len(a.router.Webhooks()),
		"proactive_enabled":   proactive,
	}))
}

type urlRequest struct {
	URL string `json:"url"`
}

func (a *API) readURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req urlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing url")
		return "", false
	}
	u := strings.TrimSpace(req.URL)
	if u == "" {
		writeError(w, http.StatusBadRequest, "Missing url")
		return "", false
	}
	return u, true
}

func (a *API) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	u, valid := a.readURL(w, r)
	if !valid {
		return
	}
	if err := a.router.RegisterWebhook(r.Context(), u); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"message": "Webhook registered", "url": u}))
}

func (a *API) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	u, valid := a.readURL(w, r)
	if !valid {
		return
	}
	removed, err := a.router.UnregisterWebhook(r.Context(), u)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "URL not registered")
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"message": "Webhook removed"}))
}

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs := a.router.Webhooks()
	if subs == nil {
		subs = []domain.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"webhooks": subs}))
}

func (a *API) handleCompanions(w http.ResponseWriter, r *http.Request) {
	list := a.router.Companions()
	views := make([]map[string]any, 0, len(list))
	for _, c := range list {
		views = append(views, companionView(c))
	}
	var currentID any
	if c, found := a.router.Current(); found {
		currentID = c.ID
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"companions": views, "current_companion_id": currentID}))
}

func (a *API) handleCurrentCompanion(w http.ResponseWriter, r *http.Request) {
	c, found := a.router.Current()
	if !found {
		writeError(w, http.StatusNotFound, "No companion selected")
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"companion": companionView(c)}))
}

func (a *API) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CompanionID string `json:"companion_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.CompanionID == "" {
		writeError(w, http.StatusBadRequest, "Missing companion_id")
		return
	}
	if err := a.router.Select(r.Context(), req.CompanionID); err != nil {
		a.fail(w, r, err)
		return
	}
	c, _ := a.router.Current()
	writeJSON(w, http.StatusOK, ok(map[string]any{"companion": companionView(c)}))
}

func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message   string `json:"message"`
		ChannelID string `json:"channel_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing message")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Empty message")
		return
	}

	reply, err := a.router.Submit(r.Context(), router.Inbound{
		ChannelID: req.ChannelID,
		Source:    domain.SourceAPI,
		Text:      req.Message,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	companion := map[string]any{"id": reply.CompanionID}
	if c, found := a.router.Companion(reply.CompanionID); found {
		companion["name"] = c.DisplayName()
	}
	body := map[string]any{
		"response":   reply.Text,
		"companion":  companion,
		"channel_id": reply.ChannelID,
		"timestamp":  a.now().Format(time.RFC3339),
	}
	if reply.Command != "" {
		body["command"] = reply.Command
	}
	writeJSON(w, http.StatusOK, ok(body))
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("companion_id")
	entries, err := a.router.Conversation(r.Context(), id, queryInt(r, "limit", defaultHistoryPage))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if id == "" {
		if c, found := a.router.Current(); found {
			id = c.ID
		}
	}
	if entries == nil {
		entries = []domain.ConversationEntry{}
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"companion_id": id, "messages": entries}))
}

func (a *API) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	n, err := a.router.ClearConversation(r.Context(), r.URL.Query().Get("companion_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"message": "Conversation cleared", "deleted": n}))
}

func (a *API) handleMemories(w http.ResponseWriter, r *http.Request) {
	mems, err := a.router.Memories(r.Context(), r.URL.Query().Get("companion_id"), queryInt(r, "limit", defaultMemoriesPage))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if mems == nil {
		mems = []domain.Memory{}
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"memories": mems}))
}

func (a *API) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	req := struct {
		domain.Memory
		Shared *bool `json:"is_shared"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing data")
		return
	}
	m := req.Memory
	m.Content = strings.TrimSpace(m.Content)
	if m.Type == "" || m.Content == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: memory_type, content")
		return
	}
	m.Shared = req.Shared == nil || *req.Shared
	saved, err := a.router.AddMemory(r.Context(), m)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"memory": saved}))
}

// settingsPatch is a partial update; absent fields keep their value.
type settingsPatch struct {
	Enabled       *bool             `json:"enabled"`
	Frequency     *int              `json:"frequency"`
	TimeStart     *domain.ClockTime `json:"time_start"`
	TimeEnd       *domain.ClockTime `json:"time_end"`
	MinGapMinutes *int              `json:"min_gap_minutes"`
}

func (p settingsPatch) override() domain.ProactiveOverride {
	o := domain.ProactiveOverride{
		Enabled:         p.Enabled,
		FrequencyPerDay: p.Frequency,
		WindowStart:     p.TimeStart,
		WindowEnd:       p.TimeEnd,
	}
	if p.MinGapMinutes != nil {
		gap := time.Duration(*p.MinGapMinutes) * time.Minute
		o.MinGap = &gap
	}
	return o
}

func settingsView(s domain.ProactiveSettings) map[string]any {
	return map[string]any{
		"enabled":         s.Enabled,
		"frequency":       s.FrequencyPerDay,
		"time_start":      s.WindowStart.String(),
		"time_end":        s.WindowEnd.String(),
		"min_gap_minutes": int(s.MinGap / time.Minute),
	}
}

func (a *API) readPatch(w http.ResponseWriter, r *http.Request) (settingsPatch, bool) {
	var p settingsPatch
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return p, false
	}
	return p, true
}

func (a *API) handleProactiveSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.router.ProactiveSettings(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"settings": settingsView(s)}))
}

func (a *API) handleUpdateProactiveSettings(w http.ResponseWriter, r *http.Request) {
	p, valid := a.readPatch(w, r)
	if !valid {
		return
	}
	cur, err := a.router.ProactiveSettings(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	next := p.override().Apply(cur)
	if err := a.router.UpdateProactiveSettings(r.Context(), next); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"message": "Settings updated", "settings": settingsView(next)}))
}

func (a *API) handleCompanionProactive(w http.ResponseWriter, r *http.Request) {
	st, err := a.router.CompanionProactive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	body := map[string]any{
		"companion_id": st.CompanionID,
		"settings":     settingsView(st.Settings),
		"override":     st.Override,
	}
	if st.LastSentAt != nil {
		body["last_sent_at"] = st.LastSentAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, ok(body))
}

func (a *API) handleUpdateCompanionProactive(w http.ResponseWriter, r *http.Request) {
	p, valid := a.readPatch(w, r)
	if !valid {
		return
	}
	if err := a.router.UpdateCompanionProactive(r.Context(), chi.URLParam(r, "id"), p.override()); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"message": "Companion settings updated"}))
}

func (a *API) handleBinding(w http.ResponseWriter, r *http.Request) {
	b, err := a.router.Binding(r.Context(), chi.URLParam(r, "channelID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "Channel not bound")
		return
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"binding": b}))
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeJSON(w, http.StatusOK, ok(map[string]any{"events": []domain.Event{}}))
		return
	}
	kind := bus.Wildcard
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = domain.EventKind(k)
	}
	events := a.events.Recent(kind, queryInt(r, "limit", defaultHistoryPage))
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, ok(map[string]any{"events": events}))
}
