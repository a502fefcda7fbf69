package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"companiond/internal/binding"
	"companiond/internal/domain"
	"companiond/internal/lane"
	"companiond/internal/router"
)

const (
	smsMaxBody   = 1600 // Twilio's concatenated-message limit
	emptyTwiML   = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	maxFormBytes = 64 << 10
)

// Submitter is the part of the routing facade the transports use.
type Submitter interface {
	Submit(ctx context.Context, in router.Inbound) (router.Reply, error)
}

// SMS receives Twilio webhooks and hands each message to the router on the
// sender's serial lane.
type SMS struct {
	router            Submitter
	sender            domain.Sender
	lanes             *lane.Serial
	authToken         string
	validateSignature bool
	publicURL         string
	ctx               context.Context
	logger            *slog.Logger
}

type SMSConfig struct {
	Router Submitter
	Sender domain.Sender // carries replies back; nil drops them
	Lanes  *lane.Serial
	// AuthToken and PublicURL are needed when ValidateSignature is set.
	AuthToken         string
	ValidateSignature bool
	PublicURL         string
	// BaseContext scopes the queued work; defaults to context.Background().
	BaseContext context.Context
	Logger      *slog.Logger
}

func NewSMS(cfg SMSConfig) *SMS {
	if cfg.Lanes == nil {
		cfg.Lanes = lane.NewSerial()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SMS{
		router:            cfg.Router,
		sender:            cfg.Sender,
		lanes:             cfg.Lanes,
		authToken:         cfg.AuthToken,
		validateSignature: cfg.ValidateSignature,
		publicURL:         cfg.PublicURL,
		ctx:               cfg.BaseContext,
		logger:            cfg.Logger,
	}
}

// Routes mounts the webhook endpoints.
func (s *SMS) Routes(r chi.Router) {
	r.Post("/sms/incoming", s.handleIncoming)
	r.Get("/sms/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "sms-webhook"})
	})
}

// Wait blocks until every queued message has been processed.
func (s *SMS) Wait() { s.lanes.Wait() }

func (s *SMS) handleIncoming(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if s.validateSignature {
		sig := r.Header.Get("X-Twilio-Signature")
		if !ValidTwilioSignature(s.authToken, s.publicURL, r.PostForm, sig) {
			s.logger.Warn("sms signature rejected", "remote_addr", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	from := binding.Normalize(r.PostForm.Get("From"))
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	sid := r.PostForm.Get("MessageSid")

	if from != "" && body != "" {
		s.logger.Info("sms received", "channel", from, "sid", sid, "len", len(body))
		s.lanes.Go(from, func() { s.process(from, body, sid) })
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, emptyTwiML)
}

func (s *SMS) process(from, body, sid string) {
	reply, err := s.router.Submit(s.ctx, router.Inbound{
		ChannelID: from,
		Source:    domain.SourceSMS,
		Text:      body,
	})
	if err != nil {
		s.logger.Error("sms message failed", "channel", from, "sid", sid, "err", err)
		return
	}
	if s.sender == nil || reply.Text == "" {
		return
	}
	if err := s.sender.Send(s.ctx, from, reply.Text); err != nil {
		s.logger.Error("sms reply failed", "channel", from, "err", err)
	}
}

// TwilioSignature computes the X-Twilio-Signature for a form POST to fullURL:
// base64(HMAC-SHA1(authToken, url + sorted key/value pairs)).
func TwilioSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidTwilioSignature reports whether sig matches the expected signature.
func ValidTwilioSignature(authToken, fullURL string, form url.Values, sig string) bool {
	if sig == "" || authToken == "" {
		return false
	}
	want := TwilioSignature(authToken, fullURL, form)
	return hmac.Equal([]byte(want), []byte(sig))
}

// TwilioSender sends SMS through the Twilio Messages REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	apiBase    string
	client     *http.Client
	logger     *slog.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Client     *http.Client
	Logger     *slog.Logger
}

func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.twilio.com"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TwilioSender{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		client:     cfg.Client,
		logger:     cfg.Logger,
	}
}

func (t *TwilioSender) Name() string { return "sms" }

// Send posts text to the phone number behind a normalised channel id.
func (t *TwilioSender) Send(ctx context.Context, channelID, text string) error {
	to := binding.Normalize(channelID)
	if to == "" || !isDigits(to) {
		return fmt.Errorf("sms: %q is not a phone number", channelID)
	}
	if len(text) > smsMaxBody {
		cut := smsMaxBody
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	form := url.Values{}
	form.Set("To", "+"+to)
	form.Set("From", t.from)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.apiBase, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("sms: twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	t.logger.Debug("sms sent", "channel", to, "len", len(text))
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
