package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"companiond/internal/config"
	"companiond/internal/domain"
)

func init() {
	backoff = func(int) time.Duration { return time.Millisecond }
}

var luna = domain.Companion{ID: "luna", Name: "Luna", Tone: "playful", Active: true}

func chatRequest() domain.CompletionRequest {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.CompletionRequest{
		Companion: luna,
		Memories:  []domain.Memory{{Content: "User's name is Sam"}},
		Now:       at,
		History: []domain.ConversationEntry{
			{Role: domain.RoleCompanion, Kind: domain.KindProactive, Text: "Hey you"},
			{Role: domain.RoleUser, Kind: domain.KindChat, Text: "hi"},
			{Role: domain.RoleUser, Kind: domain.KindCommand, Text: "/list"},
			{Role: domain.RoleSystem, Kind: domain.KindCommand, Text: "luna, john"},
			{Role: domain.RoleUser, Kind: domain.KindChat, Text: "how are you"},
		},
	}
}

func TestBuildTurns(t *testing.T) {
	got := buildTurns(chatRequest())
	want := []turn{{Role: roleUser, Content: "hi\nhow are you"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("turns mismatch (-want +got):\n%s", diff)
	}

	req := chatRequest()
	req.History = append(req.History, domain.ConversationEntry{Role: domain.RoleCompanion, Kind: domain.KindChat, Text: "great!"})
	req.Instruction = "Send a short check-in."
	got = buildTurns(req)
	want = []turn{
		{Role: roleUser, Content: "hi\nhow are you"},
		{Role: roleAssistant, Content: "great!"},
		{Role: roleUser, Content: "Send a short check-in."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("turns mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	var gotBody oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"doing great"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL, Model: "gpt-test", Logger: testLogger()})
	got, err := o.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "doing great" {
		t.Errorf("expected 'doing great', got %q", got)
	}
	if gotBody.Model != "gpt-test" || len(gotBody.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", gotBody)
	}
	if gotBody.Messages[0].Role != "system" || !strings.Contains(gotBody.Messages[0].Content, "Luna") {
		t.Errorf("expected persona system message, got %+v", gotBody.Messages[0])
	}
	if !strings.Contains(gotBody.Messages[0].Content, "User's name is Sam") {
		t.Error("expected memories in system prompt")
	}
}

func TestOpenAI_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	got, err := o.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" || calls.Load() != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", got, calls.Load())
	}
}

func TestOpenAI_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	_, err := o.Complete(context.Background(), chatRequest())

	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Provider != "openai" {
		t.Fatalf("expected ProviderError from openai, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestOpenAI_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIBase: srv.URL, Logger: testLogger()})
	if _, err := o.Complete(context.Background(), chatRequest()); err == nil {
		t.Fatal("expected error for empty completion")
	}
}

func TestOllama_Complete(t *testing.T) {
	var gotBody ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"message":{"role":"assistant","content":"hey there"},"done":true}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL, Temperature: 0.7, MaxTokens: 128, Logger: testLogger()})
	got, err := o.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hey there" {
		t.Errorf("expected 'hey there', got %q", got)
	}
	if gotBody.Stream {
		t.Error("expected non-streaming request")
	}
	if gotBody.Options["num_predict"] != float64(128) {
		t.Errorf("expected num_predict 128, got %v", gotBody.Options["num_predict"])
	}
	if err := o.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy: %v", err)
	}
}

func TestOllama_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	o := NewOllama(OllamaConfig{APIBase: base, Logger: testLogger()})
	if err := o.Healthy(context.Background()); err == nil {
		t.Error("expected unhealthy")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := o.Complete(ctx, chatRequest())
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestAnthropic_Complete(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "sk-ant-test" {
			t.Errorf("missing api key header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello "},{"type":"text","text":"Sam"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":3}}`))
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test", APIBase: srv.URL, Model: "claude-test", Logger: testLogger()})
	got, err := a.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello Sam" {
		t.Errorf("expected 'hello Sam', got %q", got)
	}
	if gotBody["model"] != "claude-test" {
		t.Errorf("expected model claude-test, got %v", gotBody["model"])
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}
}

func TestAnthropic_BadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{APIKey: "k", APIBase: srv.URL, Logger: testLogger()})
	_, err := a.Complete(context.Background(), chatRequest())
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Provider != "anthropic" {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestAnthropic_NoUserTurn(t *testing.T) {
	a := NewAnthropic(AnthropicConfig{APIKey: "k", APIBase: "http://127.0.0.1:1", Logger: testLogger()})
	if _, err := a.Complete(context.Background(), domain.CompletionRequest{Companion: luna}); err == nil {
		t.Fatal("expected error without any user turn")
	}
}

func TestFactory_BuildsConfiguredKinds(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["claude"] = config.ProviderConfig{Enabled: true, Kind: "anthropic", APIKey: "k"}
	cfg.Providers["local"] = config.ProviderConfig{Enabled: true, Kind: "vllm", APIBase: "http://localhost:8000/v1", RateLimitPerMin: 10}
	cfg.Providers["off"] = config.ProviderConfig{Enabled: false}
	f := NewFactory(cfg, testLogger())

	c, err := f.Get("claude")
	if err != nil {
		t.Fatalf("Get claude: %v", err)
	}
	if _, ok := c.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", c)
	}
	again, _ := f.Get("claude")
	if again != c {
		t.Error("expected cached instance")
	}

	local, err := f.Get("local")
	if err != nil {
		t.Fatalf("Get local: %v", err)
	}
	if _, ok := local.(*Limited); !ok {
		t.Errorf("expected rate-limited completer, got %T", local)
	}

	if _, err := f.Get("off"); err == nil {
		t.Error("expected error for disabled provider")
	}
	if _, err := f.Get("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestFactory_CompleterFailoverChain(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["openai"] = config.ProviderConfig{Enabled: true, APIKey: "k"}
	cfg.Providers["off"] = config.ProviderConfig{Enabled: false}

	f := NewFactory(cfg, testLogger())
	c, err := f.Completer()
	if err != nil {
		t.Fatalf("Completer: %v", err)
	}
	if _, ok := c.(*Ollama); !ok {
		t.Errorf("expected plain ollama without chain, got %T", c)
	}

	cfg.General.FailoverChain = []string{"openai", "off"}
	f = NewFactory(cfg, testLogger())
	c, err = f.Completer()
	if err != nil {
		t.Fatalf("Completer: %v", err)
	}
	if c.Name() != "failover(ollama→openai)" {
		t.Errorf("unexpected chain %q", c.Name())
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"600", maxRetryAfter},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
