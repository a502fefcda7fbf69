package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"companiond/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

// Ollama implements domain.Completer for a local or remote Ollama server.
type Ollama struct {
	name        string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

type OllamaConfig struct {
	Name        string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	Client      *http.Client
	Logger      *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.Name == "" {
		cfg.Name = "ollama"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		name:        cfg.Name,
		apiBase:     cfg.APIBase,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (o *Ollama) Name() string { return o.name }

func (o *Ollama) Healthy(ctx context.Context) error {
	if err := getOK(ctx, o.client, o.apiBase+"/api/tags", nil); err != nil {
		return &domain.ProviderError{Provider: o.name, Err: err}
	}
	return nil
}

// ollamaRequest matches the Ollama /api/chat request body.
type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason"`
}

func (o *Ollama) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	msgs := []ollamaMsg{{Role: "system", Content: systemText(req)}}
	for _, t := range buildTurns(req) {
		msgs = append(msgs, ollamaMsg{Role: t.Role, Content: t.Content})
	}

	body := ollamaRequest{Model: o.model, Messages: msgs}
	opts := map[string]any{}
	if o.temperature > 0 {
		opts["temperature"] = o.temperature
	}
	if o.maxTokens > 0 {
		opts["num_predict"] = o.maxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	var resp ollamaResponse
	if err := postJSON(ctx, o.client, o.logger, o.apiBase+"/api/chat", nil, body, &resp); err != nil {
		return "", &domain.ProviderError{Provider: o.name, Err: err}
	}
	if resp.Message.Content == "" {
		return "", &domain.ProviderError{Provider: o.name, Err: errors.New("empty completion")}
	}
	return resp.Message.Content, nil
}
