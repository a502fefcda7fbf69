package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"companiond/internal/domain"
)

// OpenAI implements domain.Completer for OpenAI-compatible chat APIs.
type OpenAI struct {
	name        string
	apiKey      string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
	logger      *slog.Logger
}

type OpenAIConfig struct {
	Name        string
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	Client      *http.Client
	Logger      *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		apiBase:     cfg.APIBase,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + o.apiKey}
}

func (o *OpenAI) Healthy(ctx context.Context) error {
	if err := getOK(ctx, o.client, o.apiBase+"/models", o.headers()); err != nil {
		return &domain.ProviderError{Provider: o.name, Err: err}
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
}

func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	msgs := []oaiMessage{{Role: "system", Content: systemText(req)}}
	for _, t := range buildTurns(req) {
		msgs = append(msgs, oaiMessage{Role: t.Role, Content: t.Content})
	}

	body := oaiRequest{
		Model:     o.model,
		Messages:  msgs,
		MaxTokens: o.maxTokens,
	}
	if o.temperature > 0 {
		body.Temperature = &o.temperature
	}

	var resp oaiResponse
	if err := postJSON(ctx, o.client, o.logger, o.apiBase+"/chat/completions", o.headers(), body, &resp); err != nil {
		return "", &domain.ProviderError{Provider: o.name, Err: err}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &domain.ProviderError{Provider: o.name, Err: errors.New("empty completion")}
	}
	return resp.Choices[0].Message.Content, nil
}
