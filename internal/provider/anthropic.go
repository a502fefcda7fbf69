package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"companiond/internal/domain"
)

const anthropicDefaultModel = "claude-sonnet-4-5"

// Anthropic implements domain.Completer with the Anthropic Messages API.
type Anthropic struct {
	name        string
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *slog.Logger
}

type AnthropicConfig struct {
	Name        string
	APIKey      string
	APIBase     string // optional, for Anthropic-compatible gateways
	Model       string
	MaxTokens   int
	Temperature float64
	Client      *http.Client
	Logger      *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithMaxRetries(maxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	if cfg.Client != nil {
		opts = append(opts, option.WithHTTPClient(cfg.Client))
	}
	client := anthropic.NewClient(opts...)

	return &Anthropic{
		name:        cfg.Name,
		client:      &client,
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	var messages []anthropic.MessageParam
	for _, t := range buildTurns(req) {
		switch t.Role {
		case roleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		case roleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	if len(messages) == 0 {
		return "", &domain.ProviderError{Provider: a.name, Err: errors.New("no user turn to answer")}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
		System:    []anthropic.TextBlockParam{{Text: systemText(req)}},
	}
	if a.temperature > 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", &domain.ProviderError{Provider: a.name, Err: err}
	}

	var b strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	if b.Len() == 0 {
		return "", &domain.ProviderError{Provider: a.name, Err: errors.New("empty completion")}
	}
	a.logger.Debug("anthropic completion",
		"model", string(message.Model),
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
	)
	return b.String(), nil
}
