package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"companiond/internal/config"
	"companiond/internal/domain"
)

// Constructor creates a completer from a config entry.
type Constructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Completer

// Factory creates and caches completers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Completer
	mu           sync.RWMutex
}

// NewFactory creates a factory with the built-in kinds registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Completer),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) the constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Completer {
		return NewOllama(OllamaConfig{
			Name: name, APIBase: pc.APIBase, Model: pc.DefaultModel,
			MaxTokens: pc.MaxTokens, Temperature: pc.Temperature,
			Client: clientFor(pc), Logger: logger,
		})
	}
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Completer {
		return NewOpenAI(OpenAIConfig{
			Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel,
			MaxTokens: pc.MaxTokens, Temperature: pc.Temperature,
			Client: clientFor(pc), Logger: logger,
		})
	}
	f.constructors["anthropic"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.Completer {
		return NewAnthropic(AnthropicConfig{
			Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel,
			MaxTokens: pc.MaxTokens, Temperature: pc.Temperature,
			Client: clientFor(pc), Logger: logger,
		})
	}
}

func clientFor(pc config.ProviderConfig) *http.Client {
	return SharedHTTPClient(time.Duration(pc.TimeoutSeconds) * time.Second)
}

// Get returns the completer for a configured provider name, or the default
// when name is empty. Instances are cached.
func (f *Factory) Get(name string) (domain.Completer, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	kind := pc.KindOr(name)
	ctor, found := f.constructors[kind]
	var c domain.Completer
	switch {
	case found:
		c = ctor(name, pc, f.logger)
	case pc.APIBase != "":
		// Unknown kinds with an endpoint are treated as OpenAI-compatible.
		c = f.constructors["openai"](name, pc, f.logger)
	default:
		return nil, fmt.Errorf("provider %s: no constructor for kind %q and no apiBase configured", name, kind)
	}
	if pc.RateLimitPerMin > 0 {
		c = NewLimited(c, NewRateLimiter(pc.RateLimitPerMin, float64(pc.RateLimitPerMin)))
	}

	f.cache[name] = c
	return c, nil
}

// Completer returns the default provider, wrapped in a failover chain when
// general.failoverChain lists fallbacks. Disabled fallbacks are skipped.
func (f *Factory) Completer() (domain.Completer, error) {
	primary, err := f.Get("")
	if err != nil {
		return nil, err
	}
	chain := []domain.Completer{primary}
	for _, name := range f.cfg.General.FailoverChain {
		if name == f.cfg.General.DefaultProvider {
			continue
		}
		c, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover provider unavailable", "provider", name, "error", err)
			continue
		}
		chain = append(chain, c)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailover(chain, f.logger), nil
}

// Health probes every enabled provider. Providers without a probe report nil.
func (f *Factory) Health(ctx context.Context) map[string]error {
	names := make([]string, 0, len(f.cfg.Providers))
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make(map[string]error, len(names))
	for _, name := range names {
		c, err := f.Get(name)
		if err != nil {
			out[name] = err
			continue
		}
		if hc, ok := c.(HealthChecker); ok {
			out[name] = hc.Healthy(ctx)
		} else {
			out[name] = nil
		}
	}
	return out
}
