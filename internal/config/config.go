package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"companiond/internal/domain"
)

// Config is the root configuration for companiond.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Proactive ProactiveConfig           `json:"proactive"`
	Webhooks  WebhooksConfig            `json:"webhooks"`
	Memory    MemoryConfig              `json:"memory"`
}

type GeneralConfig struct {
	DataDir          string   `json:"dataDir"`
	LogLevel         string   `json:"logLevel"`
	DBPath           string   `json:"dbPath"`
	CompanionsDir    string   `json:"companionsDir"`
	DefaultCompanion string   `json:"defaultCompanion,omitempty"`
	HistoryLimit     int      `json:"historyLimit"`
	DefaultProvider  string   `json:"defaultProvider"`
	FailoverChain    []string `json:"failoverChain,omitempty"` // tried after defaultProvider
	WatchCompanions  bool     `json:"watchCompanions"`
}

type ProviderConfig struct {
	Enabled         bool    `json:"enabled"`
	Kind            string  `json:"kind,omitempty"` // "ollama" | "openai" | "anthropic"; defaults to the entry name
	APIBase         string  `json:"apiBase,omitempty"`
	APIKey          string  `json:"apiKey,omitempty"`
	DefaultModel    string  `json:"defaultModel,omitempty"`
	MaxTokens       int     `json:"maxTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	TimeoutSeconds  int     `json:"timeoutSeconds,omitempty"`
	RateLimitPerMin int     `json:"rateLimitPerMinute,omitempty"`
}

type ChannelsConfig struct {
	SMS      SMSConfig      `json:"sms"`
	Telegram TelegramConfig `json:"telegram"`
	API      APIConfig      `json:"api"`
}

// SMSConfig configures the Twilio SMS transport.
type SMSConfig struct {
	Enabled           bool   `json:"enabled"`
	AccountSID        string `json:"accountSid,omitempty"`
	AuthToken         string `json:"authToken,omitempty"`
	FromNumber        string `json:"fromNumber,omitempty"`
	APIBase           string `json:"apiBase,omitempty"`
	ValidateSignature bool   `json:"validateSignature"`
	PublicURL         string `json:"publicUrl,omitempty"` // externally visible URL of /sms/incoming
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// APIConfig configures the HTTP server: REST API, SMS webhook and metrics.
type APIConfig struct {
	Enabled     bool     `json:"enabled"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Token       string   `json:"token,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type ProactiveConfig struct {
	Enabled         bool   `json:"enabled"`
	FrequencyPerDay int    `json:"frequencyPerDay"`
	WindowStart     string `json:"windowStart"`
	WindowEnd       string `json:"windowEnd"`
	MinGapMinutes   int    `json:"minGapMinutes"`
	TickSeconds     int    `json:"tickSeconds"`
	Seed            uint64 `json:"seed,omitempty"`
	Synthesizer     string `json:"synthesizer"` // "template" | "model"
}

// Settings converts the configured defaults into domain settings.
func (p ProactiveConfig) Settings() (domain.ProactiveSettings, error) {
	start, err := domain.ParseClock(p.WindowStart)
	if err != nil {
		return domain.ProactiveSettings{}, err
	}
	end, err := domain.ParseClock(p.WindowEnd)
	if err != nil {
		return domain.ProactiveSettings{}, err
	}
	s := domain.ProactiveSettings{
		Enabled:         p.Enabled,
		FrequencyPerDay: p.FrequencyPerDay,
		WindowStart:     start,
		WindowEnd:       end,
		MinGap:          time.Duration(p.MinGapMinutes) * time.Minute,
	}
	return s, s.Validate()
}

// Tick returns the scheduler interval.
func (p ProactiveConfig) Tick() time.Duration {
	return time.Duration(p.TickSeconds) * time.Second
}

type WebhooksConfig struct {
	Secret         string   `json:"secret,omitempty"`
	QueueSize      int      `json:"queueSize"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	URLs           []string `json:"urls,omitempty"` // registered at startup
}

type MemoryConfig struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit"`
}

// DefaultConfigDir returns the default config directory (~/.companiond).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".companiond"
	}
	return filepath.Join(home, ".companiond")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv reads .env from the working directory and then from the config
// directory. Variables already set are kept; missing files are ignored.
func LoadDotEnv(configPath string) {
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(filepath.Dir(ExpandPath(configPath)), ".env"))
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.expandPaths()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) expandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.DBPath = ExpandPath(c.General.DBPath)
	c.General.CompanionsDir = ExpandPath(c.General.CompanionsDir)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		hasDefault := strings.Contains(match, ":-")

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// config holds provider keys and the Twilio token
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.DBPath == "" {
		errs = append(errs, "general.dbPath is required")
	}
	if cfg.General.HistoryLimit < 1 || cfg.General.HistoryLimit > 500 {
		errs = append(errs, "general.historyLimit must be between 1 and 500")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, name := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.Providers {
		switch pc.KindOr(name) {
		case "ollama":
		case "openai", "anthropic":
			if pc.Enabled && pc.APIKey == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiKey is required", name))
			}
		default:
			if pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: unknown kind %q needs an apiBase", name, pc.Kind))
			}
		}
	}

	sms := cfg.Channels.SMS
	if sms.Enabled {
		if sms.AccountSID == "" || sms.AuthToken == "" || sms.FromNumber == "" {
			errs = append(errs, "channels.sms: accountSid, authToken and fromNumber are required")
		}
		if sms.ValidateSignature && sms.PublicURL == "" {
			errs = append(errs, "channels.sms.publicUrl is required when validateSignature is on")
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required")
	}
	if cfg.Channels.API.Port < 0 || cfg.Channels.API.Port > 65535 {
		errs = append(errs, "channels.api.port must be between 0 and 65535")
	}

	if _, err := cfg.Proactive.Settings(); err != nil {
		errs = append(errs, fmt.Sprintf("proactive: %v", err))
	}
	if cfg.Proactive.TickSeconds < 1 {
		errs = append(errs, "proactive.tickSeconds must be >= 1")
	}
	switch cfg.Proactive.Synthesizer {
	case "template", "model":
	default:
		errs = append(errs, "proactive.synthesizer must be one of: template, model")
	}

	if cfg.Webhooks.QueueSize < 1 {
		errs = append(errs, "webhooks.queueSize must be >= 1")
	}
	for _, raw := range cfg.Webhooks.URLs {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("webhooks.urls: invalid url %q", raw))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// KindOr returns the provider kind, defaulting to the entry name.
func (p ProviderConfig) KindOr(name string) string {
	if p.Kind != "" {
		return p.Kind
	}
	return name
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
