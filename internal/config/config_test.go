package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_HistoryLimit(t *testing.T) {
	cfg := Defaults()
	cfg.General.HistoryLimit = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for historyLimit=0")
	}
	cfg.General.HistoryLimit = 500
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyLimit=500 should be valid: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Channels.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_UnknownDefaultProvider(t *testing.T) {
	cfg := Defaults()
	cfg.General.DefaultProvider = "nonexistent"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown default provider")
	}
}

func TestValidate_FailoverChainUnknown(t *testing.T) {
	cfg := Defaults()
	cfg.General.FailoverChain = []string{"openai"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown provider in failover chain")
	}
}

func TestValidate_ProviderNeedsKey(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["anthropic"] = ProviderConfig{Enabled: true, DefaultModel: "claude-sonnet-4-5"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for anthropic without apiKey")
	}
	cfg.Providers["anthropic"] = ProviderConfig{Enabled: true, APIKey: "sk-ant-test"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_SMSRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.SMS.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for sms without credentials")
	}

	cfg.Channels.SMS.AccountSID = "AC123"
	cfg.Channels.SMS.AuthToken = "secret"
	cfg.Channels.SMS.FromNumber = "+15550001111"
	cfg.Channels.SMS.ValidateSignature = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for signature validation without publicUrl")
	}

	cfg.Channels.SMS.PublicURL = "https://example.com/sms/incoming"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_ProactiveWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Proactive.WindowStart = "22:00"
	cfg.Proactive.WindowEnd = "09:00"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for inverted window")
	}

	cfg = Defaults()
	cfg.Proactive.WindowStart = "9am"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for malformed clock")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "loud"
	cfg.Proactive.Synthesizer = "magic"
	cfg.Webhooks.URLs = []string{"ftp://x"}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"logLevel", "synthesizer", "webhooks.urls"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got: %v", want, err)
		}
	}
}

// --- Proactive ---

func TestProactiveConfig_Settings(t *testing.T) {
	s, err := Defaults().Proactive.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.WindowStart.String() != "09:00" || s.WindowEnd.String() != "22:00" {
		t.Errorf("expected 09:00-22:00, got %s-%s", s.WindowStart, s.WindowEnd)
	}
	if s.MinGap != 4*time.Hour {
		t.Errorf("expected 4h gap, got %s", s.MinGap)
	}
	if s.FrequencyPerDay != 3 {
		t.Errorf("expected frequency 3, got %d", s.FrequencyPerDay)
	}
}

// --- Load / Save ---

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{"general": {"logLevel": "debug", "dbPath": "` + filepath.Join(dir, "c.db") + `", "historyLimit": 20, "defaultProvider": "ollama"},
		"channels": {"telegram": {"enabled": true, "token": "tok", "allowFrom": ["123", 456]}}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.General.LogLevel)
	}
	if cfg.Proactive.FrequencyPerDay != 3 {
		t.Errorf("expected default frequency 3, got %d", cfg.Proactive.FrequencyPerDay)
	}
	if got := cfg.Channels.Telegram.AllowFrom; len(got) != 2 || got[1] != "456" {
		t.Errorf("expected allowFrom [123 456], got %v", got)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.General.DefaultProvider != "ollama" {
		t.Errorf("expected defaults, got provider %s", cfg.General.DefaultProvider)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := Defaults()
	cfg.General.DBPath = filepath.Join(t.TempDir(), "c.db")
	cfg.Proactive.FrequencyPerDay = 5

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Proactive.FrequencyPerDay != 5 {
		t.Errorf("expected 5, got %d", loaded.Proactive.FrequencyPerDay)
	}
}

// --- Env vars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("COMPANIOND_TEST_KEY", "abc")
	tests := []struct {
		in, want string
	}{
		{`"${COMPANIOND_TEST_KEY}"`, `"abc"`},
		{`"${COMPANIOND_TEST_UNSET:-fallback}"`, `"fallback"`},
		{`"${COMPANIOND_TEST_UNSET}"`, `"${COMPANIOND_TEST_UNSET}"`},
		{`"plain"`, `"plain"`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLoadDotEnv_FromConfigDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("COMPANIOND_DOTENV_TEST=from-dotenv\n"), 0o600)
	t.Setenv("COMPANIOND_DOTENV_TEST", "")
	os.Unsetenv("COMPANIOND_DOTENV_TEST")

	LoadDotEnv(filepath.Join(dir, "config.json"))
	if got := os.Getenv("COMPANIOND_DOTENV_TEST"); got != "from-dotenv" {
		t.Errorf("expected from-dotenv, got %q", got)
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "proactive.windowStart")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if v != "09:00" {
		t.Errorf("expected 09:00, got %v", v)
	}
	if _, err := GetByPath(cfg, "proactive.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetByPath_CoercesAndValidates(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "proactive.frequencyPerDay", "5"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Proactive.FrequencyPerDay != 5 {
		t.Errorf("expected 5, got %d", cfg.Proactive.FrequencyPerDay)
	}
	if err := SetByPath(cfg, "channels.api.enabled", "false"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Channels.API.Enabled {
		t.Error("expected api disabled")
	}

	if err := SetByPath(cfg, "general.logLevel", "verbose"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("failed set must not change config, got %s", cfg.General.LogLevel)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{APIKey: "sk-1234567890abcdef"}
	cfg.Channels.SMS.AuthToken = "short"
	cfg.Webhooks.Secret = "whsec_0123456789"

	s := Sanitize(cfg)
	if got := s.Providers["openai"].APIKey; got != "sk-1****cdef" {
		t.Errorf("expected masked key, got %s", got)
	}
	if s.Channels.SMS.AuthToken != "***" {
		t.Errorf("expected ***, got %s", s.Channels.SMS.AuthToken)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdef" {
		t.Error("Sanitize must not modify the original")
	}

	data, _ := json.Marshal(s)
	if strings.Contains(string(data), "whsec_0123456789") {
		t.Error("webhook secret leaked")
	}
}

func TestListPaths_Sorted(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected paths")
	}
	for i := 1; i < len(paths); i++ {
		if paths[i-1].Key > paths[i].Key {
			t.Fatalf("paths not sorted: %s > %s", paths[i-1].Key, paths[i].Key)
		}
	}
	found := false
	for _, p := range paths {
		if p.Key == "providers.ollama.apiBase" {
			found = true
		}
	}
	if !found {
		t.Error("expected providers.ollama.apiBase in paths")
	}
}
