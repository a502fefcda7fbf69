package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"companiond/internal/config"
)

func init() {
	color.NoColor = true
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAskSetup_Defaults(t *testing.T) {
	cfg := config.Defaults()
	if err := askSetup(cfg, strings.NewReader(""), io.Discard); err != nil {
		t.Fatalf("askSetup: %v", err)
	}
	if cfg.General.DefaultProvider != "ollama" {
		t.Errorf("expected ollama, got %s", cfg.General.DefaultProvider)
	}
	if cfg.Channels.Telegram.Enabled || cfg.Channels.SMS.Enabled {
		t.Error("channels should stay disabled by default")
	}
	if !cfg.Proactive.Enabled {
		t.Error("proactive should default to enabled")
	}
}

func TestAskSetup_Answers(t *testing.T) {
	answers := strings.Join([]string{
		"3",       // anthropic
		"",        // key reference default
		"y",       // telegram
		"123:abc", // bot token
		"n",       // sms
		"y",       // proactive
		"5",       // per day
		"",        // start default
		"21:00",   // end
	}, "\n") + "\n"

	cfg := config.Defaults()
	if err := askSetup(cfg, strings.NewReader(answers), io.Discard); err != nil {
		t.Fatalf("askSetup: %v", err)
	}
	if cfg.General.DefaultProvider != "anthropic" {
		t.Fatalf("expected anthropic, got %s", cfg.General.DefaultProvider)
	}
	pc := cfg.Providers["anthropic"]
	if pc.APIKey != "${ANTHROPIC_API_KEY}" {
		t.Errorf("expected env reference, got %q", pc.APIKey)
	}
	if len(cfg.General.FailoverChain) != 1 || cfg.General.FailoverChain[0] != "ollama" {
		t.Errorf("expected ollama failover, got %v", cfg.General.FailoverChain)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "123:abc" {
		t.Errorf("unexpected telegram config %+v", cfg.Channels.Telegram)
	}
	if cfg.Proactive.FrequencyPerDay != 5 || cfg.Proactive.WindowEnd != "21:00" {
		t.Errorf("unexpected proactive config %+v", cfg.Proactive)
	}
}

func TestAskSetup_InvalidWindow(t *testing.T) {
	answers := "1\nn\nn\ny\n3\n23:00\n08:00\n"
	if err := askSetup(config.Defaults(), strings.NewReader(answers), io.Discard); err == nil {
		t.Error("expected validation error for inverted window")
	}
}

func TestWriteStarterCompanions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "companions")

	written, err := writeStarterCompanions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !written {
		t.Fatal("expected presets to be written to an empty dir")
	}
	if _, err := os.Stat(filepath.Join(dir, companionsFile)); err != nil {
		t.Errorf("expected %s: %v", companionsFile, err)
	}

	written, err = writeStarterCompanions(dir)
	if err != nil {
		t.Fatal(err)
	}
	if written {
		t.Error("existing companions should not be overwritten")
	}
}
