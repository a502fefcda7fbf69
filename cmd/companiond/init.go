package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"companiond/internal/companion"
	"companiond/internal/config"
)

// providerMeta describes a provider option for the setup questions.
type providerMeta struct {
	Name         string
	Kind         string
	NeedsKey     bool
	EnvVar       string
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "ollama", Kind: "ollama", APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b"},
	{Name: "openai", Kind: "openai", NeedsKey: true, EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
	{Name: "anthropic", Kind: "anthropic", NeedsKey: true, EnvVar: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5"},
	{Name: "groq", Kind: "openai", NeedsKey: true, EnvVar: "GROQ_API_KEY", APIBase: "https://api.groq.com/openai/v1", DefaultModel: "llama-3.3-70b-versatile"},
	{Name: "openrouter", Kind: "openai", NeedsKey: true, EnvVar: "OPENROUTER_API_KEY", APIBase: "https://openrouter.ai/api/v1", DefaultModel: "openai/gpt-4o-mini"},
}

const companionsFile = "companions.yaml"

func initCmd() *cobra.Command {
	var interactive, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file, data directory and starter companions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}

			cfg := config.Defaults()
			cfg.Channels.API.Token = "${COMPANIOND_API_TOKEN:-" + uuid.NewString() + "}"
			if interactive {
				if err := askSetup(cfg, os.Stdin, os.Stdout); err != nil {
					return err
				}
			}

			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			okColor.Printf("Config saved to %s\n", cfgPath)

			dir := config.ExpandPath(cfg.General.CompanionsDir)
			written, err := writeStarterCompanions(dir)
			if err != nil {
				return err
			}
			if written {
				okColor.Printf("Starter companions written to %s\n", filepath.Join(dir, companionsFile))
			}
			if err := os.MkdirAll(config.ExpandPath(cfg.General.DataDir), 0o700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			fmt.Println("Next: run 'companiond chat' for the terminal, or 'companiond serve' for SMS, Telegram and the REST API.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "ask for provider and channel settings")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// writeStarterCompanions writes the preset profiles unless dir already holds some.
func writeStarterCompanions(dir string) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create companions dir: %w", err)
	}
	existing, err := companion.LoadFromDirectory(dir, logger)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	data, err := companion.Marshal(companion.Presets())
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(filepath.Join(dir, companionsFile), data, 0o644); err != nil {
		return false, fmt.Errorf("write companions: %w", err)
	}
	return true, nil
}

// askSetup walks through provider and channel settings.
func askSetup(cfg *config.Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	prompt := func(label, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	yes := func(label string, def bool) (bool, error) {
		d := "n"
		if def {
			d = "y"
		}
		a, err := prompt(label+" (y/n)", d)
		return strings.HasPrefix(strings.ToLower(a), "y"), err
	}

	headColor.Fprintln(out, "\n--- Step 1: Model provider ---")
	for i, p := range knownProviders {
		fmt.Fprintf(out, "  %d) %s", i+1, p.Name)
		if p.NeedsKey {
			fmt.Fprintf(out, " (set %s)", p.EnvVar)
		}
		fmt.Fprintln(out)
	}
	choice, err := prompt(fmt.Sprintf("Choose provider (1-%d)", len(knownProviders)), "1")
	if err != nil {
		return err
	}
	var idx int
	if n, _ := fmt.Sscanf(choice, "%d", &idx); n != 1 || idx < 1 || idx > len(knownProviders) {
		idx = 1
	}
	prov := knownProviders[idx-1]
	pc := config.ProviderConfig{
		Enabled:      true,
		Kind:         prov.Kind,
		APIBase:      prov.APIBase,
		DefaultModel: prov.DefaultModel,
		MaxTokens:    512,
		Temperature:  0.8,
	}
	if prov.NeedsKey {
		key, err := prompt("API key (or an env reference)", "${"+prov.EnvVar+"}")
		if err != nil {
			return err
		}
		pc.APIKey = key
	}
	cfg.Providers[prov.Name] = pc
	cfg.General.DefaultProvider = prov.Name
	if prov.Name != "ollama" {
		cfg.General.FailoverChain = []string{"ollama"}
	}

	headColor.Fprintln(out, "\n--- Step 2: Channels ---")
	if cfg.Channels.Telegram.Enabled, err = yes("Enable Telegram", false); err != nil {
		return err
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token, err = prompt("Bot token (from @BotFather)", "${TELEGRAM_BOT_TOKEN}"); err != nil {
			return err
		}
	}
	if cfg.Channels.SMS.Enabled, err = yes("Enable SMS (Twilio)", false); err != nil {
		return err
	}
	if cfg.Channels.SMS.Enabled {
		sms := &cfg.Channels.SMS
		if sms.AccountSID, err = prompt("Account SID", "${TWILIO_ACCOUNT_SID}"); err != nil {
			return err
		}
		if sms.AuthToken, err = prompt("Auth token", "${TWILIO_AUTH_TOKEN}"); err != nil {
			return err
		}
		if sms.FromNumber, err = prompt("From number", "${TWILIO_FROM_NUMBER}"); err != nil {
			return err
		}
		if sms.PublicURL, err = prompt("Public URL of /sms/incoming (empty skips signature checks)", ""); err != nil {
			return err
		}
		sms.ValidateSignature = sms.PublicURL != ""
	}

	headColor.Fprintln(out, "\n--- Step 3: Proactive messages ---")
	if cfg.Proactive.Enabled, err = yes("Let companions message first", true); err != nil {
		return err
	}
	if cfg.Proactive.Enabled {
		freq, err := prompt("Messages per day", fmt.Sprint(cfg.Proactive.FrequencyPerDay))
		if err != nil {
			return err
		}
		fmt.Sscanf(freq, "%d", &cfg.Proactive.FrequencyPerDay)
		if cfg.Proactive.WindowStart, err = prompt("Earliest time (HH:MM)", cfg.Proactive.WindowStart); err != nil {
			return err
		}
		if cfg.Proactive.WindowEnd, err = prompt("Latest time (HH:MM)", cfg.Proactive.WindowEnd); err != nil {
			return err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
