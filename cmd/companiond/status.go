package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"companiond/internal/config"
	"companiond/internal/provider"
)

// checks tallies diagnostic results.
type checks struct {
	passed, warned, failed int
}

func (c *checks) pass(check, detail string) {
	c.passed++
	fmt.Printf("  %s %-22s %s\n", okColor.Sprint("[PASS]"), check, detail)
}

func (c *checks) warn(check, detail string) {
	c.warned++
	fmt.Printf("  %s %-22s %s\n", warnColor.Sprint("[WARN]"), check, detail)
}

func (c *checks) fail(check, detail string) {
	c.failed++
	fmt.Printf("  %s %-22s %s\n", failColor.Sprint("[FAIL]"), check, detail)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"doctor"},
		Short:   "Check configuration, storage, companions and providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			headColor.Printf("companiond status v%s\n\n", version)
			var c checks

			if _, err := os.Stat(cfgPath); err != nil {
				c.warn("Config file", fmt.Sprintf("not found at %s, using defaults (run 'companiond init')", cfgPath))
			} else {
				c.pass("Config file", cfgPath)
			}
			cfg, err := loadConfig()
			if err != nil {
				c.fail("Config validation", err.Error())
				return summarize(c)
			}
			c.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			db, reg, sel, err := openStore(ctx, cfg)
			if err != nil {
				c.fail("Database", err.Error())
				return summarize(c)
			}
			defer db.Close()
			c.pass("Database", cfg.General.DBPath)

			if n := len(reg.List()); n == 0 {
				c.fail("Companions", "no active companions in "+cfg.General.CompanionsDir)
			} else {
				cur, _ := reg.Get(sel.Current())
				c.pass("Companions", fmt.Sprintf("%d active, selected: %s", n, cur.DisplayName()))
			}

			if subs, err := db.ListSubscribers(ctx); err != nil {
				c.fail("Webhooks", err.Error())
			} else {
				c.pass("Webhooks", fmt.Sprintf("%d subscriber(s)", len(subs)))
			}

			health := provider.NewFactory(cfg, logger).Health(ctx)
			if len(health) == 0 {
				c.fail("Providers", "no providers enabled")
			}
			names := make([]string, 0, len(health))
			for name := range health {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				herr := health[name]
				label := "Provider: " + name
				if name == cfg.General.DefaultProvider {
					label += " *"
				}
				if herr != nil {
					c.warn(label, herr.Error())
				} else {
					c.pass(label, "reachable")
				}
			}

			if cfg.Channels.API.Enabled {
				addr := cfg.Channels.API.Addr()
				if err := checkListen(addr); err != nil {
					c.warn("HTTP server", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					c.pass("HTTP server", addr+" available")
				}
				if cfg.Channels.API.Token == "" {
					c.warn("REST auth", "no bearer token configured")
				}
			}
			if cfg.Channels.Telegram.Enabled {
				if cfg.Channels.Telegram.Token == "" {
					c.fail("Telegram", "enabled without a token")
				} else {
					c.pass("Telegram", "configured")
				}
			}
			if cfg.Channels.SMS.Enabled {
				if cfg.Channels.SMS.AccountSID == "" || cfg.Channels.SMS.FromNumber == "" {
					c.fail("SMS", "accountSid and fromNumber are required")
				} else {
					c.pass("SMS", "from "+cfg.Channels.SMS.FromNumber)
				}
			}

			if s, err := cfg.Proactive.Settings(); err == nil {
				c.pass("Proactive defaults", fmt.Sprintf("enabled=%v %d/day %s-%s", s.Enabled, s.FrequencyPerDay, s.WindowStart, s.WindowEnd))
			}
			return summarize(c)
		},
	}
}

func summarize(c checks) error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
