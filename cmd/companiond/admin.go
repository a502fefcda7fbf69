package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"companiond/internal/binding"
	"companiond/internal/companion"
	"companiond/internal/config"
	"companiond/internal/dispatch"
	"companiond/internal/domain"
	"companiond/internal/router"
	"companiond/internal/store"
)

// env is what the admin subcommands work on.
type env struct {
	cfg *config.Config
	db  *store.SQLiteStore
	reg *companion.Registry
	sel *router.Selection
}

// withStore runs fn against the configured database.
func withStore(fn func(ctx context.Context, e *env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	db, reg, sel, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, &env{cfg: cfg, db: db, reg: reg, sel: sel})
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func companionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "companions",
		Short: "Inspect companion profiles",
	}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List companions; * marks the selected one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, e *env) error {
				cs := e.reg.List()
				if all {
					cs = e.reg.All()
				}
				current := e.sel.Current()
				tw := newTable()
				fmt.Fprintln(tw, "\tID\tNAME\tTONE\tACTIVE")
				for _, c := range cs {
					mark := ""
					if c.ID == current {
						mark = okColor.Sprint("*")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", mark, c.ID, c.DisplayName(), c.Style(), c.Active)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive companions")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "select [id]",
		Short: "Set the default companion for the terminal and new channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, e *env) error {
				if err := e.sel.Set(ctx, args[0]); err != nil {
					return err
				}
				c, _ := e.reg.Get(args[0])
				okColor.Printf("Selected %s\n", c.DisplayName())
				return nil
			})
		},
	})
	return cmd
}

func bindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Inspect which companion each channel talks to",
	}
	var companionID string
	show := &cobra.Command{
		Use:   "show [channel_id]",
		Short: "Show one channel's binding, or every binding",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, e *env) error {
				var rows []domain.ChannelBinding
				if len(args) == 1 {
					b, err := e.db.GetBinding(ctx, binding.Normalize(args[0]))
					if err != nil {
						return err
					}
					if b == nil {
						return fmt.Errorf("channel %s is not bound", args[0])
					}
					rows = append(rows, *b)
				} else {
					ids := []string{companionID}
					if companionID == "" {
						ids = ids[:0]
						for _, c := range e.reg.All() {
							ids = append(ids, c.ID)
						}
					}
					for _, id := range ids {
						bs, err := e.db.ListBindings(ctx, id)
						if err != nil {
							return err
						}
						rows = append(rows, bs...)
					}
				}
				tw := newTable()
				fmt.Fprintln(tw, "CHANNEL\tCOMPANION\tASSIGNED\tLAST INTERACTION")
				for _, b := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ChannelID, b.CompanionID,
						b.AssignedAt.Local().Format(time.DateTime), formatTime(b.LastInteractionAt))
				}
				return tw.Flush()
			})
		},
	}
	show.Flags().StringVar(&companionID, "companion", "", "only channels bound to this companion")
	cmd.AddCommand(show)
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage event subscribers (a running server picks changes up on restart)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add [url]",
		Short: "Register a webhook URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := dispatch.ValidateURL(args[0]); err != nil {
				return err
			}
			return withStore(func(ctx context.Context, e *env) error {
				if err := e.db.AddSubscriber(ctx, domain.WebhookSubscription{URL: args[0], RegisteredAt: time.Now()}); err != nil {
					return err
				}
				okColor.Printf("Webhook registered: %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove [url]",
		Short: "Unregister a webhook URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, e *env) error {
				removed, err := e.db.RemoveSubscriber(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("URL not registered: %s", args[0])
				}
				okColor.Printf("Webhook removed: %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List webhook subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, e *env) error {
				subs, err := e.db.ListSubscribers(ctx)
				if err != nil {
					return err
				}
				tw := newTable()
				fmt.Fprintln(tw, "URL\tREGISTERED")
				for _, s := range subs {
					fmt.Fprintf(tw, "%s\t%s\n", s.URL, formatTime(s.RegisteredAt))
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func proactiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proactive",
		Short: "Show and change proactive message settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [companion_id]",
		Short: "Show global settings, or one companion's effective settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, e *env) error {
				settings, err := proactiveSettings(e.db, e.cfg)
				if err != nil {
					return err
				}
				if len(args) == 0 {
					g, err := settings.Global(ctx)
					if err != nil {
						return err
					}
					headColor.Println("Global")
					printSettings(g)
					return nil
				}
				if _, ok := e.reg.Get(args[0]); !ok {
					return fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, args[0])
				}
				st, err := settings.State(ctx, args[0])
				if err != nil {
					return err
				}
				headColor.Println(st.CompanionID)
				printSettings(st.Settings)
				if !st.Override.IsZero() {
					fmt.Println("  (has per-companion overrides)")
				}
				if st.LastSentAt != nil {
					fmt.Printf("  last sent:  %s\n", st.LastSentAt.Local().Format(time.DateTime))
				}
				return nil
			})
		},
	})

	var (
		companionID string
		enabled     bool
		frequency   int
		start, end  string
		minGap      int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change settings; only the flags given are updated",
		RunE: func(cmd *cobra.Command, args []string) error {
			var o domain.ProactiveOverride
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				o.Enabled = &enabled
			}
			if flags.Changed("frequency") {
				o.FrequencyPerDay = &frequency
			}
			for _, f := range []struct {
				name string
				raw  string
				dst  **domain.ClockTime
			}{{"start", start, &o.WindowStart}, {"end", end, &o.WindowEnd}} {
				if !flags.Changed(f.name) {
					continue
				}
				c, err := domain.ParseClock(f.raw)
				if err != nil {
					return fmt.Errorf("--%s: %w", f.name, err)
				}
				*f.dst = &c
			}
			if flags.Changed("min-gap") {
				gap := time.Duration(minGap) * time.Minute
				o.MinGap = &gap
			}
			if o.IsZero() {
				return fmt.Errorf("nothing to change; pass at least one of --enabled --frequency --start --end --min-gap")
			}

			return withStore(func(ctx context.Context, e *env) error {
				settings, err := proactiveSettings(e.db, e.cfg)
				if err != nil {
					return err
				}
				if companionID != "" {
					if _, ok := e.reg.Get(companionID); !ok {
						return fmt.Errorf("%w: %s", domain.ErrCompanionNotFound, companionID)
					}
					st, err := settings.State(ctx, companionID)
					if err != nil {
						return err
					}
					if err := settings.UpdateCompanion(ctx, companionID, st.Override.Merge(o)); err != nil {
						return err
					}
					okColor.Printf("Updated proactive settings for %s\n", companionID)
					return nil
				}
				g, err := settings.Global(ctx)
				if err != nil {
					return err
				}
				if err := settings.UpdateGlobal(ctx, o.Apply(g)); err != nil {
					return err
				}
				okColor.Println("Updated global proactive settings")
				return nil
			})
		},
	}
	set.Flags().StringVar(&companionID, "companion", "", "apply as an override for one companion")
	set.Flags().BoolVar(&enabled, "enabled", true, "allow proactive messages")
	set.Flags().IntVar(&frequency, "frequency", 3, fmt.Sprintf("messages per day (0-%d)", domain.MaxFrequencyPerDay))
	set.Flags().StringVar(&start, "start", "09:00", "window start (HH:MM)")
	set.Flags().StringVar(&end, "end", "22:00", "window end (HH:MM)")
	set.Flags().IntVar(&minGap, "min-gap", 240, "minimum minutes between messages")
	cmd.AddCommand(set)
	return cmd
}

func printSettings(s domain.ProactiveSettings) {
	state := failColor.Sprint("disabled")
	if s.Enabled {
		state = okColor.Sprint("enabled")
	}
	fmt.Printf("  status:     %s\n", state)
	fmt.Printf("  frequency:  %d per day\n", s.FrequencyPerDay)
	fmt.Printf("  window:     %s-%s\n", s.WindowStart, s.WindowEnd)
	fmt.Printf("  min gap:    %d min\n", int(s.MinGap/time.Minute))
}
