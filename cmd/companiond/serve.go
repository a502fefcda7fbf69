package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"companiond/internal/channel"
	"companiond/internal/domain"
	"companiond/internal/lane"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Start the gateway (REST API, SMS, Telegram, proactive scheduler)",
		Long:    "Starts every enabled channel, the webhook dispatcher and the proactive scheduler. Press Ctrl+C to stop.",
		RunE:    runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	lanes := lane.NewSerial()

	var smsSender, tgSender domain.Sender
	if cfg.Channels.SMS.Enabled {
		smsSender = channel.NewTwilioSender(channel.TwilioConfig{
			AccountSID: cfg.Channels.SMS.AccountSID,
			AuthToken:  cfg.Channels.SMS.AuthToken,
			From:       cfg.Channels.SMS.FromNumber,
			APIBase:    cfg.Channels.SMS.APIBase,
			Logger:     logger,
		})
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			Router:    a.router,
			Lanes:     lanes,
			Logger:    logger,
		})
		if err := tg.Connect(); err != nil {
			return err
		}
		tgSender = tg
		g.Go(func() error { return tg.Start(gctx) })
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	var sms *channel.SMS
	if cfg.Channels.SMS.Enabled {
		sms = channel.NewSMS(channel.SMSConfig{
			Router:            a.router,
			Sender:            smsSender,
			Lanes:             lanes,
			AuthToken:         cfg.Channels.SMS.AuthToken,
			ValidateSignature: cfg.Channels.SMS.ValidateSignature,
			PublicURL:         cfg.Channels.SMS.PublicURL,
			BaseContext:       gctx,
			Logger:            logger,
		})
	}

	if cfg.Channels.API.Enabled {
		api := channel.NewAPI(channel.APIConfig{
			Addr:        cfg.Channels.API.Addr(),
			Token:       cfg.Channels.API.Token,
			CORSOrigins: cfg.Channels.API.CORSOrigins,
			Router:      a.router,
			Events:      a.hub,
			SMS:         sms,
			Logger:      logger,
		})
		g.Go(func() error { return api.Start(gctx) })
	} else if sms != nil {
		logger.Warn("sms is enabled but the HTTP server is disabled; inbound SMS will not be received")
	}

	sched := a.scheduler(channel.NewOutbound(smsSender, tgSender))
	g.Go(func() error { return sched.Run(gctx) })

	if cfg.General.WatchCompanions {
		g.Go(func() error {
			if err := a.registry.Watch(gctx, 0); err != nil {
				logger.Warn("companion watch stopped", "err", err)
			}
			return nil
		})
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version, "provider", a.completer.Name())

	err = g.Wait()
	logger.Info("shutting down gateway...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Stop()
		lanes.Wait()
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func chatCmd() *cobra.Command {
	var noSpinner bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the selected companion in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			// proactive messages show up in the terminal only
			sched := a.scheduler(nil)
			go sched.Run(ctx)
			defer sched.Stop()

			cli := channel.NewCLI(channel.CLIConfig{
				Router:  a.router,
				Events:  a.hub,
				Logger:  logger,
				Spinner: !noSpinner,
			})
			return cli.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noSpinner, "no-spinner", false, "disable the typing indicator")
	return cmd
}
