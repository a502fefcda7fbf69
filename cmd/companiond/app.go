package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"companiond/internal/binding"
	"companiond/internal/bus"
	"companiond/internal/companion"
	"companiond/internal/config"
	"companiond/internal/conversation"
	"companiond/internal/dispatch"
	"companiond/internal/domain"
	"companiond/internal/memory"
	"companiond/internal/proactive"
	"companiond/internal/provider"
	"companiond/internal/router"
	"companiond/internal/store"
)

const eventHistory = 200

// app holds the components shared by serve and chat.
type app struct {
	cfg        *config.Config
	db         *store.SQLiteStore
	hub        *bus.Hub
	registry   *companion.Registry
	selection  *router.Selection
	bindings   *binding.Store
	log        *conversation.Log
	memory     *memory.Manager
	settings   *proactive.Settings
	dispatcher *dispatch.Dispatcher
	factory    *provider.Factory
	completer  domain.Completer
	router     *router.Router
}

// openStore opens the database and the registry, which every subcommand needs.
func openStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, *companion.Registry, *router.Selection, error) {
	if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(cfg.General.DBPath, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	reg, err := companion.NewRegistry(companion.RegistryConfig{
		Dir:       cfg.General.CompanionsDir,
		DefaultID: cfg.General.DefaultCompanion,
		Logger:    logger,
	})
	if err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("load companions: %w", err)
	}
	sel, err := router.LoadSelection(ctx, db, reg)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db, reg, sel, nil
}

func proactiveSettings(db *store.SQLiteStore, cfg *config.Config) (*proactive.Settings, error) {
	defaults, err := cfg.Proactive.Settings()
	if err != nil {
		return nil, fmt.Errorf("proactive defaults: %w", err)
	}
	return proactive.NewSettings(db, defaults), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, reg, sel, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, registry: reg, selection: sel}

	a.hub = bus.NewHub(logger, eventHistory)
	a.bindings = binding.New(binding.Config{Backend: db, Registry: reg, Defaults: sel, Logger: logger})
	a.log = conversation.NewLog(db, nil)
	if cfg.Memory.Enabled {
		a.memory = memory.NewManager(memory.Config{Store: db, Limit: cfg.Memory.Limit, Logger: logger})
	}
	if a.settings, err = proactiveSettings(db, cfg); err != nil {
		db.Close()
		return nil, err
	}

	a.dispatcher = dispatch.New(dispatch.Config{
		Store:     db,
		Client:    &http.Client{Timeout: time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second},
		Secret:    cfg.Webhooks.Secret,
		QueueSize: cfg.Webhooks.QueueSize,
		Logger:    logger,
	})
	if err := a.dispatcher.Load(ctx); err != nil {
		a.close()
		return nil, err
	}
	for _, u := range cfg.Webhooks.URLs {
		if err := a.dispatcher.Register(ctx, u); err != nil {
			logger.Warn("configured webhook rejected", "url", u, "err", err)
		}
	}
	a.hub.On(bus.Wildcard, a.dispatcher.Emit)

	a.factory = provider.NewFactory(cfg, logger)
	if a.completer, err = a.factory.Completer(); err != nil {
		a.close()
		return nil, fmt.Errorf("provider: %w", err)
	}

	a.router = router.New(router.Config{
		Registry:     reg,
		Bindings:     a.bindings,
		Selection:    sel,
		Log:          a.log,
		Completer:    a.completer,
		Memory:       a.memory,
		Dispatcher:   a.dispatcher,
		Proactive:    a.settings,
		Events:       a.hub,
		HistoryLimit: cfg.General.HistoryLimit,
		Logger:       logger,
	})
	return a, nil
}

// scheduler builds the proactive scheduler; notifier may be nil.
func (a *app) scheduler(notifier domain.Sender) *proactive.Scheduler {
	var synth proactive.Synthesizer = proactive.NewTemplateSynthesizer(a.cfg.Proactive.Seed)
	if a.cfg.Proactive.Synthesizer == "model" {
		synth = proactive.NewModelSynthesizer(proactive.ModelSynthesizerConfig{
			Completer: a.completer,
			Memories:  a.db,
			Fallback:  synth,
			Logger:    logger,
		})
	}
	return proactive.NewScheduler(proactive.Config{
		Registry:     a.registry,
		Settings:     a.settings,
		Store:        a.db,
		Log:          a.log,
		Bindings:     a.bindings,
		Notifier:     notifier,
		Events:       a.hub,
		Synth:        synth,
		Seed:         a.cfg.Proactive.Seed,
		TickInterval: a.cfg.Proactive.Tick(),
		Logger:       logger,
	})
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		logger.Warn("webhook queues not drained", "err", err)
	}
	if err := a.db.Close(); err != nil {
		logger.Warn("close store", "err", err)
	}
}
