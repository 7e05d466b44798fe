// Package app wires the configured components into a running service.
package app

import (
	"context"
	"fmt"
	"os"

	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/feed"
	"calsync/internal/google"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/reconcile"
	"calsync/internal/registry"
	"calsync/internal/scheduler"
	"calsync/internal/store"
	"calsync/internal/token"
	"calsync/internal/web"
	"calsync/internal/workflow"
)

type App struct {
	Config    *config.Config
	Store     *store.Store
	Metrics   *metrics.Metrics
	Registry  *registry.Registry
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Server    *web.Server
}

// ConfigureLogging applies the config's log level and format.
func ConfigureLogging(cfg *config.Config) {
	appLog.SetOutput(os.Stderr, cfg.LogJSON)
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
}

// New opens the store and builds every component. The caller owns Close.
func New(cfg *config.Config) (*App, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DatabasePath, err)
	}

	loc := cfg.Location()
	m := metrics.New()

	refreshers := map[string]token.Refresher{}
	var provider feed.CalendarProvider
	providerName := ""
	if cfg.OAuth.Enabled() {
		providerName = cfg.OAuth.Provider
		if providerName != google.ProviderName {
			st.Close()
			return nil, fmt.Errorf("unsupported oauth provider %q", providerName)
		}
		refreshers[providerName] = google.NewRefresher(google.OAuthOptions{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
		})
		provider = google.NewClient(google.ClientOptions{
			Endpoint: cfg.OAuth.APIEndpoint,
			Timeout:  cfg.Fetch.OAuthTimeout,
		})
	} else {
		appLog.Warn("oauth client not configured; calendar discovery disabled")
	}

	tokens := token.NewManager(st, refreshers, token.Options{
		Margin:  cfg.Fetch.RefreshMargin,
		Timeout: cfg.Fetch.TokenTimeout,
		Metrics: m,
	})

	transport := ics.NewFetcher(ics.Options{
		CacheDir:  cfg.CacheDir,
		Timeout:   cfg.Fetch.FeedTimeout,
		UserAgent: cfg.Fetch.UserAgent,
	})
	fetcher := feed.New(feed.Options{
		Provider:  provider,
		Feeds:     transport,
		Workflows: workflow.NewFetcher(transport),
		Location:  loc,
		Metrics:   m,
	})

	reg := registry.New(st)
	eng := engine.New(tokens, reg, reconcile.New(reg, m), fetcher, st, engine.Options{
		Provider:     providerName,
		HorizonDays:  cfg.Fetch.HorizonDays,
		BackfillDays: cfg.Fetch.BackfillDays,
		Location:     loc,
	})
	sched := scheduler.New(eng, st, scheduler.Options{
		Timer:          cfg.Scheduler.Timer,
		MinInterval:    cfg.Scheduler.MinInterval,
		MaxSyncsPerDay: cfg.Scheduler.MaxSyncsPerDay,
		QuietPeriod:    cfg.Scheduler.ActivityQuietPeriod,
		RunTimeout:     cfg.Scheduler.RunTimeout,
		Location:       loc,
		Metrics:        m,
	})

	return &App{
		Config:    cfg,
		Store:     st,
		Metrics:   m,
		Registry:  reg,
		Engine:    eng,
		Scheduler: sched,
		Server: web.NewServer(cfg, web.Deps{
			Scheduler:   sched,
			Registry:    reg,
			Engine:      eng,
			Credentials: st,
			Metrics:     m,
		}),
	}, nil
}

// Serve starts the timer and the HTTP API and blocks until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.Scheduler.Stop()
	return a.Server.Serve(ctx)
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.Store.Close()
}
