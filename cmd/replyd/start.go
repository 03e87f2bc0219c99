package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/replyd/internal/activity"
	"github.com/mattjoyce/replyd/internal/api"
	"github.com/mattjoyce/replyd/internal/automation"
	"github.com/mattjoyce/replyd/internal/config"
	"github.com/mattjoyce/replyd/internal/cooldown"
	"github.com/mattjoyce/replyd/internal/crm"
	"github.com/mattjoyce/replyd/internal/fanout"
	"github.com/mattjoyce/replyd/internal/graph"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/ingest"
	"github.com/mattjoyce/replyd/internal/lock"
	"github.com/mattjoyce/replyd/internal/log"
	"github.com/mattjoyce/replyd/internal/metrics"
	"github.com/mattjoyce/replyd/internal/queue"
	"github.com/mattjoyce/replyd/internal/settings"
	"github.com/mattjoyce/replyd/internal/signature"
	"github.com/mattjoyce/replyd/internal/storage"
	"github.com/mattjoyce/replyd/internal/worker"
)

func runStart(args []string) int {
	var common commonFlags
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("replyd starting", "version", version, "config", cfg.SourcePath)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	settingsStore := settings.NewStore(db, cfg.Automation.SettingsCacheTTL)
	if n, err := settingsStore.SeedDefaults(ctx, cfg.Automation.Templates); err != nil {
		logger.Error("failed to seed settings", "error", err)
		return 1
	} else if n > 0 {
		logger.Info("seeded settings from config", "count", n)
	}

	svc := wire(cfg, services{
		messages:  inbox.NewMessages(db),
		attempts:  inbox.NewAttempts(db),
		cooldowns: cooldown.NewStore(db),
		settings:  settingsStore,
		queue:     queue.New(db),
	})

	errCh := make(chan error, 3)
	run := func(name string, start func(context.Context) error) {
		go func() {
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("workers", svc.pool.Start)
	run("webhook", svc.webhook.Start)
	if svc.api != nil {
		run("api", svc.api.Start)
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("replyd running (press Ctrl+C to stop)", "webhook", cfg.Webhook.Listen+cfg.Webhook.Path)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		return 1
	}

	logger.Info("replyd stopped")
	return 0
}

// services are the stores every component shares.
type services struct {
	messages  *inbox.Messages
	attempts  *inbox.Attempts
	cooldowns *cooldown.Store
	settings  *settings.Store
	queue     *queue.Queue
}

type components struct {
	pool    *worker.Pool
	webhook *ingest.Server
	api     *api.Server
}

// wire builds the runtime components from cfg. Nothing is started.
func wire(cfg *config.Config, s services) components {
	m := metrics.New()
	hub := activity.NewHub(0)

	platform := graph.New(graph.Config{
		BaseURL:       cfg.Platform.BaseURL,
		AlternateURL:  cfg.Platform.AlternateURL,
		AccessToken:   cfg.Platform.AccessToken,
		PageID:        cfg.Platform.PageID,
		ProfileFields: cfg.Platform.ProfileFields,
		Timeout:       cfg.Platform.Timeout,
		RateLimit:     cfg.Platform.RateLimit,
		Burst:         cfg.Platform.Burst,
	}, nil)
	log.WithComponent("main").Info("profile lookup configured", "strategies", platform.ProfileStrategies())

	dispatcher := automation.New(automation.Deps{
		Messenger: platform,
		Cooldowns: s.cooldowns,
		Templates: s.settings,
		Attempts:  s.attempts,
		Metrics:   m,
	}, automation.Options{
		CooldownTTL:      cfg.Automation.CooldownTTL,
		FallbackName:     cfg.Automation.FallbackName,
		RecordSuppressed: cfg.Automation.RecordSuppressed,
	})

	pool := worker.New(s.queue, worker.Config{
		Count:           cfg.Workers.Count,
		PollInterval:    cfg.Workers.PollInterval,
		JobTimeout:      cfg.Workers.JobTimeout,
		BackoffBase:     cfg.Workers.BackoffBase,
		JobLogRetention: cfg.Workers.JobLogRetention,
	}, m)
	pool.SetCooldownPurger(s.cooldowns)
	pool.SetActivity(hub)

	handlers := &fanout.Handlers{
		Messages:   s.messages,
		Profiles:   platform,
		Automation: dispatcher,
	}
	if cfg.CRM.Enabled {
		handlers.CRM = crm.New(crm.Config{
			BaseURL:        cfg.CRM.BaseURL,
			APIKey:         cfg.CRM.APIKey,
			HandleProperty: cfg.CRM.HandleProperty,
			Timeout:        cfg.CRM.Timeout,
		}, nil)
	}
	handlers.Register(pool)

	scheduler := fanout.NewScheduler(s.queue, s.settings, fanout.Options{
		CRMEnabled:     cfg.CRM.Enabled,
		WelcomeFirstDM: cfg.Automation.WelcomeFirstDM,
		MaxAttempts:    cfg.Workers.MaxAttempts,
		SubmittedBy:    "webhook",
	})

	webhook := ingest.New(ingest.Config{
		Listen:      cfg.Webhook.Listen,
		Path:        cfg.Webhook.Path,
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
		Policy:      signature.Policy{AllowUnverified: cfg.Webhook.AllowUnverified},
		MaxBodySize: cfg.Webhook.MaxBodyBytes(),
	}, ingest.Deps{
		Messages:   s.messages,
		FanOut:     scheduler,
		Automation: dispatcher,
		Metrics:    m,
		Activity:   hub,
	}, log.WithComponent("webhook"))

	c := components{pool: pool, webhook: webhook}
	if cfg.API.Enabled {
		c.api = api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, api.Deps{
			Jobs:     s.queue,
			Attempts: s.attempts,
			Metrics:  m.Handler(),
			Activity: hub,
		}, log.WithComponent("api"))
	}
	return c
}
