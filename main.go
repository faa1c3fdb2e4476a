package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	config "korkibot/app/configs"
	"korkibot/app/core/db"
	"korkibot/app/core/debounce"
	"korkibot/app/core/intent"
	"korkibot/app/core/interaction/messenger"
	"korkibot/app/core/interaction/webhook"
	"korkibot/app/core/llm"
	"korkibot/app/core/nudge"
	"korkibot/app/core/offer"
	"korkibot/app/core/pipeline"
	"korkibot/app/core/queue"
	"korkibot/app/core/scheduler"
	"korkibot/app/core/window"
	"korkibot/app/pkg/logger"
	"korkibot/app/pkg/types"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Korki bot starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	if problems := config.Validate(cfg); len(problems) > 0 {
		for _, problem := range problems {
			logger.Error("Config problem: %s", problem)
		}
		os.Exit(1)
	}

	location, err := time.LoadLocation(cfg.Window.Timezone)
	if err != nil {
		logger.Error("Failed to load timezone %s: %v", cfg.Window.Timezone, err)
		os.Exit(1)
	}
	win, err := window.New(cfg.Window.OpenHour, cfg.Window.CloseHour, location)
	if err != nil {
		logger.Error("Invalid contact window: %v", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("Failed to initialize task store: %v", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("Task store ready (driver=%s)", cfg.Store.Driver)

	pages := cfg.Pages
	routes := func(channelID string) (string, bool) {
		token, ok := pages[channelID]
		return token, ok && strings.TrimSpace(token) != ""
	}

	sender := messenger.NewChannel(messenger.Config{Timeout: cfg.Model.RequestTimeout()})

	apiKey := strings.TrimSpace(cfg.Model.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	model, err := llm.NewFromAPIKey(apiKey, llm.Config{
		Model:       cfg.Model.Name,
		Timeout:     cfg.Model.RequestTimeout(),
		MaxAttempts: cfg.Model.MaxAttempts,
	})
	if err != nil {
		logger.Error("Failed to initialize model client: %v", err)
		os.Exit(1)
	}

	nudgeService, err := nudge.NewService(store, sender, win, routes, nudge.Config{
		Level1Delay: cfg.Nudge.Level1Delay(),
		Level2Delay: cfg.Nudge.Level2Delay(),
		AttemptCap:  cfg.Nudge.AttemptCap,
		BatchLimit:  cfg.Nudge.BatchLimit,
		ReadAdvance: cfg.Nudge.ReadAdvance(),
	})
	if err != nil {
		logger.Error("Failed to initialize nudge service: %v", err)
		os.Exit(1)
	}

	pipe, err := pipeline.New(
		intent.NewClassifier(model, cfg.Model.FollowUpHorizon()),
		llm.NewResponder(model),
		llm.NewSlotExtractor(model),
		nudgeService,
		sender,
		routes,
		offerRates(cfg.Pricing),
	)
	if err != nil {
		logger.Error("Failed to initialize pipeline: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	turnQueue := queue.New(128)
	if err := turnQueue.Start(ctx, 4); err != nil {
		logger.Error("Failed to start turn queue: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := turnQueue.Stop(5 * time.Second); err != nil {
			logger.Error("Turn queue shutdown timeout: %v", err)
		}
	}()

	aggregator := debounce.New(cfg.Debounce.Quiet(), func(turn types.Turn) {
		_, err := turnQueue.Enqueue(queue.Job{
			AttemptTimeout: 2 * time.Minute,
			Run: func(runCtx context.Context) error {
				if err := pipe.HandleTurn(runCtx, turn); err != nil {
					logger.Error("Turn for %s failed: %v", turn.UserID, err)
					return err
				}
				return nil
			},
		})
		if err != nil {
			logger.Error("Drop turn for %s: %v", turn.UserID, err)
		}
	})
	defer aggregator.Stop()

	jobRunner := scheduler.New()
	if err := jobRunner.Register(scheduler.Job{
		Name:       "poll-nudges",
		Interval:   cfg.Nudge.PollInterval(),
		Timeout:    cfg.Nudge.PollInterval(),
		RunOnStart: true,
		Run:        nudgeService.PollCycle,
	}); err != nil {
		logger.Error("Failed to register poll job: %v", err)
		os.Exit(1)
	}
	if err := jobRunner.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobRunner.Stop(3 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	server, err := webhook.NewServer(cfg.Server.Port, cfg.Server.VerifyToken, aggregator, nudgeService)
	if err != nil {
		logger.Error("Failed to initialize webhook server: %v", err)
		os.Exit(1)
	}
	server.SetStatusProvider(func(context.Context) map[string]interface{} {
		return map[string]interface{}{
			"store_driver": cfg.Store.Driver,
			"jobs":         jobRunner.Snapshot(),
			"turn_queue":   turnQueue.Stats(),
		}
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	logger.Info("Korki bot is ready to serve.")
	fmt.Printf("- Webhook:  http://localhost:%d/webhook\n", cfg.Server.Port)
	fmt.Printf("- Status:   http://localhost:%d/api/status\n", cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Received signal: %v. Shutting down...", sig)
	case err := <-serverErr:
		logger.Error("Webhook server crashed: %v", err)
	}
	cancel()
}

func openStore(cfg config.StoreConfig) (nudge.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return nudge.NewMemoryStore(), func() {}, nil
	case "sqlite":
		conn, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		store, err := nudge.NewSQLiteStore(conn)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return store, func() { _ = conn.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
		}
		store, err := nudge.NewRedisStore(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func offerRates(cfg config.PricingConfig) offer.Rates {
	return offer.Rates{
		Primary:           cfg.Primary,
		SecondaryBasic:    cfg.SecondaryBasic,
		SecondaryExtended: cfg.SecondaryExtended,
		ExamYear:          cfg.ExamYear,
	}
}
