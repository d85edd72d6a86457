package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/questhub-engine/internal/app"
	"github.com/questhub-engine/internal/config"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/handler"
	"github.com/questhub-engine/internal/kafka"
	"github.com/questhub-engine/internal/websocket"
	"github.com/questhub-engine/internal/xp"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := app.New(ctx, cfg, true, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// The feed reads the ranking, so it must run after the ranking update
	rankingListener := xp.RankingListener(core.Ranking, logger)
	feed := websocket.LeaderboardFeed(wsHub, core.Ranking, cfg.Leaderboard.FeedSize, logger)
	core.Resolver.Subscribe(func(event domain.Event) {
		rankingListener(event)
		feed(event)
	})
	core.Resolver.Subscribe(wsHub.BroadcastEvent)

	// Rebuild the ranking read model from durable totals (recovery)
	logger.Info("rebuilding XP ranking from store")
	if err := core.Reconciler.RebuildRanking(ctx); err != nil {
		logger.Warn("failed to rebuild ranking on startup", "error", err)
	}

	// Start reconciler
	if cfg.Reconcile.Enabled {
		if err := core.Reconciler.Start(ctx); err != nil {
			logger.Error("failed to start reconciler", "error", err)
			os.Exit(1)
		}
	}

	// Kafka carries asynchronous verification and the outbound event stream
	var (
		kafkaProducer *kafka.Producer
		kafkaConsumer *kafka.Consumer
		queue         handler.VerificationQueue
	)
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka",
			"brokers", cfg.Kafka.Brokers,
			"verification_topic", cfg.Kafka.VerificationTopic,
			"events_topic", cfg.Kafka.EventsTopic,
		)
		kafkaProducer, err = kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, continuing without Kafka", "error", err)
		} else {
			queue = kafkaProducer
			core.Resolver.Subscribe(kafkaProducer.PublishEvent)
		}

		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, core.Engine, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	checks := make(map[string]handler.ReadyCheck, len(core.Checks))
	for name, check := range core.Checks {
		checks[name] = check
	}

	httpHandler := handler.NewHandler(handler.Deps{
		Resolver:    core.Resolver,
		Challenges:  core.Challenges,
		Links:       core.Links,
		Engine:      core.Engine,
		Ledger:      core.Ledger,
		Leaderboard: core.Leaderboard,
		Tasks:       core.Store,
		Tokens:      core.Tokens,
		Sessions:    core.Sessions,
		Queue:       queue,
		Hub:         wsHub,
		Checks:      checks,
	}, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			"port", cfg.Server.Port,
			"store", cfg.Store.Driver,
			"cache", cfg.Cache.Driver,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Drain HTTP before the workers it feeds
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}

	if err := core.Reconciler.Stop(); err != nil {
		logger.Error("failed to stop reconciler", "error", err)
	}

	logger.Info("server stopped")
}
