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

	"github.com/runledger/internal/blob"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/handler"
	"github.com/runledger/internal/kafka"
	"github.com/runledger/internal/ledger"
	"github.com/runledger/internal/memstore"
	"github.com/runledger/internal/postgres"
	"github.com/runledger/internal/redis"
	"github.com/runledger/internal/service"
	"github.com/runledger/internal/websocket"
	"github.com/runledger/internal/worker"
	"github.com/runledger/internal/xp"
)

// durableStore is the ledger's system of record
type durableStore interface {
	ledger.Store
	worker.RankSource
	service.MapStore
	service.UserStore
	service.ActivityRecorder
}

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

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	checks := []handler.ReadyFunc{
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}

	// Initialize the durable store
	var store durableStore
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("using in-memory store, ranks are lost on restart")
		mem := memstore.New()
		for _, m := range cfg.Seed.MapInfos() {
			mem.PutMap(m)
		}
		for _, u := range cfg.Seed.DomainUsers() {
			mem.PutUser(u)
		}
		store = mem
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		logger.Info("connected to PostgreSQL")

		// Run database migrations
		if err := repo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		if err := seedRepository(ctx, repo, &cfg.Seed); err != nil {
			logger.Error("failed to seed database", "error", err)
			os.Exit(1)
		}
		checks = append(checks, repo.Ping)
		store = repo
	}

	blobs, err := blob.NewStore(cfg.Storage.BlobDir)
	if err != nil {
		logger.Error("failed to open replay store", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Activities go through Kafka when enabled so every instance's hub sees
	// them; otherwise straight to the local hub
	var publisher service.ActivityPublisher = wsHub
	var kafkaProducer *kafka.Producer
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaProducer, kafkaConsumer = startKafka(&cfg.Kafka, wsHub, logger)
		if kafkaProducer != nil {
			publisher = kafkaProducer
		}
	}

	mirror := redis.NewMirror(redisClient, logger)

	// A fresh memory store restarts every partition at version zero, so the
	// mirror left by a previous process would refuse all of its writes
	if cfg.Storage.Driver == "memory" {
		if err := mirror.Reset(ctx); err != nil {
			logger.Error("failed to reset leaderboard mirror", "error", err)
			os.Exit(1)
		}
	}

	// Initialize services
	runService := service.NewRunService(service.Dependencies{
		Maps:       store,
		Users:      store,
		Sessions:   redis.NewSessionStore(redisClient, &cfg.Sessions, logger),
		Blobs:      blobs,
		Ledger:     ledger.New(store, xp.New(cfg.XP), logger),
		Mirror:     mirror,
		Snapshots:  store,
		Publisher:  publisher,
		Activities: store,
	}, &cfg.Runs, &cfg.Leaderboard, logger)

	// Initialize sync worker
	syncWorker := worker.NewSyncWorker(store, mirror, &cfg.Sync, logger)

	// Rebuild the mirror from the ledger on startup (recovery)
	logger.Info("syncing leaderboards from ledger to Redis")
	if _, err := syncWorker.SyncAll(ctx); err != nil {
		logger.Warn("failed to sync leaderboards on startup", "error", err)
	}

	// Start sync worker
	if cfg.Sync.Enabled {
		if err := syncWorker.Start(ctx); err != nil {
			logger.Error("failed to start sync worker", "error", err)
			os.Exit(1)
		}
	}

	ready := func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(runService, wsHub, ready, cfg.Runs.MaxReplaySize, logger)

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
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
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

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server first so no submission is cut off mid-commit
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Stop sync worker
	if err := syncWorker.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}

	// Stop Kafka
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

	// Stop WebSocket hub
	wsHub.Stop()

	logger.Info("server stopped")
}

// startKafka connects the activity producer and the consumer feeding the
// hub. Either may come back nil; the server keeps running without Kafka.
func startKafka(cfg *config.KafkaConfig, hub *websocket.Hub, logger *slog.Logger) (*kafka.Producer, *kafka.Consumer) {
	producer, err := kafka.NewProducer(cfg, logger)
	if err != nil {
		logger.Warn("failed to create Kafka producer, publishing to local hub", "error", err)
		return nil, nil
	}

	consumer, err := kafka.NewConsumer(cfg, hub, logger)
	if err != nil {
		logger.Warn("failed to create Kafka consumer, publishing to local hub", "error", err)
		producer.Close()
		return nil, nil
	}
	if err := consumer.Start(); err != nil {
		logger.Warn("failed to start Kafka consumer, publishing to local hub", "error", err)
		producer.Close()
		return nil, nil
	}

	logger.Info("Kafka producer and consumer started")
	return producer, consumer
}

func seedRepository(ctx context.Context, repo *postgres.Repository, seed *config.SeedConfig) error {
	for _, u := range seed.DomainUsers() {
		if err := repo.UpsertUser(ctx, u); err != nil {
			return err
		}
	}
	for _, m := range seed.MapInfos() {
		if err := repo.UpsertMap(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
