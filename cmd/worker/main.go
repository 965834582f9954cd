package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/database"
	"github.com/tollgate/tollgate/internal/logger"
	redissvc "github.com/tollgate/tollgate/internal/services/redis"
	"github.com/tollgate/tollgate/internal/services/session"
	"github.com/tollgate/tollgate/internal/services/worker"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          log,
	}); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()
	db := database.GetDB()

	// The gateway can run without Redis; the worker cannot. The stream
	// it drains lives there.
	redisClient, err := redissvc.New(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient == nil {
		log.Fatal("Redis is required for the ledger worker, set REDIS_URL")
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drainer := worker.NewDrainer(&worker.DrainerConfig{
		DB:        db,
		Logger:    log,
		Client:    redisClient,
		Markers:   redissvc.NewMarkerStore(redisClient),
		Analytics: redissvc.NewAnalyticsStore(redisClient, log),
		Group:     cfg.Worker.ConsumerGroup,
		BatchSize: cfg.Worker.BatchSize,
		Block:     cfg.Worker.Block,
	})
	if err := drainer.Start(ctx); err != nil {
		log.Fatal("Failed to start ledger drainer", zap.Error(err))
	}

	maintenance := worker.NewMaintenance(&worker.MaintenanceConfig{
		DB:        db,
		Logger:    log,
		Client:    redisClient,
		Sessions:  redissvc.NewSessionCache(redisClient, log, cfg.Session.TTL),
		Store:     session.NewGormStore(db),
		Analytics: redissvc.NewAnalyticsStore(redisClient, log),
		Locks:     redissvc.NewLockManager(redisClient, log),
	})
	if err := maintenance.Start(ctx); err != nil {
		log.Fatal("Failed to start maintenance jobs", zap.Error(err))
	}

	log.Info("Ledger worker started",
		zap.String("stream", redissvc.LedgerStream),
		zap.String("group", cfg.Worker.ConsumerGroup))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutdown signal received, stopping worker...")
	cancel()

	if err := drainer.Stop(); err != nil {
		log.Error("Error stopping drainer", zap.Error(err))
	}
	if err := maintenance.Stop(); err != nil {
		log.Error("Error stopping maintenance", zap.Error(err))
	}

	log.Info("Ledger worker shutdown complete")
}
