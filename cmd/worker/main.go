// Dispatch Worker - consumes assigned tasks off its durable queue,
// executes their steps and reports results back to the control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "worker.json", "path to the worker's persisted config file")
	flag.Parse()

	cfg, err := worker.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load worker config: %v", err)
	}
	if cfg.EnsureExecutorUUID() {
		if err := cfg.Save(*cfgPath); err != nil {
			log.Fatalf("failed to persist generated executor uuid: %v", err)
		}
	}

	appLogger := logger.New(config.LoggingConfig{Level: "info", Format: "json"})
	logger.SetDefault(appLogger)

	redisURL := os.Getenv("DISPATCH_REDIS_URL")
	if redisURL == "" {
		redisURL = fmt.Sprintf("redis://%s:%s@%s:%d/0", cfg.BrokerUser, cfg.BrokerPass, cfg.BrokerHost, cfg.BrokerPort)
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid broker url: %v", err)
	}
	redisClient := redis.NewClient(opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	b := broker.NewRedisBroker(redisClient, consumerName, appLogger)
	defer b.Close()

	control := worker.NewHTTPControlPlaneClient(cfg.ServerURL)
	steps := worker.NewNoopStepExecutor()

	w := worker.New(cfg, control, b, steps, appLogger)

	if cfg.ExecutorID == "" {
		if err := w.Register(ctx, *cfgPath); err != nil {
			log.Fatalf("failed to register with control plane: %v", err)
		}
		appLogger.Info("registered with control plane", "executor_id", cfg.ExecutorID, "executor_uuid", cfg.ExecutorUUID)
	}

	appLogger.Info("starting dispatch worker", "executor_uuid", cfg.ExecutorUUID, "max_concurrent", cfg.MaxConcurrent)

	if err := w.Run(ctx); err != nil {
		appLogger.Error("worker loop exited with error", "error", err)
		os.Exit(1)
	}

	appLogger.Info("worker shut down cleanly")
}
