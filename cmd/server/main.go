// Dispatch Server - task dispatch and execution-lifecycle control plane.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskmesh/dispatch/internal/application/dispatch"
	"github.com/taskmesh/dispatch/internal/application/observer"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/infrastructure/api/rest"
	"github.com/taskmesh/dispatch/internal/infrastructure/broker"
	"github.com/taskmesh/dispatch/internal/infrastructure/cache"
	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
	"github.com/taskmesh/dispatch/internal/infrastructure/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	appLogger.Info("starting dispatch server",
		"version", "1.0.0",
		"port", cfg.Server.Port,
	)

	dbConfig := &storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
		Debug:           cfg.Logging.Level == "debug",
	}

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		appLogger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	appLogger.Info("database connected", "max_conns", cfg.Database.MaxConnections)

	redisCache, err := cache.NewRedisCache(cfg.Broker)
	if err != nil {
		appLogger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()
	appLogger.Info("redis connected")

	consumerName := fmt.Sprintf("dispatch-server-%s", uuid.New().String()[:8])
	taskBroker := broker.NewRedisBroker(redisCache.Client(), consumerName, appLogger)
	defer taskBroker.Close()

	executionRepo := storage.NewExecutionRepository(db)
	taskRepo := storage.NewTaskRepository(db)
	workerRepo := storage.NewWorkerRepository(db)

	appLogger.Info("repositories initialized")

	dispatcher := dispatch.New(executionRepo, taskRepo, workerRepo, taskBroker, appLogger)
	aggregator := dispatch.NewAggregator(executionRepo, appLogger)
	stopController := dispatch.NewStopController(executionRepo, taskRepo, workerRepo, appLogger)

	appLogger.Info("dispatch components initialized")

	scheduler := cron.New()
	tickSpec := fmt.Sprintf("@every %s", cfg.Dispatcher.TickInterval)
	if _, err := scheduler.AddFunc(tickSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		bound, err := dispatcher.Dispatch(ctx, cfg.Dispatcher.CandidateLimit)
		if err != nil {
			appLogger.Error("periodic dispatch tick failed", "error", err)
			return
		}
		if bound > 0 {
			appLogger.Debug("periodic dispatch tick bound tasks", "count", bound)
		}
	}); err != nil {
		appLogger.Error("failed to schedule dispatch tick", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()
	appLogger.Info("dispatch tick scheduled", "interval", cfg.Dispatcher.TickInterval)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	loggingMiddleware := rest.NewLoggingMiddleware(appLogger)
	recoveryMiddleware := rest.NewRecoveryMiddleware(appLogger)
	router.Use(recoveryMiddleware.Recovery())
	router.Use(loggingMiddleware.RequestLogger())

	if cfg.Server.CORS {
		router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
		})
		appLogger.Info("CORS enabled")
	}

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("database: %s", err.Error())})
			return
		}
		if err := redisCache.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("redis: %s", err.Error())})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		dbStats := db.Stats()
		cacheStats := redisCache.Stats()
		c.JSON(http.StatusOK, gin.H{
			"metrics": gin.H{
				"database": gin.H{
					"open_connections": dbStats.OpenConnections,
					"in_use":           dbStats.InUse,
					"idle":             dbStats.Idle,
				},
				"redis": gin.H{
					"hits":        cacheStats.Hits,
					"misses":      cacheStats.Misses,
					"total_conns": cacheStats.TotalConns,
					"idle_conns":  cacheStats.IdleConns,
				},
			},
		})
	})

	executionHandlers := rest.NewExecutionHandlers(executionRepo, taskRepo, dispatcher, stopController, appLogger)
	workerHandlers := rest.NewWorkerHandlers(workerRepo, taskRepo, appLogger)
	taskHandlers := rest.NewTaskHandlers(taskRepo, workerRepo, executionRepo, aggregator, dispatcher, appLogger)
	adminHandlers := rest.NewAdminHandlers(taskRepo, workerRepo, appLogger)
	adminAuth := rest.NewAdminAuthMiddleware(cfg.Admin.JWTSecret, appLogger)
	if !adminAuth.Enabled() {
		appLogger.Warn("DISPATCH_ADMIN_JWT_SECRET not set, /admin/* routes are unauthenticated")
	}

	// Dashboard push is optional and outside the core dispatch contract:
	// a socket that never connects changes nothing about how tasks are
	// bound or results are ingested.
	observerManager := observer.NewObserverManager(observer.WithLogger(appLogger))
	wsHub := observer.NewWebSocketHub(appLogger)
	wsObserver := observer.NewWebSocketObserver(wsHub, nil, appLogger)
	if err := observerManager.Register(wsObserver); err != nil {
		appLogger.Warn("failed to register websocket observer", "error", err)
	}
	wsHandlers := rest.NewWebSocketHandlers(wsHub, appLogger)
	executionHandlers.SetObservers(observerManager)
	taskHandlers.SetObservers(observerManager)
	workerHandlers.SetObservers(observerManager)

	router.POST("/executor/register", workerHandlers.HandleRegister)
	router.POST("/executor/heartbeat", workerHandlers.HandleHeartbeat)

	router.POST("/executions", executionHandlers.HandleCreateExecution)
	router.GET("/executions", executionHandlers.HandleListExecutions)
	router.GET("/executions/:id", executionHandlers.HandleGetExecution)
	router.GET("/executions/:id/status_check", executionHandlers.HandleStatusCheck)
	router.POST("/executions/:id/stop", executionHandlers.HandleStopExecution)

	router.POST("/tasks/:id/result", taskHandlers.HandleTaskResult)
	router.POST("/tasks/:id/screenshot", taskHandlers.HandleTaskScreenshot)
	router.POST("/tasks/distribute", taskHandlers.HandleDistribute)

	admin := router.Group("/admin", adminAuth.Authorize())
	admin.POST("/tasks/requeue-stale", adminHandlers.HandleRequeueStale)
	admin.POST("/workers/:id/enable", adminHandlers.HandleEnableWorker)
	admin.POST("/workers/:id/disable", adminHandlers.HandleDisableWorker)

	router.GET("/ws/executions", wsHandlers.HandleSubscribe)

	appLogger.Info("REST API routes registered")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		appLogger.Error("server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		appLogger.Info("server shutdown initiated", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		appLogger.Info("stopping dispatch tick...")
		schedCtx := scheduler.Stop()
		<-schedCtx.Done()

		if err := server.Shutdown(ctx); err != nil {
			appLogger.Error("graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				appLogger.Error("server close failed", "error", err)
			}
		}

		appLogger.Info("server stopped")
	}
}
