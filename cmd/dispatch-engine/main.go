package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dispatch-engine-go/internal/api"
	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/dispatcher"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/provider"
	"dispatch-engine-go/internal/reconciler"
	"dispatch-engine-go/internal/redisclient"
	"dispatch-engine-go/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Dispatch Engine",
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("dispatch_interval", cfg.DispatchInterval),
		zap.String("reconcile_schedule", cfg.ReconcileSchedule),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional: locks and the dispatcher lease degrade to
	// best-effort without it.
	var redis *redisclient.Client
	if cfg.RedisURL != "" {
		redis, err = redisclient.NewClient(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		if err := redis.Ping(ctx); err != nil {
			logger.Fatal("Redis ping failed", zap.Error(err))
		}
		logger.Info("Connected to Redis")
	} else {
		logger.Warn("Redis not configured, execution locks and dispatcher lease disabled")
	}

	// Store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		st = pg
		logger.Info("Connected to Postgres")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("POSTGRES_URL not set, using in-memory store")
	}
	defer st.Close()

	initiator := provider.NewHTTPClient(cfg, logger)

	proc := events.NewProcessor(st, redis, cfg.EventMaxAttempts, cfg.ExecutionLockTTL, logger)
	sweeper := events.NewSweeper(st, proc, events.RetryPolicy{
		BaseDelay: cfg.EventRetryBaseDelay,
		MaxDelay:  cfg.EventRetryMaxDelay,
	}, cfg.EventSweepInterval, cfg.EventSweepBatchSize, logger)

	instanceID := cfg.AppName + "-" + uuid.NewString()
	disp := dispatcher.New(st, initiator, redis, cfg.DispatchInterval, cfg.DefaultMaxConcurrent, cfg.DispatcherLeaseTTL, instanceID, logger)

	rec := reconciler.New(st, cfg.ReconcileSchedule, cfg.StallTimeout, logger)

	// Start background components
	sweeper.Start(ctx)
	if err := rec.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciler", zap.Error(err))
	}
	if err := disp.Start(ctx); err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	// HTTP server
	router := api.NewRouter(st, disp, proc, rec, cfg, logger)
	httpServer := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Separate metrics server, scrape traffic stays off the API port
	var metricsServer *http.Server
	if cfg.MetricsPort != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info("Starting metrics server", zap.String("port", cfg.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Dispatch Engine started successfully",
		zap.String("address", httpServer.Addr),
		zap.String("instance_id", instanceID),
	)

	// Wait for shutdown signal
	<-quit
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first, then the background loops, so nothing dispatches
	// into a closing store.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		logger.Info("HTTP server shut down gracefully")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if err := disp.Stop(); err != nil && err != dispatcher.ErrNotRunning {
		logger.Error("Dispatcher stop error", zap.Error(err))
	}
	rec.Stop()
	sweeper.Stop()
	cancel()

	logger.Info("Dispatch Engine shutdown complete")
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFormat == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return zapCfg.Build()
}
