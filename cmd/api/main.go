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

	"github.com/joho/godotenv"

	"github.com/avifpress/avifpress/internal/api"
	"github.com/avifpress/avifpress/internal/cache"
	"github.com/avifpress/avifpress/internal/convert"
	"github.com/avifpress/avifpress/internal/pool"
	"github.com/avifpress/avifpress/internal/supervisor"
	"github.com/avifpress/avifpress/pkg/config"
	"github.com/avifpress/avifpress/pkg/logging"
	"github.com/avifpress/avifpress/pkg/metrics"
	"github.com/avifpress/avifpress/pkg/resilience"
	"github.com/avifpress/avifpress/pkg/tracing"
)

var version = "dev"

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "avifpress",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting avifpress",
		"version", version,
		"max_workers", cfg.Pool.MaxWorkers,
		"port", cfg.Server.Port,
	)

	m := metrics.NewMetrics(metrics.DefaultConfig())

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "avifpress",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing, continuing without it", "error", err.Error())
	}

	// The result cache is optional; the service runs without Redis.
	var resultCache api.ResultCache
	var cacheService *cache.Service
	if cfg.Redis.Enabled {
		cacheService, err = cache.NewService(&cache.Config{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      24 * time.Hour,
		}, m)
		if err != nil {
			logger.Error("Failed to connect to Redis, continuing without result cache", "error", err.Error())
		} else {
			resultCache = cacheService
			logger.Info("Result cache enabled", "addr", cfg.RedisAddr())
		}
	}

	converter := convert.NewConverter(&cfg.Convert)
	if err := converter.CheckEncoder(context.Background()); err != nil {
		logger.Warn("Encoder probe failed at startup, conversions will fail until avifenc is available",
			"error", err.Error())
	}

	poolManager := pool.NewManager(&pool.Config{
		MaxWorkers:       cfg.Pool.MaxWorkers,
		AcquireTimeout:   cfg.Pool.AcquireTimeout,
		ExecutionTimeout: cfg.Pool.ExecutionTimeout,
		MaxRestarts:      cfg.Pool.MaxRestarts,
		RestartBackoff:   cfg.Pool.RestartBackoff,
		MaxWorkerErrors:  cfg.Pool.MaxWorkerErrors,
	}, pool.NewFuncSpawner(converter.JobFunc()), m)

	if err := poolManager.Start(); err != nil {
		logger.Error("Failed to start worker pool", "error", err.Error())
		os.Exit(1)
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "conversion",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.UpdateBreakerState(to.String())
		},
	})

	sup := supervisor.New(&supervisor.Config{
		CheckInterval:        cfg.Health.CheckInterval,
		DegradeAfterRestarts: cfg.Health.DegradeAfterRestarts,
		MaxCheckFailures:     cfg.Health.MaxCheckFailures,
	}, breaker, poolManager, converter.CheckEncoder, m)
	sup.Start()

	handler := api.NewHandler(cfg, sup, converter, resultCache)
	router := api.NewRouter(cfg, handler, m, tracer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err.Error())
	}

	if err := sup.Shutdown(ctx); err != nil {
		logger.Error("Supervisor shutdown failed", "error", err.Error())
	}

	if cacheService != nil {
		cacheService.Close()
	}

	if tracer != nil {
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Error("Tracing shutdown failed", "error", err.Error())
		}
	}

	logger.Info("Shutdown complete")
}
