package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/zyncut/internal/api"
	"github.com/dunamismax/zyncut/internal/app"
	"github.com/dunamismax/zyncut/internal/config"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/dunamismax/zyncut/internal/queue"
	"github.com/dunamismax/zyncut/internal/ratelimit"
	"github.com/dunamismax/zyncut/internal/session"
	"github.com/dunamismax/zyncut/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := telemetry.NewLogger("production", "", "api")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "zyncut-api",
		ServiceVersion: cfg.App.Version,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown")
		}
	}()

	usageStore, closeStore, err := app.OpenUsageStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open usage store")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("usage store close")
		}
	}()

	executor, closeExecutor := newExecutor(cfg, logger)
	defer closeExecutor()
	defer pipeline.Shutdown()

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(cfg.Queue.RedisOptions())
		defer func() { _ = redisClient.Close() }()

		sessionLimiter, err := ratelimit.NewSessionLimiter(redisClient, ratelimit.Config{
			Capacity:  cfg.RateLimit.Capacity,
			Window:    cfg.RateLimit.Window,
			KeyPrefix: cfg.RateLimit.KeyPrefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("configure rate limiter")
		}
		limiter = sessionLimiter
	}

	quota := cfg.Quota.Quota()
	server := api.NewServer(api.Options{
		Logger:         logger,
		Sessions:       session.NewManager(usageStore, quota, session.WithMaxSessions(cfg.API.MaxSessions)),
		Remover:        pipeline.NewProcessor(executor, quota, logger),
		RateLimiter:    limiter,
		RemovalCost:    cfg.RateLimit.RemovalCost,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		SourceClient:   pipeline.NewPublicSourceClient(30 * time.Second),
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Bool("async", cfg.Queue.Async).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// newExecutor runs removals in process, or hands them to the worker pool when
// REMOVAL_ASYNC is set.
func newExecutor(cfg config.Config, logger zerolog.Logger) (pipeline.Executor, func()) {
	if cfg.Queue.Async {
		client := queue.NewClient(cfg.Queue.RedisClientOpt(), queue.Options{
			Queue:     cfg.Queue.Name,
			Timeout:   cfg.Queue.TaskTimeout,
			Retention: cfg.Queue.Retention,
		})
		logger.Info().Str("queue", client.Queue()).Str("redis", cfg.Queue.RedisAddr).Msg("removals run on workers")
		return queue.NewExecutor(client, cfg.Queue.PollInterval, logger), func() {
			if err := client.Close(); err != nil {
				logger.Error().Err(err).Msg("queue client close")
			}
		}
	}

	engine, err := app.NewEngine(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize removal engine")
	}
	return engine, func() {}
}
