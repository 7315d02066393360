package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/zyncut/internal/app"
	"github.com/dunamismax/zyncut/internal/config"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/dunamismax/zyncut/internal/telemetry"
	"github.com/dunamismax/zyncut/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := telemetry.NewLogger("production", "", "worker")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel, "worker")

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:    "zyncut-worker",
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

	engine, err := app.NewEngine(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize removal engine")
	}
	defer pipeline.Shutdown()

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, engine)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize worker")
	}

	metricsServer := newMetricsServer(cfg.Worker.MetricsAddr, srv.MetricsHandler())
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("metrics", cfg.Worker.MetricsAddr).
		Msg("starting worker")

	// Run returns once SIGINT or SIGTERM has drained the active tasks.
	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(ctx)
}

func newMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
