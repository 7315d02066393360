package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/zyncut/internal/config"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/dunamismax/zyncut/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const outcomeFailed = "failed"

type Server struct {
	logger   zerolog.Logger
	server   *asynq.Server
	sem      chan struct{}
	executor pipeline.Executor
	metrics  *metrics
	tracer   trace.Tracer
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	executor pipeline.Executor,
) (*Server, error) {
	if executor == nil {
		return nil, fmt.Errorf("removal executor is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		sem:      make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		executor: executor,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("zyncut/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRemoveBackground, s.handleRemoval)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// handleRemoval always stores a result for the waiting API process; removal
// failures travel inside the result rather than failing the task.
func (s *Server) handleRemoval(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRemovalPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	result := s.process(ctx, payload)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	body, err := queue.EncodeResult(result)
	if err != nil {
		return fmt.Errorf("encode result: %v: %w", err, asynq.SkipRetry)
	}
	if _, err := task.ResultWriter().Write(body); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func (s *Server) process(ctx context.Context, payload queue.RemovalPayload) queue.RemovalResult {
	startedAt := time.Now()
	backend := "none"
	outcome := outcomeFailed

	ctx, span := s.tracer.Start(ctx, "worker.remove_background", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("removal.invocation_id", payload.InvocationID),
		attribute.String("removal.mime_type", payload.MIMEType),
		attribute.Int("removal.input_bytes", len(payload.Image)),
	)
	defer span.End()
	defer func() {
		s.metrics.removalDuration.WithLabelValues(backend, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.removalsTotal.WithLabelValues(backend, outcome).Inc()
	}()

	logger := s.logger.With().Str("invocation_id", payload.InvocationID).Logger()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "cancelled waiting for a slot")
		logger.Warn().Err(ctx.Err()).Msg("removal cancelled before start")
		return queue.RemovalResult{Error: queue.NewTaskError(ctx.Err())}
	}
	s.metrics.activeRemovals.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeRemovals.Dec()
	}()

	logger.Info().Int("bytes", len(payload.Image)).Str("mime_type", payload.MIMEType).Msg("Working...")

	result, err := s.executor.Execute(ctx, payload.Asset(), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "removal failed")
		logger.Warn().Err(err).Msg("removal failed")
		return queue.RemovalResult{Error: queue.NewTaskError(err)}
	}

	backend = result.Backend
	outcome = "succeeded"
	s.metrics.inputBytesTotal.Add(float64(len(payload.Image)))
	s.metrics.outputBytesTotal.Add(float64(len(result.Asset.Bytes)))
	span.SetAttributes(attribute.String("removal.backend", backend))
	span.SetStatus(codes.Ok, "processed")
	logger.Info().Str("backend", backend).Int("bytes", len(result.Asset.Bytes)).Msg("removal processed")

	mimeType := result.Asset.MIMEType
	if mimeType == "" {
		mimeType = domain.MIMETypePNG
	}
	return queue.RemovalResult{
		Image:    result.Asset.Bytes,
		MIMEType: mimeType,
		Backend:  backend,
	}
}
