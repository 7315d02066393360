package pipeline

import (
	"context"
	"errors"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Progress checkpoints reported during an invocation.
const (
	ProgressNormalized = 10
	ProgressPrimary    = 30
	ProgressFallback   = 50
	ProgressComposited = 85
	ProgressCommitted  = 100
)

// ProgressFunc receives stage transitions. Percentages never decrease within
// one invocation.
type ProgressFunc func(state domain.State, percent int)

// Primary is the remote removal service. A nil asset with a nil error means
// the service answered without a usable image.
type Primary interface {
	Submit(ctx context.Context, asset domain.ImageAsset) (*domain.ImageAsset, error)
}

type Fallback interface {
	Submit(ctx context.Context, asset domain.ImageAsset) (domain.ImageAsset, error)
	HasCredentials() bool
}

type Compositor interface {
	Decloak(asset domain.ImageAsset) domain.ImageAsset
}

// Outcome is a composited removal result and the backend that produced it.
type Outcome struct {
	Asset   domain.ImageAsset
	Backend string
}

// Executor runs the removal stages for one normalized asset.
type Executor interface {
	Execute(ctx context.Context, asset domain.ImageAsset, progress ProgressFunc) (Outcome, error)
}

// Engine tries the primary service, then the fallback, and always composites
// the winner.
type Engine struct {
	primary    Primary
	fallback   Fallback
	compositor Compositor
	logger     zerolog.Logger
	tracer     trace.Tracer
}

func NewEngine(primary Primary, fallback Fallback, compositor Compositor, logger zerolog.Logger) *Engine {
	return &Engine{
		primary:    primary,
		fallback:   fallback,
		compositor: compositor,
		logger:     logger,
		tracer:     otel.Tracer("zyncut/pipeline"),
	}
}

func (e *Engine) Execute(ctx context.Context, asset domain.ImageAsset, progress ProgressFunc) (Outcome, error) {
	report := func(state domain.State, percent int) {
		if progress != nil {
			progress(state, percent)
		}
	}

	report(domain.StateAttemptingPrimary, ProgressPrimary)
	result, backend, err := e.remove(ctx, asset, report)
	if err != nil {
		return Outcome{}, err
	}

	report(domain.StateCompositing, ProgressComposited)
	_, span := e.tracer.Start(ctx, "pipeline.composite")
	composited := e.compositor.Decloak(result)
	span.SetAttributes(
		attribute.Int("image.input_bytes", len(result.Bytes)),
		attribute.Int("image.output_bytes", len(composited.Bytes)),
	)
	span.End()

	return Outcome{Asset: composited, Backend: backend}, nil
}

func (e *Engine) remove(ctx context.Context, asset domain.ImageAsset, report ProgressFunc) (domain.ImageAsset, string, error) {
	result, primaryErr := e.runPrimary(ctx, asset)
	if primaryErr == nil && result != nil {
		return *result, domain.BackendWebhook, nil
	}
	if err := ctx.Err(); err != nil {
		return domain.ImageAsset{}, "", err
	}
	if primaryErr == nil {
		primaryErr = &domain.UpstreamError{
			Backend: domain.BackendWebhook,
			Kind:    domain.UpstreamNoImage,
			Message: "webhook returned no usable image",
		}
	}

	e.logger.Warn().
		Err(primaryErr).
		Str("backend", domain.BackendWebhook).
		Msg("pipeline: primary removal failed, trying fallback")

	report(domain.StateAttemptingFallback, ProgressFallback)
	if e.fallback == nil {
		return domain.ImageAsset{}, "", &domain.FallbackError{Primary: primaryErr, Fallback: domain.ErrMissingCredentials}
	}

	fallback, err := e.runFallback(ctx, asset)
	if err == nil {
		return fallback, domain.BackendGenAI, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.ImageAsset{}, "", ctxErr
	}

	e.logger.Warn().Err(err).Str("backend", domain.BackendGenAI).Msg("pipeline: fallback removal failed")
	if !e.fallback.HasCredentials() {
		return domain.ImageAsset{}, "", &domain.FallbackError{Primary: primaryErr, Fallback: err}
	}
	return domain.ImageAsset{}, "", err
}

func (e *Engine) runPrimary(ctx context.Context, asset domain.ImageAsset) (*domain.ImageAsset, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.primary", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("removal.backend", domain.BackendWebhook),
		attribute.Int("image.input_bytes", len(asset.Bytes)),
	)

	if e.primary == nil {
		err := &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamNotConfigured, Message: "webhook url is not configured"}
		span.SetStatus(codes.Error, "not configured")
		return nil, err
	}

	result, err := e.primary.Submit(ctx, asset)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "primary failed")
	case result == nil:
		span.SetStatus(codes.Error, "no usable image")
	default:
		span.SetStatus(codes.Ok, "image returned")
	}
	return result, err
}

func (e *Engine) runFallback(ctx context.Context, asset domain.ImageAsset) (domain.ImageAsset, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.fallback", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("removal.backend", domain.BackendGenAI),
		attribute.Bool("genai.credentials", e.fallback.HasCredentials()),
	)

	result, err := e.fallback.Submit(ctx, asset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback failed")
		if errors.Is(err, domain.ErrMissingCredentials) {
			span.SetAttributes(attribute.Bool("genai.missing_credentials", true))
		}
		return domain.ImageAsset{}, err
	}
	span.SetStatus(codes.Ok, "image returned")
	return result, nil
}
