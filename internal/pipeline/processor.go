package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/id"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is the per-user state an invocation reads from and commits to.
type Session interface {
	ID() string
	Snapshot(ctx context.Context) (domain.UsageState, error)
	Begin(ctx context.Context) (context.Context, string)
	Commit(ctx context.Context, token string, snapshot domain.UsageState, result domain.ProcessingResult, usage domain.UsageLog) (domain.UsageState, error)
	End(token string)
}

// Completion is what a committed invocation hands back to the caller.
type Completion struct {
	Result  domain.ProcessingResult
	Usage   domain.UsageState
	Backend string
}

type Processor struct {
	executor Executor
	quota    domain.Quota
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewProcessor(executor Executor, quota domain.Quota, logger zerolog.Logger) *Processor {
	return &Processor{
		executor: executor,
		quota:    quota,
		logger:   logger,
		tracer:   otel.Tracer("zyncut/pipeline"),
		now:      time.Now,
	}
}

// Process runs one removal for the session: quota gate, normalization,
// removal, compositing and the atomic commit of history and usage.
func (p *Processor) Process(ctx context.Context, sess Session, src Source, progress ProgressFunc) (Completion, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sess.ID()))

	tracker := &progressTracker{fn: progress}
	logger := p.logger.With().Str("session", sess.ID()).Logger()

	fail := func(state domain.State, err error) (Completion, error) {
		tracker.report(state, tracker.last)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state))
		logger.Info().Err(err).Str("state", string(state)).Msg("pipeline: invocation ended without a result")
		return Completion{}, err
	}

	tracker.report(domain.StateQuotaCheck, 0)
	snapshot, err := sess.Snapshot(ctx)
	if err != nil {
		return fail(domain.StateFailed, fmt.Errorf("load usage: %w", err))
	}
	if p.quota.Exhausted(snapshot) {
		return fail(domain.StateBlocked, domain.ErrQuotaExceeded)
	}

	startedAt := p.now()
	asset, err := src.Load(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrDecoding) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", domain.ErrDecoding, err)
		}
		return fail(domain.StateFailed, err)
	}
	tracker.report(domain.StateNormalizing, ProgressNormalized)

	invocationCtx, token := sess.Begin(ctx)
	defer sess.End(token)
	logger = logger.With().Str("invocation", token).Logger()
	span.SetAttributes(attribute.String("invocation.id", token))

	outcome, err := p.executor.Execute(invocationCtx, asset, tracker.report)
	if err != nil {
		return fail(domain.StateFailed, err)
	}

	result := domain.ProcessingResult{
		ID:              id.New(),
		OriginalDataURI: codec.ToDataURI(asset.Bytes, asset.MIMEType),
		ResultDataURI:   codec.ToDataURI(outcome.Asset.Bytes, outcome.Asset.MIMEType),
		Timestamp:       p.now().UnixMilli(),
	}
	usage := domain.UsageLog{
		Subject:       sess.ID(),
		ResultID:      result.ID,
		Backend:       outcome.Backend,
		InputBytes:    int64(len(asset.Bytes)),
		OutputBytes:   int64(len(outcome.Asset.Bytes)),
		ComputeTimeMS: max(1, p.now().Sub(startedAt).Milliseconds()),
		CreatedAt:     p.now().UTC(),
	}

	state, err := sess.Commit(invocationCtx, token, snapshot, result, usage)
	if err != nil {
		return fail(domain.StateFailed, err)
	}
	tracker.report(domain.StateCommitted, ProgressCommitted)

	span.SetAttributes(
		attribute.String("result.id", result.ID),
		attribute.String("removal.backend", outcome.Backend),
	)
	span.SetStatus(codes.Ok, "committed")
	logger.Info().
		Str("result", result.ID).
		Str("backend", outcome.Backend).
		Int("count", state.Count).
		Msg("pipeline: result committed")

	return Completion{Result: result, Usage: state, Backend: outcome.Backend}, nil
}

// progressTracker keeps percentages monotonic and goes quiet after a
// terminal state.
type progressTracker struct {
	fn   ProgressFunc
	last int
	done bool
}

func (t *progressTracker) report(state domain.State, percent int) {
	if t.done {
		return
	}
	percent = max(percent, t.last)
	t.last = percent
	t.done = state.Terminal()
	if t.fn != nil {
		t.fn(state, percent)
	}
}
