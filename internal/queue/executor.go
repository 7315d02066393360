package queue

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/id"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const backendWorker = "worker"

type taskBackend interface {
	EnqueueRemoval(ctx context.Context, payload RemovalPayload) (*asynq.TaskInfo, error)
	TaskInfo(queue, taskID string) (*asynq.TaskInfo, error)
	Cancel(queue, taskID string)
}

// Executor hands removals to the worker pool and waits for the result. The
// caller still owns quota and history; only the upstream calls move.
type Executor struct {
	backend      taskBackend
	pollInterval time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

func NewExecutor(backend taskBackend, pollInterval time.Duration, logger zerolog.Logger) *Executor {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Executor{
		backend:      backend,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}
}

func (e *Executor) Execute(ctx context.Context, asset domain.ImageAsset, progress pipeline.ProgressFunc) (pipeline.Outcome, error) {
	report := func(state domain.State, percent int) {
		if progress != nil {
			progress(state, percent)
		}
	}

	info, err := e.backend.EnqueueRemoval(ctx, RemovalPayload{
		InvocationID: id.New(),
		Image:        asset.Bytes,
		MIMEType:     asset.MIMEType,
		Filename:     asset.Filename,
		RequestedAt:  e.now().UTC(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Outcome{}, ctx.Err()
		}
		return pipeline.Outcome{}, &domain.UpstreamError{Backend: backendWorker, Kind: domain.UpstreamNetwork, Message: "enqueue removal", Err: err}
	}
	report(domain.StateAttemptingPrimary, pipeline.ProgressPrimary)

	logger := e.logger.With().Str("task_id", info.ID).Str("queue", info.Queue).Logger()
	logger.Debug().Msg("queue: removal enqueued")

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.backend.Cancel(info.Queue, info.ID)
			logger.Debug().Msg("queue: removal cancelled")
			return pipeline.Outcome{}, ctx.Err()
		case <-ticker.C:
		}

		current, err := e.backend.TaskInfo(info.Queue, info.ID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) {
				return pipeline.Outcome{}, &domain.UpstreamError{Backend: backendWorker, Kind: domain.UpstreamServer, Message: "removal task expired before its result was read"}
			}
			logger.Warn().Err(err).Msg("queue: task lookup failed, retrying")
			continue
		}

		switch current.State {
		case asynq.TaskStateCompleted:
			return e.complete(current, report)
		case asynq.TaskStateArchived:
			message := current.LastErr
			if message == "" {
				message = "removal task failed"
			}
			return pipeline.Outcome{}, &domain.UpstreamError{Backend: backendWorker, Kind: domain.UpstreamServer, Message: message}
		}
	}
}

func (e *Executor) complete(info *asynq.TaskInfo, report pipeline.ProgressFunc) (pipeline.Outcome, error) {
	result, err := DecodeResult(info.Result)
	if err != nil {
		return pipeline.Outcome{}, &domain.UpstreamError{Backend: backendWorker, Kind: domain.UpstreamBadResponse, Message: "unreadable removal result", Err: err}
	}
	if result.Error != nil {
		return pipeline.Outcome{}, result.Error.Err()
	}
	if len(result.Image) == 0 {
		return pipeline.Outcome{}, &domain.UpstreamError{Backend: backendWorker, Kind: domain.UpstreamNoImage, Message: "removal result has no image"}
	}

	report(domain.StateCompositing, pipeline.ProgressComposited)
	mimeType := result.MIMEType
	if mimeType == "" {
		mimeType = domain.MIMETypePNG
	}
	return pipeline.Outcome{
		Asset:   domain.ImageAsset{Bytes: result.Image, MIMEType: mimeType, Filename: domain.DownloadFilename},
		Backend: result.Backend,
	}, nil
}
