package pipeline

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/removal"
	"github.com/dunamismax/zyncut/internal/session"
	"github.com/dunamismax/zyncut/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type executorFunc func(ctx context.Context, asset domain.ImageAsset, progress ProgressFunc) (Outcome, error)

func (f executorFunc) Execute(ctx context.Context, asset domain.ImageAsset, progress ProgressFunc) (Outcome, error) {
	return f(ctx, asset, progress)
}

func newTestSession(t *testing.T) (*session.Session, *store.MemoryUsageStore) {
	t.Helper()
	usage := store.NewMemoryUsageStore()
	return session.New("session-1", usage, domain.DefaultQuota()), usage
}

func uploadSource(t *testing.T) Source {
	t.Helper()
	return ReaderSource{
		Reader:   strings.NewReader(string(solidPNG(t, 4, 4, color.NRGBA{R: 200, G: 80, B: 60, A: 255}))),
		Filename: "portrait.png",
	}
}

func TestProcessCommitsResult(t *testing.T) {
	ctx := context.Background()
	sess, usage := newTestSession(t)

	primary := &fakePrimary{result: &domain.ImageAsset{
		Bytes:    solidPNG(t, 4, 4, color.NRGBA{G: 255, A: 255}),
		MIMEType: "image/png",
	}}
	engine := NewEngine(primary, &fakeFallback{credentials: true}, newTestChromaKey(t), zerolog.Nop())
	processor := NewProcessor(engine, domain.DefaultQuota(), zerolog.Nop())

	var percents []int
	var states []domain.State
	completion, err := processor.Process(ctx, sess, uploadSource(t), func(state domain.State, percent int) {
		states = append(states, state)
		percents = append(percents, percent)
	})
	require.NoError(t, err)

	require.Equal(t, 1, completion.Usage.Count)
	require.Equal(t, domain.BackendWebhook, completion.Backend)
	require.NotEmpty(t, completion.Result.ID)
	require.True(t, strings.HasPrefix(completion.Result.OriginalDataURI, "data:image/png;base64,"))

	data, mimeType, err := codec.ToBinary(completion.Result.ResultDataURI)
	require.NoError(t, err)
	require.Equal(t, domain.MIMETypePNG, mimeType)
	require.Zero(t, decodeNRGBA(t, data).NRGBAAt(1, 1).A)

	require.Equal(t, []int{0, ProgressNormalized, ProgressPrimary, ProgressComposited, ProgressCommitted}, percents)
	require.Equal(t, domain.StateCommitted, states[len(states)-1])

	history := sess.History("")
	require.Len(t, history, 1)
	require.Equal(t, completion.Result, history[0])

	logs := usage.Logs("session-1")
	require.Len(t, logs, 1)
	require.Equal(t, completion.Result.ID, logs[0].ResultID)
	require.Equal(t, domain.BackendWebhook, logs[0].Backend)
}

func TestProcessSecondUseReachesLimit(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t)
	processor := NewProcessor(okExecutor(), domain.DefaultQuota(), zerolog.Nop())

	first, err := processor.Process(ctx, sess, uploadSource(t), nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Usage.Count)

	second, err := processor.Process(ctx, sess, uploadSource(t), nil)
	require.NoError(t, err)
	require.Equal(t, 2, second.Usage.Count)

	history := sess.History("")
	require.Len(t, history, 2)
	require.Equal(t, second.Result.ID, history[0].ID)
}

func TestProcessBlockedAtLimitMakesNoNetworkCalls(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sess, usage := newTestSession(t)
	for i := 0; i < domain.DefaultFreeLimit; i++ {
		snapshot, err := sess.Snapshot(ctx)
		require.NoError(t, err)
		_, err = usage.Commit(ctx, "session-1", snapshot, domain.UsageLog{})
		require.NoError(t, err)
	}

	fallback := &fakeFallback{credentials: true}
	engine := NewEngine(removal.NewClient(removal.Config{Endpoint: srv.URL, HTTPClient: srv.Client()}), fallback, newTestChromaKey(t), zerolog.Nop())
	processor := NewProcessor(engine, domain.DefaultQuota(), zerolog.Nop())

	var last domain.State
	_, err := processor.Process(ctx, sess, uploadSource(t), func(state domain.State, _ int) { last = state })
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	require.Equal(t, domain.StateBlocked, last)
	require.Zero(t, hits.Load())
	require.Zero(t, fallback.calls.Load())
	require.Empty(t, sess.History(""))

	after, err := sess.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultFreeLimit, after.Count)
}

func TestProcessUnlimitedPlanIgnoresLimit(t *testing.T) {
	ctx := context.Background()
	sess, _ := newTestSession(t)
	_, err := sess.SetPlan(ctx, domain.PlanPro)
	require.NoError(t, err)

	processor := NewProcessor(okExecutor(), domain.DefaultQuota(), zerolog.Nop())
	for i := 0; i < 4; i++ {
		_, err := processor.Process(ctx, sess, uploadSource(t), nil)
		require.NoError(t, err)
	}
	require.Len(t, sess.History(""), 4)
}

func TestProcessFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	sess, usage := newTestSession(t)

	upstream := &domain.UpstreamError{Backend: domain.BackendGenAI, Kind: domain.UpstreamNoImage, Message: "failed to generate a result"}
	processor := NewProcessor(executorFunc(func(context.Context, domain.ImageAsset, ProgressFunc) (Outcome, error) {
		return Outcome{}, upstream
	}), domain.DefaultQuota(), zerolog.Nop())

	_, err := processor.Process(ctx, sess, uploadSource(t), nil)
	require.ErrorIs(t, err, upstream)
	require.Empty(t, sess.History(""))
	require.Empty(t, usage.Logs("session-1"))
}

func TestProcessDecodingFailure(t *testing.T) {
	sess, _ := newTestSession(t)
	processor := NewProcessor(okExecutor(), domain.DefaultQuota(), zerolog.Nop())

	_, err := processor.Process(context.Background(), sess, DataURISource{URI: "not a data uri"}, nil)
	require.ErrorIs(t, err, domain.ErrDecoding)
	require.Empty(t, sess.History(""))
}

func TestProcessRejectsNonImageURLBody(t *testing.T) {
	sess, usage := newTestSession(t)
	processor := NewProcessor(okExecutor(), domain.DefaultQuota(), zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("token=abc123"))
	}))
	defer srv.Close()

	_, err := processor.Process(context.Background(), sess, URLSource{URL: srv.URL, Client: srv.Client()}, nil)
	require.ErrorIs(t, err, domain.ErrDecoding)
	require.Empty(t, sess.History(""))
	require.Empty(t, usage.Logs("session-1"))
}

func TestProcessResetDiscardsLateCompletion(t *testing.T) {
	ctx := context.Background()
	sess, usage := newTestSession(t)

	started := make(chan struct{})
	release := make(chan struct{})
	processor := NewProcessor(executorFunc(func(context.Context, domain.ImageAsset, ProgressFunc) (Outcome, error) {
		close(started)
		<-release
		// Ignores cancellation to model a backend that finishes anyway.
		return Outcome{Asset: domain.ImageAsset{Bytes: []byte("late"), MIMEType: domain.MIMETypePNG}, Backend: domain.BackendGenAI}, nil
	}), domain.DefaultQuota(), zerolog.Nop())

	src := uploadSource(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := processor.Process(ctx, sess, src, nil)
		errCh <- err
	}()

	<-started
	require.True(t, sess.Reset())
	close(release)

	err := <-errCh
	require.ErrorIs(t, err, domain.ErrStaleInvocation)
	require.Empty(t, sess.History(""))
	require.Empty(t, usage.Logs("session-1"))
}

func TestProcessNeverRegressesProgress(t *testing.T) {
	sess, _ := newTestSession(t)
	processor := NewProcessor(executorFunc(func(_ context.Context, asset domain.ImageAsset, progress ProgressFunc) (Outcome, error) {
		progress(domain.StateAttemptingFallback, ProgressFallback)
		progress(domain.StateAttemptingPrimary, ProgressPrimary)
		return Outcome{Asset: asset, Backend: domain.BackendGenAI}, nil
	}), domain.DefaultQuota(), zerolog.Nop())

	var percents []int
	_, err := processor.Process(context.Background(), sess, uploadSource(t), func(_ domain.State, percent int) {
		percents = append(percents, percent)
	})
	require.NoError(t, err)

	for i := 1; i < len(percents); i++ {
		require.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	require.Equal(t, ProgressCommitted, percents[len(percents)-1])
}

func okExecutor() Executor {
	return executorFunc(func(_ context.Context, asset domain.ImageAsset, _ ProgressFunc) (Outcome, error) {
		return Outcome{Asset: domain.ImageAsset{Bytes: asset.Bytes, MIMEType: domain.MIMETypePNG}, Backend: domain.BackendWebhook}, nil
	})
}
