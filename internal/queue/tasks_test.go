package queue

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/hibiken/asynq"
)

func TestRemovalTaskRoundTrip(t *testing.T) {
	payload := RemovalPayload{
		InvocationID: "inv-123",
		Image:        []byte{0x89, 'P', 'N', 'G'},
		MIMEType:     "image/png",
		Filename:     "portrait.png",
		RequestedAt:  time.Now().UTC(),
	}

	task, err := NewRemovalTask(payload)
	if err != nil {
		t.Fatalf("NewRemovalTask returned error: %v", err)
	}
	if task.Type() != TypeRemoveBackground {
		t.Fatalf("expected task type %q, got %q", TypeRemoveBackground, task.Type())
	}

	parsed, err := ParseRemovalPayload(task)
	if err != nil {
		t.Fatalf("ParseRemovalPayload returned error: %v", err)
	}

	if parsed.InvocationID != payload.InvocationID {
		t.Fatalf("expected invocation_id %q, got %q", payload.InvocationID, parsed.InvocationID)
	}
	asset := parsed.Asset()
	if string(asset.Bytes) != string(payload.Image) || asset.MIMEType != "image/png" || asset.Filename != "portrait.png" {
		t.Fatalf("unexpected asset %+v", asset)
	}
}

func TestParseRemovalPayloadRejectsEmptyImage(t *testing.T) {
	if _, err := ParseRemovalPayload(asynq.NewTask(TypeRemoveBackground, []byte(`{"invocation_id":"x"}`))); err == nil {
		t.Fatal("expected error for payload without image")
	}
	if _, err := ParseRemovalPayload(asynq.NewTask(TypeRemoveBackground, []byte(`not json`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestTaskErrorPreservesUpstreamDetails(t *testing.T) {
	original := &domain.UpstreamError{
		Backend: domain.BackendGenAI,
		Kind:    domain.UpstreamNoImage,
		Status:  0,
		Message: "failed to generate a result",
		Hint:    "model refused",
	}

	body, err := EncodeResult(RemovalResult{Error: NewTaskError(original)})
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	decoded, err := DecodeResult(body)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}

	rebuilt := decoded.Error.Err()
	var upstream *domain.UpstreamError
	if !errors.As(rebuilt, &upstream) {
		t.Fatalf("expected upstream error, got %T", rebuilt)
	}
	if upstream.Kind != domain.UpstreamNoImage || upstream.Backend != domain.BackendGenAI || upstream.Hint != "model refused" {
		t.Fatalf("unexpected rebuilt error %+v", upstream)
	}
	if got := domain.Describe(rebuilt); got.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", got.Status)
	}
}

func TestTaskErrorKeepsFallbackUnavailable(t *testing.T) {
	combined := &domain.FallbackError{
		Primary:  &domain.UpstreamError{Backend: domain.BackendWebhook, Kind: domain.UpstreamStatus, Status: 500, Message: "webhook returned status 500"},
		Fallback: domain.ErrMissingCredentials,
	}

	te := NewTaskError(combined)
	if te.Primary == "" {
		t.Fatal("expected primary failure to be carried")
	}

	var rebuilt *domain.FallbackError
	if !errors.As(te.Err(), &rebuilt) {
		t.Fatalf("expected fallback error, got %T", te.Err())
	}
	if got := domain.Describe(te.Err()); got.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got.Status)
	}
}
