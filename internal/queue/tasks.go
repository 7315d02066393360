package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeRemoveBackground = "removal:process"

// RemovalPayload carries one normalized image to the worker. Images travel
// inline and expire with the task.
type RemovalPayload struct {
	InvocationID string    `json:"invocation_id"`
	Image        []byte    `json:"image"`
	MIMEType     string    `json:"mime_type"`
	Filename     string    `json:"filename,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

func (p RemovalPayload) Asset() domain.ImageAsset {
	return domain.ImageAsset{Bytes: p.Image, MIMEType: p.MIMEType, Filename: p.Filename}
}

// RemovalResult is what the worker writes back through the task result.
// Exactly one of Image or Error is set.
type RemovalResult struct {
	Image    []byte     `json:"image,omitempty"`
	MIMEType string     `json:"mime_type,omitempty"`
	Backend  string     `json:"backend,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
}

// TaskError is the wire form of a removal failure.
type TaskError struct {
	Backend string `json:"backend,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	// Primary is set when the fallback was unavailable; it holds the
	// primary failure that preceded it.
	Primary string `json:"primary,omitempty"`
}

func NewRemovalTask(payload RemovalPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal removal payload: %w", err)
	}
	return asynq.NewTask(TypeRemoveBackground, body), nil
}

func ParseRemovalPayload(task *asynq.Task) (RemovalPayload, error) {
	var payload RemovalPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RemovalPayload{}, fmt.Errorf("unmarshal removal payload: %w", err)
	}
	if len(payload.Image) == 0 {
		return RemovalPayload{}, errors.New("removal payload has no image")
	}
	return payload, nil
}

func EncodeResult(result RemovalResult) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal removal result: %w", err)
	}
	return body, nil
}

func DecodeResult(body []byte) (RemovalResult, error) {
	var result RemovalResult
	if err := json.Unmarshal(body, &result); err != nil {
		return RemovalResult{}, fmt.Errorf("unmarshal removal result: %w", err)
	}
	return result, nil
}

// NewTaskError flattens err for the wire. Upstream details survive; other
// error types keep only their message.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return &TaskError{Message: "unknown error"}
	}

	var combined *domain.FallbackError
	if errors.As(err, &combined) {
		te := NewTaskError(combined.Fallback)
		te.Primary = "primary removal failed"
		if combined.Primary != nil {
			te.Primary = combined.Primary.Error()
		}
		return te
	}

	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		message := upstream.Message
		if message == "" && upstream.Err != nil {
			message = upstream.Err.Error()
		}
		return &TaskError{
			Backend: upstream.Backend,
			Kind:    string(upstream.Kind),
			Status:  upstream.Status,
			Message: message,
			Hint:    upstream.Hint,
		}
	}
	return &TaskError{Message: err.Error()}
}

// Err rebuilds a domain error from the wire form.
func (e *TaskError) Err() error {
	backend := e.Backend
	if backend == "" {
		backend = "worker"
	}
	kind := domain.UpstreamKind(e.Kind)
	if kind == "" {
		kind = domain.UpstreamServer
	}
	upstream := &domain.UpstreamError{
		Backend: backend,
		Kind:    kind,
		Status:  e.Status,
		Message: e.Message,
		Hint:    e.Hint,
	}
	if e.Primary != "" {
		return &domain.FallbackError{Primary: errors.New(e.Primary), Fallback: upstream}
	}
	return upstream
}
