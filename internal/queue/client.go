package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Options struct {
	Queue     string
	Timeout   time.Duration
	Retention time.Duration
}

type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	timeout   time.Duration
	retention time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     opts.Queue,
		timeout:   opts.Timeout,
		retention: opts.Retention,
	}
}

func (c *Client) Queue() string {
	return c.queue
}

// EnqueueRemoval schedules a single attempt whose result is kept for the
// retention window.
func (c *Client) EnqueueRemoval(ctx context.Context, payload RemovalPayload) (*asynq.TaskInfo, error) {
	task, err := NewRemovalTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.InvocationID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
		asynq.Retention(c.retention),
	)
}

func (c *Client) TaskInfo(queue, taskID string) (*asynq.TaskInfo, error) {
	return c.inspector.GetTaskInfo(queue, taskID)
}

// Cancel stops an active task or drops a pending one. The task may already
// be gone, so errors are ignored.
func (c *Client) Cancel(queue, taskID string) {
	_ = c.inspector.CancelProcessing(taskID)
	_ = c.inspector.DeleteTask(queue, taskID)
}

func (c *Client) Close() error {
	if err := c.inspector.Close(); err != nil {
		_ = c.client.Close()
		return err
	}
	return c.client.Close()
}
