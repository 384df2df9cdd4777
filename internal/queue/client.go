package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
)

const (
	defaultMaxRetry  = 3
	defaultRetention = 24 * time.Hour
)

// Client enqueues extraction jobs and reports their state
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewClient creates a client for queue on the Redis at redisURL
func NewClient(redisURL string, queue string) (*Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if queue == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queue,
	}, nil
}

// Enqueue submits job and returns its ID. Completed tasks are retained for a
// day so their state and result stay queryable.
func (c *Client) Enqueue(ctx context.Context, job *ExtractJob) (string, error) {
	if job.Path == "" {
		return "", fmt.Errorf("job path is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	task := asynq.NewTask(TypeExtractDocument, payload)
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Retention(defaultRetention),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return info.ID, nil
}

// Job returns the state of a previously enqueued job
func (c *Client) Job(ctx context.Context, id string) (*JobStatus, error) {
	info, err := c.inspector.GetTaskInfo(c.queue, id)
	if err != nil {
		if stderrors.Is(err, asynq.ErrTaskNotFound) || stderrors.Is(err, asynq.ErrQueueNotFound) {
			return nil, errors.NewNotFoundError("job", id)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return statusFromTaskInfo(info)
}

// Close releases both Redis connections
func (c *Client) Close() error {
	inspectorErr := c.inspector.Close()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return inspectorErr
}
