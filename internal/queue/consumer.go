/**
 * Queue Consumer for the extraction service
 *
 * Consumes extract:document tasks from Redis through Asynq and runs them
 * through the same Extractor the HTTP API uses. Only timeouts are retried;
 * every other failure is final.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/fileprocess-extractor/internal/errors"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/processor"
)

// FileReader reads documents referenced by job paths, refusing files over
// limit bytes
type FileReader interface {
	ReadFileLimit(path string, limit int64) ([]byte, error)
}

// Consumer handles job consumption from Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	extractor processor.Extractor
	files     FileReader
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Extractor         processor.Extractor
	Files             FileReader
	MaxDocumentSize   int64
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("Extractor is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("Files is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger:   asynqLogger{logger.Named("asynq")},
			LogLevel: asynq.WarnLevel,
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		extractor: cfg.Extractor,
		files:     cfg.Files,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TypeExtractDocument, consumer.handleExtractDocument)

	return consumer, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, ... capped at 60s
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if n > 4 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start runs the consumer in the background
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop waits for active tasks and shuts the consumer down
func (c *Consumer) Stop() {
	c.logger.Info("Stopping queue consumer")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
}

// handleExtractDocument processes one extraction task
func (c *Consumer) handleExtractDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job ExtractJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %v: %w", err, asynq.SkipRetry)
	}
	logger := c.logger.With("job_id", job.ID, "path", job.Path)

	data, err := c.files.ReadFileLimit(job.Path, c.config.MaxDocumentSize)
	if err != nil {
		logger.Error("Job document unreadable", "error", err)
		return fmt.Errorf("failed to read job document: %w: %w", err, asynq.SkipRetry)
	}

	processCtx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	result, err := c.extractor.Extract(processCtx, &processor.ExtractRequest{
		RequestID: job.ID,
		Filename:  job.Filename,
		MimeType:  job.MimeType,
		Data:      data,
		Params:    job.Params,
	})
	duration := time.Since(startTime)

	if err != nil {
		code := errors.CodeOf(err)
		if code == "" && processCtx.Err() == context.DeadlineExceeded {
			code = errors.ErrorPipelineTimeout
		}
		logger.Error("Job failed", "error_code", code, "error", err, "duration", duration)

		if code == errors.ErrorOCRTimeout || code == errors.ErrorPipelineTimeout {
			return fmt.Errorf("extraction timed out: %w", err)
		}
		return fmt.Errorf("extraction failed: %w: %w", err, asynq.SkipRetry)
	}

	logger.Info("Job completed",
		"document_id", result.DocumentID,
		"cache_status", result.CacheStatus,
		"pages", result.PageCount,
		"confidence", result.Confidence,
		"duration", duration)

	if rw := task.ResultWriter(); rw != nil {
		payload, err := json.Marshal(newJobResult(result))
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		if _, err := rw.Write(payload); err != nil {
			// The extraction itself is cached; only the pointer is lost
			logger.Warn("Failed to write job result", "error", err)
		}
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// asynqLogger routes asynq's internal logging through our logger
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal(fmt.Sprint(args...)) }
