package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
)

// WorkerPool is the process-wide admission point for page OCR. It is
// created at startup, shared by every pipeline run and released at shutdown.
type WorkerPool struct {
	pool   *ants.Pool
	logger *logging.Logger
}

// PoolStats is a snapshot of pool usage
type PoolStats struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Waiting  int `json:"waiting"`
	Free     int `json:"free"`
}

// NewWorkerPool creates a pool of size workers. Submit blocks while all
// workers are busy.
func NewWorkerPool(size int, logger *logging.Logger) (*WorkerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be greater than 0")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	pool, err := ants.NewPool(size,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("Page task panicked", "panic", p, "stack", string(debug.Stack()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	logger.Info("Worker pool created", "size", size)
	return &WorkerPool{pool: pool, logger: logger}, nil
}

// Submit queues task, waiting for a free worker. It fails immediately when
// ctx is already done or the pool has been released.
func (w *WorkerPool) Submit(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.pool.Submit(task); err != nil {
		return fmt.Errorf("failed to submit page task: %w", err)
	}
	return nil
}

// Stats returns current usage
func (w *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Capacity: w.pool.Cap(),
		Running:  w.pool.Running(),
		Waiting:  w.pool.Waiting(),
		Free:     w.pool.Free(),
	}
}

// Release stops accepting tasks and waits up to timeout for running ones
func (w *WorkerPool) Release(timeout time.Duration) error {
	w.logger.Info("Releasing worker pool", "running", w.pool.Running(), "timeout", timeout)
	if err := w.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("worker pool did not drain: %w", err)
	}
	return nil
}
