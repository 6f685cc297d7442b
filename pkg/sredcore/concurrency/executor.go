package concurrency

import (
	"context"
	"time"
)

// ExecutorStats reports the current load of an Executor's task queue.
type ExecutorStats struct {
	QueuedTasks      int64
	ActiveWorkers    int
	CompletedTasks   int64
	RejectedTasks    int64
	QueueCapacity    int
	QueueUtilization float64 // percent, 0-100
}

// Executor runs Tasks on a fixed pool of worker goroutines behind a
// bounded queue, so callers never block on task creation beyond the
// queue's capacity.
type Executor interface {
	Submit(task Task) error
	SubmitWithTimeout(task Task, timeout time.Duration) error
	Shutdown(ctx context.Context) error
	Stats() ExecutorStats
}

// ExecutorConfig configures an Executor's worker pool and queue.
type ExecutorConfig struct {
	Workers   int
	QueueSize int
}

// DefaultExecutorConfig mirrors the defaults the bus and control-plane
// sweepers use unless overridden by pkg/sredconfig.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Workers: 10, QueueSize: 1000}
}
