package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quadgate/sred/pkg/sredcore"
)

// defaultExecutor implements Executor with a worker pool reading off a
// bounded channel. All channel and goroutine operations stay internal.
type defaultExecutor struct {
	taskChan chan Task
	workers  int
	queueCap int
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	closed   bool
	logger   sredcore.Logger

	queuedTasks    int64
	completedTasks int64
	rejectedTasks  int64
}

// NewExecutor creates an Executor with the given configuration, starting
// its worker goroutines immediately.
func NewExecutor(ctx context.Context, cfg ExecutorConfig, logger sredcore.Logger) Executor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &defaultExecutor{
		taskChan: make(chan Task, cfg.QueueSize),
		workers:  cfg.Workers,
		queueCap: cfg.QueueSize,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	e.wg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.worker(i)
	}
	return e
}

func (e *defaultExecutor) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case task, ok := <-e.taskChan:
			if !ok {
				return
			}
			atomic.AddInt64(&e.queuedTasks, -1)
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Errorf("task %s panicked: %v", task.Name(), r)
					}
				}()
				if err := task.Execute(e.ctx); err != nil {
					e.logger.Errorf("task %s failed: %v", task.Name(), err)
				}
			}()
			atomic.AddInt64(&e.completedTasks, 1)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *defaultExecutor) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return fmt.Errorf("executor is closed")
	}

	select {
	case e.taskChan <- task:
		atomic.AddInt64(&e.queuedTasks, 1)
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	default:
		atomic.AddInt64(&e.rejectedTasks, 1)
		return ErrMailboxFull
	}
}

func (e *defaultExecutor) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return fmt.Errorf("executor is closed")
	}

	select {
	case e.taskChan <- task:
		atomic.AddInt64(&e.queuedTasks, 1)
		return nil
	case <-time.After(timeout):
		atomic.AddInt64(&e.rejectedTasks, 1)
		return fmt.Errorf("submit timeout after %v", timeout)
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

func (e *defaultExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	close(e.taskChan)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

func (e *defaultExecutor) Stats() ExecutorStats {
	queued := atomic.LoadInt64(&e.queuedTasks)
	util := float64(queued) / float64(e.queueCap) * 100.0
	if util > 100.0 {
		util = 100.0
	}
	return ExecutorStats{
		QueuedTasks:      queued,
		ActiveWorkers:    e.workers,
		CompletedTasks:   atomic.LoadInt64(&e.completedTasks),
		RejectedTasks:    atomic.LoadInt64(&e.rejectedTasks),
		QueueCapacity:    e.queueCap,
		QueueUtilization: util,
	}
}
