// Package bus is the bounded in-memory queue behind background processing.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"msgrelay/internal/metrics"
)

const publishTimeout = 10 * time.Second

// Queue is a Go-channel based task queue. Publish never blocks the caller.
type Queue[T any] struct {
	tasks     chan T
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wait      time.Duration
	logger    *slog.Logger
}

// New creates a Queue with the given buffer size.
func New[T any](bufferSize int, logger *slog.Logger) *Queue[T] {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		tasks:  make(chan T, bufferSize),
		done:   make(chan struct{}),
		wait:   publishTimeout,
		logger: logger.With("component", "queue"),
	}
}

// Publish enqueues task. When the buffer is full the send is handed to a
// detached goroutine that waits up to 10 seconds before dropping the task.
func (q *Queue[T]) Publish(task T) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue")
		metrics.BackgroundTasks.WithLabelValues("dropped").Inc()
		return
	}

	select {
	case q.tasks <- task:
	default:
		q.logger.Warn("task queue full, waiting in background", "wait", q.wait)
		go q.publishSlow(task)
	}
}

func (q *Queue[T]) publishSlow(task T) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.BackgroundTasks.WithLabelValues("dropped").Inc()
		return
	}

	timer := time.NewTimer(q.wait)
	defer timer.Stop()
	select {
	case q.tasks <- task:
		q.logger.Info("task queued after wait")
	case <-timer.C:
		metrics.BackgroundTasks.WithLabelValues("dropped").Inc()
		q.logger.Error("task dropped: queue full", "waited", q.wait)
	case <-q.done:
		metrics.BackgroundTasks.WithLabelValues("dropped").Inc()
		q.logger.Warn("task dropped: queue closing")
	}
}

// Run consumes tasks with the given number of workers until the queue is
// closed and drained or ctx is cancelled. A panicking handler is logged and
// the worker keeps going.
func (q *Queue[T]) Run(ctx context.Context, workers int, handle func(context.Context, T)) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-q.tasks:
					if !ok {
						return
					}
					q.dispatch(ctx, i, task, handle)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *Queue[T]) dispatch(ctx context.Context, worker int, task T, handle func(context.Context, T)) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task handler panic", "worker", worker, "panic", r)
		}
	}()
	handle(ctx, task)
}

// Len returns the number of buffered tasks.
func (q *Queue[T]) Len() int { return len(q.tasks) }

// Close stops accepting tasks. Buffered tasks are still handed to Run.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
