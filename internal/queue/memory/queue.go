// Package memory provides a queue implementation for single-process
// deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/runharvest/runharvest/internal/capture"
	"github.com/runharvest/runharvest/internal/queue"
)

// Queue is a bounded in-memory task queue with context-aware operations.
type Queue struct {
	ch      chan capture.Task
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue holding at most capacity pending tasks.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan capture.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task capture.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (capture.Task, error) {
	select {
	case <-ctx.Done():
		return capture.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return capture.Task{}, queue.ErrClosed
		}
		return task, nil
	}
}

// Close closes the underlying channel for shutdown. Callers must stop
// enqueueing first.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
