// Package pipeline schedules segment scans across a bounded worker
// pool, deduplicates detections, and flushes results and failures.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/warcscan/internal/scan"
)

// ErrQueueClosed signals normal end of input to draining workers.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded in-memory work item queue with context-aware
// operations.
type Queue struct {
	ch      chan scan.WorkItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan scan.WorkItem, capacity),
	}
}

// Enqueue pushes a work item or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item scan.WorkItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next work item. It returns ErrQueueClosed once the
// queue is closed and drained, and the context error on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scan.WorkItem, error) {
	select {
	case <-ctx.Done():
		return scan.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return scan.WorkItem{}, ErrQueueClosed
		}
		return item, nil
	}
}

// Close marks the end of input. Safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
