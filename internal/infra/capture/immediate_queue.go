package capture

import (
	"context"
	"sync"
)

// ImmediateQueue runs every job on its own goroutine as soon as it is enqueued.
type ImmediateQueue struct {
	mu      sync.RWMutex
	handler Handler
	wg      sync.WaitGroup
}

// NewImmediateQueue constructs the queue.
func NewImmediateQueue(handler Handler) *ImmediateQueue {
	return &ImmediateQueue{handler: handler}
}

// SetHandler replaces the handler used for queued jobs.
func (q *ImmediateQueue) SetHandler(handler Handler) {
	q.mu.Lock()
	q.handler = handler
	q.mu.Unlock()
}

// Enqueue invokes the handler asynchronously. The caller's cancellation does not reach the job.
func (q *ImmediateQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	handler := q.handler
	q.mu.RUnlock()
	if handler == nil {
		return nil
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		handler(context.WithoutCancel(ctx), job)
	}()
	return nil
}

// Wait blocks until every started job has returned.
func (q *ImmediateQueue) Wait() {
	q.wg.Wait()
}

var _ Queue = (*ImmediateQueue)(nil)
