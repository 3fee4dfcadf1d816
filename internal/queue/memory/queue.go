// Package memory provides the in-process product queue shared by workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

// Queue is a bounded FIFO of product names with task accounting: every
// Enqueue is matched by a Done, and Wait returns once all of them settle.
type Queue struct {
	ch      chan grocery.QueueItem
	closeMu sync.Mutex
	closed  bool

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ch:   make(chan grocery.QueueItem, capacity),
		idle: idle,
	}
}

// Enqueue pushes a product name or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, name string) error {
	q.track(1)
	select {
	case <-ctx.Done():
		q.track(-1)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- grocery.QueueItem{Name: name}:
		return nil
	}
}

// EnqueueStop pushes one shutdown sentinel. Sentinels are not tracked work.
func (q *Queue) EnqueueStop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- grocery.StopItem():
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (grocery.QueueItem, error) {
	select {
	case <-ctx.Done():
		return grocery.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return grocery.QueueItem{}, grocery.ErrQueueClosed
		}
		return item, nil
	}
}

// Done marks one dequeued product as fully handled.
func (q *Queue) Done() {
	q.track(-1)
}

// Pending returns the number of enqueued products not yet marked done.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Wait blocks until every enqueued product has been marked done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.pending == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait canceled: %w", ctx.Err())
		case <-idle:
		}
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

func (q *Queue) track(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := q.pending
	q.pending += delta
	if q.pending < 0 {
		q.pending = 0
	}
	switch {
	case before == 0 && q.pending > 0:
		q.idle = make(chan struct{})
	case before > 0 && q.pending == 0:
		close(q.idle)
	}
}
