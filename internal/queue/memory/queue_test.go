package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan grocery.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), "Milk 2L"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "Milk 2L", got.Name)
		require.False(t, got.Stop)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), "primed"))
	err = qEnqueue.Enqueue(ctx, "blocked")
	require.EqualError(t, err, "enqueue canceled: context canceled")
	require.Equal(t, 1, qEnqueue.Pending(), "canceled enqueue must not count as pending")
}

func TestQueueStopSentinelIsNotTracked(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.EnqueueStop(context.Background()))
	require.Zero(t, q.Pending())
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.True(t, item.Stop)
}

func TestQueueWaitReturnsWhenAllDone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(4)
	require.NoError(t, q.Wait(ctx), "empty queue is idle")

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	waited := make(chan error, 1)
	go func() { waited <- q.Wait(ctx) }()

	for i := 0; i < 2; i++ {
		_, err := q.Dequeue(ctx)
		require.NoError(t, err)
	}
	select {
	case <-waited:
		t.Fatal("Wait returned before Done")
	case <-time.After(20 * time.Millisecond):
	}

	// Requeue before Done keeps the queue busy.
	require.NoError(t, q.Enqueue(ctx, "a"))
	q.Done()
	q.Done()
	select {
	case <-waited:
		t.Fatal("Wait returned while a requeued item was pending")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	q.Done()
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestQueueWaitCanceled(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Wait(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueueCloseIdempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, grocery.ErrQueueClosed)
}
