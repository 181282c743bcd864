package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/painel-back/internal/domain"
)

func TestLocalQueueRetriesThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewLocalQueue(4, 3, nil)
	q.retryDelay = time.Millisecond

	var calls int32
	done := make(chan domain.QueueMessage, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, message domain.QueueMessage) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("upstream unavailable")
			}
			done <- message
			return nil
		})
	}()

	if err := q.Enqueue(ctx, refreshMessage("job-1", "k", time.Now().UTC())); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	select {
	case message := <-done:
		if message.Attempt != 1 {
			t.Fatalf("expected retried message with attempt 1, got %d", message.Attempt)
		}
	case <-ctx.Done():
		t.Fatalf("expected retry to succeed, got %d calls", atomic.LoadInt32(&calls))
	}
	if q.DLQSize() != 0 {
		t.Fatalf("expected empty DLQ, got %d", q.DLQSize())
	}
}

func TestLocalQueueMovesExhaustedMessagesToDLQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q := NewLocalQueue(4, 2, nil)
	q.retryDelay = time.Millisecond

	var calls int32
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.QueueMessage) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("still failing")
		})
	}()

	if err := q.Enqueue(ctx, refreshMessage("job-dead", "k", time.Now().UTC())); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	for q.DLQSize() == 0 {
		if ctx.Err() != nil {
			t.Fatalf("expected message in DLQ, got %d handler calls", atomic.LoadInt32(&calls))
		}
		time.Sleep(5 * time.Millisecond)
	}

	letters := q.DeadLetters()
	if len(letters) != 1 || letters[0].JobID != "job-dead" || letters[0].Attempt != 2 {
		t.Fatalf("unexpected dead letters %+v", letters)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
}
