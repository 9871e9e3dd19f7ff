package writeback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestJobRuns(t *testing.T) {
	q := NewQueue(8, zap.NewNop())
	q.Start(context.Background())
	defer q.Stop()

	done := make(chan struct{})
	q.Enqueue(Job{Name: "test", Run: func(context.Context) error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestJobRetriedThenGivesUp(t *testing.T) {
	q := NewQueue(8, zap.NewNop())
	q.Start(context.Background())
	defer q.Stop()

	var attempts atomic.Int32
	q.Enqueue(Job{Name: "flaky", Run: func(context.Context) error {
		attempts.Add(1)
		return errors.New("store unavailable")
	}})

	deadline := time.After(3 * time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3", attempts.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	// Bounded: no fourth attempt.
	time.Sleep(500 * time.Millisecond)
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	q := NewQueue(1, zap.NewNop())
	// Not started: jobs pile up in the buffer.

	q.Enqueue(Job{Name: "first", Run: func(context.Context) error { return nil }})

	done := make(chan struct{})
	go func() {
		q.Enqueue(Job{Name: "second", Run: func(context.Context) error { return nil }})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on full buffer")
	}
}

func TestOrderPreserved(t *testing.T) {
	q := NewQueue(8, zap.NewNop())

	var order []int
	results := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		q.Enqueue(Job{Name: "ordered", Run: func(context.Context) error {
			results <- i
			return nil
		}})
	}
	q.Start(context.Background())
	defer q.Stop()

	for len(order) < 3 {
		select {
		case v := <-results:
			order = append(order, v)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want 3 results", order)
		}
	}
	for i, v := range order {
		if v != i+1 {
			t.Fatalf("order = %v", order)
		}
	}
}
