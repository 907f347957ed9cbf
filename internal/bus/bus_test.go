package bus

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestQueue_RunHandlesPublished(t *testing.T) {
	q := New[int](10, testLogger())

	var sum atomic.Int64
	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), 3, func(_ context.Context, n int) {
			sum.Add(int64(n))
		})
		close(done)
	}()

	for i := 1; i <= 5; i++ {
		q.Publish(i)
	}
	q.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if sum.Load() != 15 {
		t.Fatalf("expected sum 15, got %d", sum.Load())
	}
}

func TestQueue_PublishDoesNotBlockWhenFull(t *testing.T) {
	q := New[int](1, testLogger())
	q.wait = time.Second

	start := time.Now()
	q.Publish(1)
	q.Publish(2) // buffer full: handed off, returns immediately
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Publish blocked for %s", elapsed)
	}

	var (
		mu  sync.Mutex
		got []int
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, 1, func(_ context.Context, n int) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected both tasks delivered, got %v", got)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestQueue_DropsAfterWait(t *testing.T) {
	q := New[int](1, testLogger())
	q.wait = 20 * time.Millisecond

	q.Publish(1)
	q.Publish(2)
	time.Sleep(100 * time.Millisecond)

	if q.Len() != 1 {
		t.Fatalf("expected only the first task buffered, got %d", q.Len())
	}
	q.Close()
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := New[int](1, testLogger())
	q.Close()
	q.Close() // idempotent

	q.Publish(1) // must not panic
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_HandlerPanicKeepsWorker(t *testing.T) {
	q := New[int](10, testLogger())

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), 1, func(_ context.Context, n int) {
			if n == 1 {
				panic("boom")
			}
			handled.Add(1)
		})
		close(done)
	}()

	q.Publish(1)
	q.Publish(2)
	q.Close()
	<-done

	if handled.Load() != 1 {
		t.Fatalf("expected the task after the panic to run, got %d", handled.Load())
	}
}

func TestQueue_RunStopsOnCancel(t *testing.T) {
	q := New[int](10, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		q.Run(ctx, 2, func(context.Context, int) {})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
