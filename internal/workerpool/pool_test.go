package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSubmitAndShutdown(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		if !p.Submit(func() { count.Add(1) }) {
			t.Fatalf("Submit %d failed", i)
		}
	}
	shutdown(t, p)

	if got := count.Load(); got != 5 {
		t.Fatalf("count = %d, want 5", got)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New(1, 1)
	shutdown(t, p)

	if p.Submit(func() {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
	// A second Shutdown must not panic on the closed queue.
	shutdown(t, p)
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-blocker
	})
	<-started

	p.Submit(func() {}) // fills the queue (size 1)
	if p.Submit(func() {}) {
		t.Fatal("Submit should return false when queue is full")
	}

	close(blocker)
	shutdown(t, p)
}

func TestShutdownRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit(func() { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Shutdown(ctx)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Shutdown should have timed out in ~100ms, took %v", elapsed)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	p.Submit(func() { panic("test panic") })
	p.Submit(func() { count.Add(1) })
	shutdown(t, p)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}
