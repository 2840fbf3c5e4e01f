// Package workerpool runs independent offline jobs, such as vault
// verification, on a bounded set of goroutines. The capture path never
// uses it: chunks are recorded and sealed strictly one after another.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/terminus/agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	queue chan Task
	wg    sync.WaitGroup

	// mu serializes Submit against Shutdown closing the queue.
	mu        sync.RWMutex
	accepting bool
}

// New creates a pool with workers goroutines and a task queue of queueSize.
func New(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{
		queue:     make(chan Task, queueSize),
		accepting: true,
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking. Returns false if the pool is
// shut down or the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.accepting {
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued and in-flight tasks
// to finish or for ctx to expire, whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.accepting {
		p.accepting = false
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
