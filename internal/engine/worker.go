package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of a pool's lifetime counters. The run-finished
// log line carries them so a report's step count can be cross-checked
// against what was actually dispatched.
type PoolMetrics struct {
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many steps execute at once. Submit blocks while the
// pool is full, which is what turns the concurrency option into scheduler
// backpressure.
type WorkerPool struct {
	sem       chan struct{}
	wg        sync.WaitGroup
	completed atomic.Int64
	panics    atomic.Int64
	mu        sync.Mutex
	done      chan struct{}
	closed    bool
}

// NewWorkerPool creates a pool executing at most size tasks concurrently.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit runs fn on a pool goroutine, blocking until a slot frees up. It
// returns the context's error if cancellation arrives first, or
// ErrPoolShutdown once Shutdown has begun. A panicking task is recovered and
// counted; it must not take the run down with it.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have raced the slot acquisition; wg.Add must happen
	// under the lock so Shutdown's Wait cannot miss this task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
			}
			<-p.sem
			p.wg.Done()
		}()

		fn(ctx)
		p.completed.Add(1)
	}()

	return nil
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses further submissions and waits for in-flight tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns the pool's counters. Stable once Wait has returned.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
