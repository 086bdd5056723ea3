package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks branch pool operational counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("branch pool is shut down")

// BranchPool bounds how many parallel-branch sub-walks run at once
// across all executions in the process.
type BranchPool struct {
	sem     chan struct{}
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewBranchPool creates a pool with the given max concurrency.
func NewBranchPool(size int) *BranchPool {
	if size <= 0 {
		size = 1
	}
	return &BranchPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Do runs fn inline once a slot is free, blocking for backpressure. The
// wait respects context cancellation and pool shutdown; a panic in fn
// is converted to an error so one branch cannot take down the process.
func (p *BranchPool) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
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

	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			err = newPanicError(r)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
	}()

	err = fn(ctx)
	if err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
	} else {
		atomic.AddInt64(&p.metrics.Completed, 1)
	}
	return err
}

// Shutdown prevents new work from starting. In-flight work finishes on
// its own; Do calls already past the gate are unaffected.
func (p *BranchPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Metrics returns a snapshot of the current pool counters.
func (p *BranchPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
