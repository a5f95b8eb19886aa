// Package concurrency bounds the number of items a transport processes at once.
package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics describes limiter usage.
type Metrics struct {
	Acquired       int64
	Released       int64
	PeakConcurrent int64
	TotalWaitNs    int64
}

// Limiter is a semaphore that runs functions on goroutines, at most size at a
// time, and waits for all of them to finish.
type Limiter struct {
	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup

	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter allowing size concurrent functions.
func NewLimiter(size int) *Limiter {
	if size <= 0 {
		size = 1
	}
	return &Limiter{sem: make(chan struct{}, size)}
}

// Acquire takes a slot, blocking until one is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.waitNs.Add(time.Since(start).Nanoseconds())
	l.acquired.Add(1)
	current := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Go runs fn on a goroutine once a slot is free. It returns ctx.Err() if ctx
// is done first, in which case fn is not run.
func (l *Limiter) Go(ctx context.Context, fn func()) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.Release()
		fn()
	}()
	return nil
}

// Wait blocks until every function started with Go has returned.
func (l *Limiter) Wait() {
	l.wg.Wait()
}

// Active returns the number of slots in use.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Metrics returns a snapshot of the limiter metrics.
func (l *Limiter) Metrics() Metrics {
	return Metrics{
		Acquired:       l.acquired.Load(),
		Released:       l.released.Load(),
		PeakConcurrent: l.peak.Load(),
		TotalWaitNs:    l.waitNs.Load(),
	}
}
