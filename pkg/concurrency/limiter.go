package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter activity
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalAbandoned  int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds the number of goroutines running handed-off work.
// It is the runner's worker pool for blocking transform calls.
type Limiter struct {
	sem     chan struct{}
	active  atomic.Int64
	metrics struct {
		acquired  atomic.Int64
		released  atomic.Int64
		abandoned atomic.Int64
		peak      atomic.Int64
		waitNs    atomic.Int64
	}
}

// NewLimiter creates a limiter allowing maxConcurrent workers
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire waits for a free slot or for ctx to be done
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		l.metrics.waitNs.Add(time.Since(start).Nanoseconds())
		l.metrics.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.metrics.released.Add(1)
	default:
	}
}

// Do runs fn on a worker goroutine and waits for its result. If ctx is done
// first, Do returns ctx.Err() without waiting; the worker keeps its slot
// until fn returns. A panic in fn is converted into an error.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer l.Release()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		l.metrics.abandoned.Add(1)
		return ctx.Err()
	}
}

// CurrentActive returns the number of occupied slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a snapshot of the limiter metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.metrics.acquired.Load(),
		TotalReleased:   l.metrics.released.Load(),
		TotalAbandoned:  l.metrics.abandoned.Load(),
		PeakConcurrent:  l.metrics.peak.Load(),
		TotalWaitTimeNs: l.metrics.waitNs.Load(),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.metrics.peak.Load()
		if current <= peak || l.metrics.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
