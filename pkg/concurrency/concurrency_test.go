package concurrency

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterAcquireReleaseTracksMetrics(t *testing.T) {
	limiter := NewLimiter(2)
	ctx := context.Background()

	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if limiter.CurrentActive() != 1 {
		t.Fatalf("expected 1 active worker, got %d", limiter.CurrentActive())
	}
	limiter.Release()

	metrics := limiter.GetMetrics()
	if metrics.TotalAcquired != 1 {
		t.Fatalf("expected TotalAcquired 1, got %d", metrics.TotalAcquired)
	}
	if metrics.TotalReleased != 1 {
		t.Fatalf("expected TotalReleased 1, got %d", metrics.TotalReleased)
	}
}

func TestLimiterAcquireHonorsContextCancellation(t *testing.T) {
	limiter := NewLimiter(1)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer limiter.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimiterDoReturnsWorkerResult(t *testing.T) {
	limiter := NewLimiter(1)
	want := errors.New("boom")

	if err := limiter.Do(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected worker error, got %v", err)
	}
	if err := limiter.Do(context.Background(), func(context.Context) error { panic("bad transform") }); err == nil {
		t.Fatal("expected panic to be converted into an error")
	}
	if limiter.CurrentActive() != 0 {
		t.Fatalf("expected all slots released, got %d", limiter.CurrentActive())
	}
}

func TestLimiterDoAbandonsOnCancel(t *testing.T) {
	limiter := NewLimiter(1)
	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Do(ctx, func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if limiter.GetMetrics().TotalAbandoned != 1 {
		t.Fatal("expected abandoned call to be counted")
	}
	close(release)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	current := time.Unix(0, 0)
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("breaker should stay closed below threshold")
	}
	cb.RecordFailure()
	if cb.GetState() != StateOpen || cb.Allow() {
		t.Fatalf("expected open breaker to reject, state=%s", cb.GetState())
	}

	current = current.Add(time.Minute)
	if !cb.Allow() || cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open trial, state=%s", cb.GetState())
	}
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after trial success, got %s", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)
	current := time.Unix(0, 0)
	cb.now = func() time.Time { return current }

	cb.RecordFailure()
	current = current.Add(2 * time.Second)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopen, got %s", cb.GetState())
	}
}
