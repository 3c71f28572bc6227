package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffWithJitter_Budget(t *testing.T) {
	s := NewExponentialBackoffWithJitter(0, 0, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Wait(ctx); err != nil {
			t.Fatalf("wait %d: unexpected error %v", i, err)
		}
	}
	if err := s.Wait(ctx); !errors.Is(err, ErrMaxRetries) {
		t.Errorf("expected ErrMaxRetries, got %v", err)
	}
}

func TestExponentialBackoffWithJitter_Bounds(t *testing.T) {
	base := 10 * time.Millisecond
	maxDelay := 25 * time.Millisecond
	s := NewExponentialBackoffWithJitter(base, maxDelay, 5).(*exponential)
	for i := 0; i < 5; i++ {
		d, err := s.next()
		if err != nil {
			t.Fatal(err)
		}
		if d > maxDelay {
			t.Errorf("attempt %d: delay %v exceeds max %v", i, d, maxDelay)
		}
		if d < base/2 {
			t.Errorf("attempt %d: delay %v below half the base delay", i, d)
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s := NewExponentialBackoffWithJitter(time.Hour, time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestWaitAtLeast(t *testing.T) {
	s := NewExponentialBackoffWithJitter(0, 50*time.Millisecond, 1)
	start := time.Now()
	if err := s.WaitAtLeast(context.Background(), time.Hour); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("expected the minimum delay to be capped at 50ms, waited %v", elapsed)
	}
}
