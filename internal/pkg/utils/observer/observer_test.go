package observer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// Test that a stopped observer without flushing never calls f.
func TestObserveStopsImmediately(t *testing.T) {
	calls := 0
	o := &IntervalObserver[int]{
		Interval: time.Hour,
		F: func(i int) error {
			calls++
			return nil
		},
		Observable: 42,
	}

	stop := make(chan any)
	close(stop)

	if err := o.Observe(stop); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no call to f, got %d", calls)
	}
}

// Test that FlushOnStop reports the final value exactly once.
func TestObserveFlushOnStop(t *testing.T) {
	var seen int
	o := &IntervalObserver[int]{
		Interval:    time.Hour,
		FlushOnStop: true,
		F: func(i int) error {
			seen = i
			return nil
		},
		Observable: 7,
	}
	stop := make(chan any)
	close(stop)
	if err := o.Observe(stop); err != nil {
		t.Fatal(err)
	}
	if seen != 7 {
		t.Errorf("expected the final value to be flushed, got %d", seen)
	}
}

// Test that if f returns an error on the 2nd invocation, Observe returns it immediately
func TestObserveStopsOnError(t *testing.T) {
	calls := 0
	testErr := errors.New("boom")
	o := &IntervalObserver[int]{
		Interval: 5 * time.Millisecond,
		F: func(i int) error {
			calls++
			if calls == 2 {
				return testErr
			}
			return nil
		},
		Observable: 7,
	}

	stop := make(chan any)
	err := o.Observe(stop)
	if !errors.Is(err, testErr) {
		t.Fatalf("expected error %v, got %v", testErr, err)
	}
	if calls != 2 {
		t.Errorf("expected f to be called twice, got %d", calls)
	}
}

// Test that the number of calls is bounded by the interval and not by how often the value changes.
func TestObserveIsRateLimited(t *testing.T) {
	var counter atomic.Int64
	var calls atomic.Int64
	o := &IntervalObserver[*atomic.Int64]{
		Interval: 20 * time.Millisecond,
		F: func(*atomic.Int64) error {
			calls.Add(1)
			return nil
		},
		Observable: &counter,
	}
	stop := make(chan any)
	done := make(chan error)
	go func() { done <- o.Observe(stop) }()
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		counter.Add(1)
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if c := calls.Load(); c > 10 {
		t.Errorf("expected at most 10 notifications in 100ms, got %d", c)
	}
}
