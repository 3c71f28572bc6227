package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrMaxRetries is returned by Wait once the attempt budget is used up.
var ErrMaxRetries = errors.New("maximum retries exceeded")

// Strategy paces retries so a failing release host is not flooded with requests.
type Strategy interface {
	Wait(ctx context.Context) error
	// WaitAtLeast never sleeps less than minDelay, used to honour Retry-After hints.
	WaitAtLeast(ctx context.Context, minDelay time.Duration) error
}

type exponential struct {
	base, max   time.Duration
	attempt     uint
	maxAttempts uint
}

// NewExponentialBackoffWithJitter doubles the delay on every attempt, starting at base.
// Each delay is jittered to between half and one and a half times its value and capped at maxDelay,
// a zero maxDelay disables the cap. After maxAttempts waits Wait returns ErrMaxRetries.
func NewExponentialBackoffWithJitter(base, maxDelay time.Duration, maxAttempts uint) Strategy {
	return &exponential{base: base, max: maxDelay, maxAttempts: maxAttempts}
}

// DefaultBackoff starts at 50ms and caps at one minute, for ten attempts.
func DefaultBackoff() Strategy {
	return NewExponentialBackoffWithJitter(50*time.Millisecond, time.Minute, 10)
}

func (e *exponential) capped(d time.Duration) time.Duration {
	if e.max > 0 && d > e.max {
		return e.max
	}
	return d
}

func (e *exponential) next() (time.Duration, error) {
	if e.attempt >= e.maxAttempts {
		return 0, ErrMaxRetries
	}
	d := e.base << e.attempt
	if d > 0 {
		d = d/2 + rand.N(d)
	}
	e.attempt++
	return e.capped(d), nil
}

func (e *exponential) Wait(ctx context.Context) error {
	return e.WaitAtLeast(ctx, 0)
}

func (e *exponential) WaitAtLeast(ctx context.Context, minDelay time.Duration) error {
	d, err := e.next()
	if err != nil {
		return err
	}
	if minDelay > d {
		d = e.capped(minDelay)
	}
	log.Debugf("retrying in %v (attempt %d/%d)", d, e.attempt, e.maxAttempts)
	return Sleep(ctx, d)
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
