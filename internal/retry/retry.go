// Package retry re-runs transient provider calls with capped exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure that another attempt cannot fix, such as
// a rejected prompt or a malformed response.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so DoValue returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy controls how many times and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int           // values below 1 mean a single attempt
	BaseDelay   time.Duration // wait before the second attempt
	MaxDelay    time.Duration // 0 = uncapped
}

// DefaultPolicy suits short upstream HTTP calls.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

func (p Policy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay is the nominal wait after the given failed attempt (1-based),
// before jitter: BaseDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// jittered spreads d over [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// DoValue calls fn until it succeeds, returns a PermanentError, the policy
// runs out of attempts, or ctx is done. The last error is returned with any
// Permanent wrapper removed.
func DoValue[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	n := p.attempts()
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return zero, pe.Err
		}
		if attempt >= n {
			return zero, err
		}

		t := time.NewTimer(jittered(p.Delay(attempt)))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}
