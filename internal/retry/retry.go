// Package retry provides bounded retries with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DelayError carries the upstream's requested wait (e.g. Retry-After).
type DelayError struct {
	Err   error
	Delay time.Duration
}

func (e *DelayError) Error() string { return e.Err.Error() }
func (e *DelayError) Unwrap() error { return e.Err }

// After wraps err so the next wait is at least d.
func After(err error, d time.Duration) error {
	return &DelayError{Err: err, Delay: d}
}

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped; also caps upstream hints

	// OnRetry is called before each backoff sleep with the 1-based attempt
	// that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Backoff returns the un-jittered delay after the given 1-based failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
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

// wait returns the jittered (+-25%) backoff, raised to any hint carried by err.
func (p Policy) wait(attempt int, err error) time.Duration {
	delay := p.Backoff(attempt)
	jitter := delay / 4
	w := delay - jitter + time.Duration(randInt63n(int64(2*jitter+1)))

	var de *DelayError
	if errors.As(err, &de) && de.Delay > w {
		w = de.Delay
		if p.MaxDelay > 0 && w > p.MaxDelay {
			w = p.MaxDelay
		}
	}
	return w
}

// Do calls fn until it succeeds, returns a permanent error, the attempt cap
// is reached, or ctx is cancelled. The returned error is the last error from
// fn (unwrapped if permanent) or the context error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		w := p.wait(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, w)
		}
		timer := time.NewTimer(w)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:])>>1) % n
}
