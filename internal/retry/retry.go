// Package retry runs an operation under a capped exponential backoff policy.
// Ledger reads and webhook deliveries use it.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Policy.Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Policy describes how often and how patiently to retry.
type Policy struct {
	// Attempts is the total number of calls; values below 1 mean one call.
	Attempts int
	// Base is the wait after the first failure; it doubles per retry.
	Base time.Duration
	// Max caps a single wait. Zero means no cap.
	Max time.Duration
	// OnRetry, if set, is called before each wait with the 1-based number
	// of the attempt that failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Delay returns the jittered wait after failed attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.Base
	for i := 1; i < n && (p.Max <= 0 || d < p.Max); i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return Jitter(d)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx ends. A Permanent error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for n := 1; ; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if n >= attempts {
			return err
		}

		wait := p.Delay(n)
		if p.OnRetry != nil {
			p.OnRetry(n, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Jitter spreads d uniformly over [0.75d, 1.25d].
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d / 4)
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
