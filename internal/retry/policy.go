// Package retry provides the retry policy injected into the fetcher and the
// uploader. Callers describe what to retry; the policy decides how often and
// how long to wait.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sheetsync/internal/syncerr"
)

// Policy is a bounded exponential backoff. The zero value is usable: four
// attempts with no wait in between.
type Policy struct {
	// MaxAttempts counts the first call; 1 disables retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// Retryable classifies errors. Nil means syncerr.IsTransient.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

// Default returns the policy used when nothing is configured: 4 attempts,
// 500ms initial wait, capped at 10s.
func Default() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

// Constant returns a policy with a fixed wait between attempts. Tests use it
// with a zero interval.
func Constant(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: interval, MaxInterval: interval, Multiplier: 1}
}

func (p Policy) withDefaults() Policy {
	d := Default()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval < 0 {
		p.InitialInterval = 0
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Retryable == nil {
		p.Retryable = syncerr.IsTransient
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier == 1 {
		b = backoff.NewConstantBackOff(p.InitialInterval)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialInterval
		eb.MaxInterval = p.MaxInterval
		eb.Multiplier = p.Multiplier
		eb.MaxElapsedTime = 0
		b = eb
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fn(ctx)
		if err != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}
