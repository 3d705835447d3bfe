package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vipul43/kiwis-ledger/internal/errs"
)

// RetryPolicy retries retryable failures with Base*2^n delays capped at Max, without jitter.
// MaxAttempts counts the first attempt.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Retries is the number of attempts after the first one
func (p RetryPolicy) Retries() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// Delay returns the wait before retry number n (0 for the first retry)
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Retries())), ctx)
}

// Run calls op until it succeeds, returns a non-retryable error, or the attempts run out.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Run(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
	return attempts, err
}
