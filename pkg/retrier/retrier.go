package retrier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetriesExhausted is returned once every attempt allowed by the policy
// has failed. The last attempt's error is attached as text so callers apply
// uniform terminal handling without inspecting raw transport errors.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy bounds the retry loop around a single external call.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	// Jitter randomizes each delay by the given factor, 0 disables it.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Operation is a single attempt of an external call. The supplied context is
// the caller's, any per-attempt timeout is the operation's own concern.
type Operation func(ctx context.Context) error

// Permanent marks err as non-retryable. Execute short-circuits remaining
// attempts and surfaces the wrapped error immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// sleep is swapped out by tests to observe the delay schedule.
var sleep = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Execute runs op until it succeeds, returns a permanent error, the context
// is cancelled, or the policy's attempts are exhausted. onAttempt, when
// non-nil, observes every completed attempt (err is nil on the successful
// one) before the next delay.
func Execute(ctx context.Context, policy Policy, op Operation, onAttempt func(attempt int, err error)) error {
	policy = policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.Multiplier = policy.Multiplier
	b.RandomizationFactor = policy.Jitter
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0 // attempt count is the only bound
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if onAttempt != nil {
			onAttempt(attempt, unwrapPermanent(err))
		}
		if err == nil {
			return nil
		}

		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, policy.MaxAttempts, lastErr)
}

func unwrapPermanent(err error) error {
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Err
	}
	return err
}
