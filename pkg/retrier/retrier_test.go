package retrier

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	restore := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	defer func() { sleep = restore }()

	calls := 0
	var observed []int
	err := Execute(context.Background(), Policy{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
	}, func(context.Context) error {
		calls++
		return errors.New("boom")
	}, func(attempt int, err error) {
		observed = append(observed, attempt)
		if err == nil {
			t.Fatalf("attempt %d reported nil error", attempt)
		}
	})

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", calls)
	}
	if len(observed) != 4 || observed[3] != 4 {
		t.Fatalf("unexpected attempt observations: %v", observed)
	}
	if len(delays) != 3 {
		t.Fatalf("expected 3 delays between 4 attempts, got %d", len(delays))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
}

func TestExecuteSucceedsAfterFailures(t *testing.T) {
	restore := sleep
	sleep = func(context.Context, time.Duration) error { return nil }
	defer func() { sleep = restore }()

	calls := 0
	var attemptErrs []error
	err := Execute(context.Background(), Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(_ int, err error) {
		attemptErrs = append(attemptErrs, err)
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(attemptErrs) != 3 || attemptErrs[2] != nil {
		t.Fatalf("final attempt should be observed with nil error: %v", attemptErrs)
	}
}

func TestPermanentShortCircuits(t *testing.T) {
	rejection := errors.New("invalid payment fields")
	calls := 0
	err := Execute(context.Background(), Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2}, func(context.Context) error {
		calls++
		return Permanent(rejection)
	}, nil)

	if !errors.Is(err, rejection) {
		t.Fatalf("expected the wrapped rejection, got %v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("permanent failure must not report exhaustion")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestContextCancellationStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Execute(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Minute, Multiplier: 2}, func(context.Context) error {
		calls++
		return errors.New("boom")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls)
	}
}
