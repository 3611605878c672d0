package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{
		Name:              "test",
		FailureThreshold:  5,
		RecoveryTimeout:   time.Second,
		HalfOpenSuccesses: 1,
	})

	calls := 0
	out, err := Retry(context.Background(), breaker, RetryPolicy{
		Attempts:     3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Jitter:       true,
	}, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" {
		t.Errorf("out = %q, want ok", out)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestRetryTotalSleepFormula checks the spec's boundary property: with
// attempts=3, initial=1s, max_delay large, jitter disabled, total sleep
// across the two retry gaps is exactly 1+2=3s.
func TestRetryTotalSleepFormula(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{
		Name:              "test",
		FailureThreshold:  100,
		RecoveryTimeout:   time.Second,
		HalfOpenSuccesses: 1,
	})

	var timestamps []time.Time
	_, err := Retry(context.Background(), breaker, RetryPolicy{
		Attempts:     3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Hour,
		Jitter:       false,
	}, func(_ context.Context) (int, error) {
		timestamps = append(timestamps, time.Now())
		return 0, errTransient
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if len(timestamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(timestamps))
	}

	gap1 := timestamps[1].Sub(timestamps[0])
	gap2 := timestamps[2].Sub(timestamps[1])

	if gap1 < 18*time.Millisecond || gap1 > 60*time.Millisecond {
		t.Errorf("gap1 = %v, want ~20ms", gap1)
	}
	if gap2 < 38*time.Millisecond || gap2 > 100*time.Millisecond {
		t.Errorf("gap2 = %v, want ~40ms", gap2)
	}
}

// TestRetryExhaustionWrapsLastCause verifies spec §4.1/§7: once the
// attempt budget is spent on a retriable error, Retry returns a
// dedicated retries-exhausted error wrapping the last cause, distinct
// from a non-retriable short-circuit or a circuit-open rejection.
func TestRetryExhaustionWrapsLastCause(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{
		Name:              "test",
		FailureThreshold:  100,
		RecoveryTimeout:   time.Second,
		HalfOpenSuccesses: 1,
	})

	calls := 0
	_, err := Retry(context.Background(), breaker, RetryPolicy{
		Attempts:     3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Jitter:       true,
	}, func(_ context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want wrapping ErrRetriesExhausted", err)
	}
	if !errors.Is(err, errTransient) {
		t.Errorf("err = %v, want it to also wrap the last cause (errTransient)", err)
	}
	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *RetriesExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{
		Name:              "test",
		FailureThreshold:  5,
		RecoveryTimeout:   time.Second,
		HalfOpenSuccesses: 1,
	})

	errFatal := errors.New("fatal")
	calls := 0
	_, err := Retry(context.Background(), breaker, RetryPolicy{
		Attempts:     5,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		NonRetriable: func(e error) bool { return errors.Is(e, errFatal) },
	}, func(_ context.Context) (int, error) {
		calls++
		return 0, errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Errorf("err = %v, want errFatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-retriable error)", calls)
	}
}

// TestCircuitBreakerTripsOnConsecutiveFailures verifies the spec's
// boundary property: exactly failure_threshold consecutive failures
// trip the breaker to OPEN, after which calls fail fast with
// ErrCircuitOpen instead of invoking fn.
func TestCircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{
		Name:              "test",
		FailureThreshold:  2,
		RecoveryTimeout:   time.Hour,
		HalfOpenSuccesses: 1,
	})

	calls := 0
	failing := func() (any, error) {
		calls++
		return nil, errTransient
	}

	if _, err := breaker.Call(failing); err == nil {
		t.Fatal("expected first call to fail")
	}
	if _, err := breaker.Call(failing); err == nil {
		t.Fatal("expected second call to fail")
	}
	if breaker.State() != "open" {
		t.Fatalf("state = %s, want open after %d consecutive failures", breaker.State(), 2)
	}

	callsBefore := calls
	if _, err := breaker.Call(failing); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != callsBefore {
		t.Error("fn should not be invoked while circuit is open")
	}
}

// TestCircuitBreakerFailureCountNeverIncreasesOnSuccess verifies the
// spec's universal invariant: a success resets the consecutive-failure
// counter rather than merely decaying it, so the breaker never trips
// off an interleaved success.
func TestCircuitBreakerFailureCountNeverIncreasesOnSuccess(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{
		Name:              "test",
		FailureThreshold:  3,
		RecoveryTimeout:   time.Hour,
		HalfOpenSuccesses: 1,
	})

	fail := func() (any, error) { return nil, errTransient }
	succeed := func() (any, error) { return "ok", nil }

	_, _ = breaker.Call(fail)
	_, _ = breaker.Call(fail)
	if breaker.State() != "closed" {
		t.Fatalf("state = %s, want closed before reaching threshold", breaker.State())
	}

	if _, err := breaker.Call(succeed); err != nil {
		t.Fatalf("unexpected error on success: %v", err)
	}

	_, _ = breaker.Call(fail)
	_, _ = breaker.Call(fail)
	if breaker.State() != "closed" {
		t.Fatalf("state = %s, want closed: success should have reset the consecutive count", breaker.State())
	}
}
