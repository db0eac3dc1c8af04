package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var errModelDown = errors.New("model unavailable")

func TestRetryWithBackoff_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(),
		resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond},
		func() error { calls++; return nil })

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithBackoff_RecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(),
		resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond},
		func() error {
			calls++
			if calls < 3 {
				return errModelDown
			}
			return nil
		})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		func() error { calls++; return errModelDown })

	if !errors.Is(err, errModelDown) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_TinyOrZeroBackoff(t *testing.T) {
	for _, initial := range []time.Duration{0, time.Nanosecond, -time.Second} {
		t.Run(initial.String(), func(t *testing.T) {
			calls := 0
			err := resilience.RetryWithBackoff(context.Background(),
				resilience.Config{MaxRetries: 3, InitialBackoff: initial},
				func() error { calls++; return errModelDown })

			if !errors.Is(err, errModelDown) {
				t.Fatalf("expected last error, got %v", err)
			}
			if calls != 4 {
				t.Errorf("expected 4 calls, got %d", calls)
			}
		})
	}
}

func TestRetryWithBackoff_PermanentStopsImmediately(t *testing.T) {
	errBadKey := errors.New("status 401")
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(),
		resilience.Config{MaxRetries: 5, InitialBackoff: time.Millisecond},
		func() error { calls++; return resilience.Permanent(errBadKey) })

	if err != errBadKey {
		t.Fatalf("expected the unwrapped error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if resilience.Permanent(nil) != nil {
		t.Error("expected Permanent(nil) to be nil")
	}
}

func TestRetryWithBackoff_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := resilience.RetryWithBackoff(ctx,
		resilience.Config{MaxRetries: 5, InitialBackoff: time.Second},
		func() error { calls++; return errModelDown })

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no calls on a cancelled context, got %d", calls)
	}
}

func TestCircuitBreaker_TripsOnConfiguredRatio(t *testing.T) {
	cb := resilience.NewCircuitBreaker("llm", resilience.BreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Hour,
	}, zap.NewNop())

	fail := func() (any, error) { return nil, errModelDown }

	cb.Execute(fail)
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed below min requests, got %s", cb.State())
	}
	cb.Execute(fail)
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected open after 2 failures, got %s", cb.State())
	}

	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err != gobreaker.ErrOpenState {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
}

func TestCircuitBreaker_ZeroConfigUsesDefaults(t *testing.T) {
	cb := resilience.NewCircuitBreaker("supabase", resilience.BreakerConfig{}, nil)
	fail := func() (any, error) { return nil, errModelDown }

	minRequests := resilience.DefaultBreakerConfig().MinRequests
	for i := uint32(1); i < minRequests; i++ {
		cb.Execute(fail)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("expected closed before %d requests, got %s", minRequests, cb.State())
	}
	cb.Execute(fail)
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("expected open at %d failed requests, got %s", minRequests, cb.State())
	}
}

func TestBulkhead_AcquireRelease(t *testing.T) {
	bh := resilience.NewBulkhead(2)

	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire, got %v", err)
	}

	// Full: the third acquire waits until the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := bh.Acquire(ctx); err == nil {
		t.Fatal("expected timeout on third acquire")
	}

	bh.Release()
	if err := bh.Acquire(context.Background()); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestBulkhead_NonPositiveCapacityBecomesOne(t *testing.T) {
	for _, n := range []int{0, -3} {
		bh := resilience.NewBulkhead(n)
		if bh.Capacity() != 1 {
			t.Errorf("NewBulkhead(%d): expected capacity 1, got %d", n, bh.Capacity())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := bh.Acquire(ctx); err != nil {
			t.Errorf("NewBulkhead(%d): expected one slot, got %v", n, err)
		}
		cancel()
	}
}
