package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInternal, "internal"},
		{KindNotFound, "not_found"},
		{KindInvalidArgument, "invalid_argument"},
		{KindInvalidTransition, "invalid_transition"},
		{KindNotReady, "not_ready"},
		{KindQueueFull, "queue_full"},
		{KindConflict, "conflict"},
		{KindUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestEAndKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := E("task.Get", KindNotFound, "task t1 not found", cause)

	if !Is(err, KindNotFound) {
		t.Fatalf("Is(err, KindNotFound) = false")
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %v, want KindNotFound", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}

	// wrapping preserves the kind
	wrapped := fmt.Errorf("outer: %w", err)
	if !Is(wrapped, KindNotFound) {
		t.Fatal("kind lost through wrapping")
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("plain errors must default to KindInternal")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", E("kv.Get", KindUnavailable, "connection reset"), true},
		{"queue full", E("service.SubmitScan", KindQueueFull, "high water"), true},
		{"not found", E("task.Get", KindNotFound, "nope"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return E("op", KindUnavailable, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := E("op", KindInvalidArgument, "bad input")
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("Retry = %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return E("op", KindUnavailable, "still down")
	})
	if err == nil {
		t.Fatal("Retry = nil, want error")
	}
	if calls != 4 { // initial attempt plus MaxAttempts retries
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetry(), func(context.Context) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("Retry = nil, want context error")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 30 * time.Millisecond}
	if d := backoffDelay(0, cfg); d != 10*time.Millisecond {
		t.Fatalf("attempt 0 delay = %v", d)
	}
	if d := backoffDelay(1, cfg); d != 20*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v", d)
	}
	if d := backoffDelay(5, cfg); d != 30*time.Millisecond {
		t.Fatalf("attempt 5 delay = %v, want the cap", d)
	}
}
