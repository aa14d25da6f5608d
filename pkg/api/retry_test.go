package api

import (
	"testing"
	"time"
)

func TestDefaultRetryPolicyBackoffSchedule(t *testing.T) {
	p := DefaultRetryPolicy()

	want := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s clamped to MaxInterval
		{7, 30 * time.Second},
	}
	for _, w := range want {
		if got := p.Delay(w.attempt); got != w.delay {
			t.Fatalf("Delay(%d) = %s, want %s", w.attempt, got, w.delay)
		}
	}

	if !p.AllowsAnother(1) || !p.AllowsAnother(2) {
		t.Fatalf("expected retries after attempts 1 and 2")
	}
	if p.AllowsAnother(3) {
		t.Fatalf("expected no retry after the final attempt")
	}
}

func TestRetryPolicyEdgeCases(t *testing.T) {
	unlimited := RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2.0, MaxAttempts: 0}
	if !unlimited.AllowsAnother(1000) {
		t.Fatalf("MaxAttempts 0 must allow unlimited retries")
	}

	// Attempt numbers below 1 are treated as the first attempt.
	if got := unlimited.Delay(0); got != time.Second {
		t.Fatalf("Delay(0) = %s, want %s", got, time.Second)
	}

	// Without an initial interval there is no backoff.
	none := RetryPolicy{MaxAttempts: 5}
	if got := none.Delay(3); got != 0 {
		t.Fatalf("Delay without InitialInterval = %s, want 0", got)
	}

	// A zero coefficient falls back to doubling.
	flat := RetryPolicy{InitialInterval: time.Second, MaxAttempts: 5}
	if got := flat.Delay(2); got != 2*time.Second {
		t.Fatalf("Delay(2) with default coefficient = %s, want %s", got, 2*time.Second)
	}

	// Huge attempt counts overflow the multiplication and clamp to the cap.
	capped := RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2.0, MaxInterval: time.Minute}
	if got := capped.Delay(200); got != time.Minute {
		t.Fatalf("Delay(200) = %s, want %s", got, time.Minute)
	}
}
