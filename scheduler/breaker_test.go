package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/caixadigital/banksync/core"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)
	breaker := NewBreaker(5, 30*time.Minute, WithBreakerClock(func() time.Time { return now }))

	for i := 0; i < 4; i++ {
		breaker.RecordFailure("conn_1")
		if err := breaker.Allow("conn_1"); err != nil {
			t.Fatalf("breaker should stay closed below the threshold, got %v", err)
		}
	}

	breaker.RecordFailure("conn_1")
	err := breaker.Allow("conn_1")
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("expected open circuit after 5 failures, got %v", err)
	}
	if breaker.Failures("conn_1") != 5 {
		t.Fatalf("expected 5 recorded failures, got %d", breaker.Failures("conn_1"))
	}

	// Other connections are unaffected.
	if err := breaker.Allow("conn_2"); err != nil {
		t.Fatalf("unrelated connection should be allowed, got %v", err)
	}
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	now := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)
	breaker := NewBreaker(2, 30*time.Minute, WithBreakerClock(func() time.Time { return now }))

	breaker.RecordFailure("conn_1")
	breaker.RecordFailure("conn_1")
	if err := breaker.Allow("conn_1"); !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	now = now.Add(31 * time.Minute)
	if err := breaker.Allow("conn_1"); err != nil {
		t.Fatalf("expected half-open attempt after cooldown, got %v", err)
	}

	// A failure while half-open re-opens for another full cooldown.
	breaker.RecordFailure("conn_1")
	if err := breaker.Allow("conn_1"); !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("expected circuit to re-open after half-open failure, got %v", err)
	}

	// A success closes it for good.
	breaker.RecordSuccess("conn_1")
	if err := breaker.Allow("conn_1"); err != nil {
		t.Fatalf("expected closed circuit after success, got %v", err)
	}
	if breaker.Failures("conn_1") != 0 {
		t.Fatalf("expected failure streak cleared, got %d", breaker.Failures("conn_1"))
	}
}
