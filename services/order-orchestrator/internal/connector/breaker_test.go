package connector

import (
	"testing"
	"time"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var states []BreakerState
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute}, func(s BreakerState) {
		states = append(states, s)
	})
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("breaker should stay closed below threshold")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatalf("breaker should be open")
	}

	now = now.Add(time.Minute)
	if !b.Allow() || b.State() != BreakerHalfOpen {
		t.Fatalf("breaker should half-open after timeout")
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("breaker should close after probe success")
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Second}, nil)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected half-open probe")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected reopen, got %s", b.State())
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2}, nil)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Fatalf("non-consecutive failures must not open the breaker")
	}
}
