package resilience

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("p1", 3, time.Minute, nil)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.Allow() {
			t.Fatalf("circuit open after %d failures, threshold is 3", i+1)
		}
	}
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}
	if cb.Allow() {
		t.Error("open circuit allowed a call")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("p1", 3, time.Minute, nil)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Error("non-consecutive failures tripped the circuit")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("p1", 1, 10*time.Millisecond, nil)
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open circuit allowed a call before cooldown")
	}

	time.Sleep(20 * time.Millisecond)

	// One trial call allowed; a second concurrent probe is not.
	if !cb.Allow() {
		t.Fatal("half-open trial not allowed after cooldown")
	}
	if cb.Allow() {
		t.Error("second probe allowed during half-open trial")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Errorf("state after successful trial = %v, want closed", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("closed circuit rejected a call")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("p1", 1, 10*time.Millisecond, nil)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("half-open trial not allowed")
	}
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("state after failed trial = %v, want open", cb.GetState())
	}
}

func TestBreakerRateLimitCooldown(t *testing.T) {
	cb := NewCircuitBreaker("p1", 3, time.Minute, nil)
	cb.RecordRateLimited(30 * time.Millisecond)

	if cb.Allow() {
		t.Error("call allowed during rate-limit cooldown")
	}
	if cb.GetState() != StateClosed {
		t.Error("rate limiting changed the circuit state")
	}
	if !cb.IsRateLimited() {
		t.Error("IsRateLimited = false during cooldown")
	}

	time.Sleep(40 * time.Millisecond)
	if !cb.Allow() {
		t.Error("call rejected after cooldown expired")
	}
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("p1", 1, time.Hour, nil)
	cb.RecordFailure()
	cb.RecordRateLimited(time.Hour)
	cb.Reset()

	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Error("reset did not restore closed state")
	}
}
