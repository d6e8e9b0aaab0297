// Package resilience implements the circuit breaker protecting each
// provider: closed under normal operation, open after consecutive failures,
// half-open after a cooldown with a single trial call.
package resilience

import (
	"sync"
	"time"

	"github.com/jbelanger/exitbook/logging"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 5 * time.Minute
)

// CircuitBreaker is the per-provider breaker. Request errors and 5xx
// responses count as failures; 4xx responses other than 429 do not. A 429
// trips a separate rate-limit cooldown that honors Retry-After without
// counting toward the failure threshold.
type CircuitBreaker struct {
	name             string
	logger           *logging.ComponentLogger
	failureThreshold int
	resetTimeout     time.Duration

	mu                 sync.Mutex
	state              CircuitState
	failures           int
	lastFailureTime    time.Time
	rateLimitedUntil   time.Time
	halfOpenProbing    bool
}

// NewCircuitBreaker creates a breaker for one provider. Zero values select
// the defaults.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, logger *logging.ComponentLogger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CircuitBreaker{
		name:             name,
		logger:           logger,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// Allow checks whether a call may proceed. In the open state, Allow starts a
// single half-open trial once the cooldown has elapsed; concurrent callers
// during the trial are rejected until the trial resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if now.Before(cb.rateLimitedUntil) {
		return false
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenProbing = true
			cb.logger.Info().
				Str("circuit", cb.name).
				Msg("Circuit breaker transitioning to half-open")
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenProbing {
			return false
		}
		cb.halfOpenProbing = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call, closing the circuit if half-open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.halfOpenProbing = false
		cb.logger.Info().
			Str("circuit", cb.name).
			Msg("Circuit breaker closed after successful recovery")
	}
}

// RecordFailure records a counted failure: a request error or a 5xx.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.halfOpenProbing = false
		cb.logger.Warn().
			Str("circuit", cb.name).
			Msg("Circuit breaker reopened after failed trial")
		return
	}
	if cb.failures >= cb.failureThreshold && cb.state == StateClosed {
		cb.state = StateOpen
		cb.logger.Error().
			Str("circuit", cb.name).
			Int("failures", cb.failures).
			Msg("Circuit breaker opened")
	}
}

// RecordRateLimited starts the rate-limit cooldown. retryAfter comes from
// the Retry-After header when present; zero selects a one-minute default.
// Rate limiting does not count toward the failure threshold.
func (cb *CircuitBreaker) RecordRateLimited(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	until := time.Now().Add(retryAfter)
	if until.After(cb.rateLimitedUntil) {
		cb.rateLimitedUntil = until
	}
	cb.logger.Warn().
		Str("circuit", cb.name).
		Dur("retry_after", retryAfter).
		Msg("Provider rate limited, cooling down")
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsRateLimited reports whether the rate-limit cooldown is active.
func (cb *CircuitBreaker) IsRateLimited() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return time.Now().Before(cb.rateLimitedUntil)
}

// Reset closes the circuit and clears all counts. Used by tests and the
// registry reset hook.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenProbing = false
	cb.rateLimitedUntil = time.Time{}
}
