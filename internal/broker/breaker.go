package broker

import (
	"sync"
	"time"
)

// BreakerState mirrors domain.BrokerHealthResult.CircuitState's three
// string values (spec §4.7).
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreaker opens after N consecutive failures within a window, and
// probes with a single half-open request after a cooldown (spec §4.7).
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	window           time.Duration
	halfOpenAfter    time.Duration

	state            BreakerState
	consecutiveFails int
	firstFailureAt   time.Time
	openedAt         time.Time
	halfOpenInFlight bool
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(failureThreshold int, window, halfOpenAfter time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		window:           window,
		halfOpenAfter:    halfOpenAfter,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed, and if so transitions the
// breaker to half-open for a single probe when its cooldown has elapsed.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(c.openedAt) >= c.halfOpenAfter && !c.halfOpenInFlight {
			c.state = StateHalfOpen
			c.halfOpenInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		return false // only the probe that flipped us here may proceed
	default:
		return true
	}
}

// RecordSuccess resets the breaker to closed.
func (c *CircuitBreaker) RecordSuccess(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.consecutiveFails = 0
	c.halfOpenInFlight = false
}

// RecordFailure counts a failure within the window and opens the breaker
// once the threshold is reached; a failed half-open probe reopens
// immediately.
func (c *CircuitBreaker) RecordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateHalfOpen {
		c.state = StateOpen
		c.openedAt = now
		c.halfOpenInFlight = false
		return
	}

	if c.consecutiveFails == 0 || now.Sub(c.firstFailureAt) > c.window {
		c.firstFailureAt = now
		c.consecutiveFails = 0
	}
	c.consecutiveFails++

	if c.consecutiveFails >= c.failureThreshold {
		c.state = StateOpen
		c.openedAt = now
	}
}

// State returns the current breaker state and consecutive failure count.
func (c *CircuitBreaker) State() (BreakerState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.consecutiveFails
}
