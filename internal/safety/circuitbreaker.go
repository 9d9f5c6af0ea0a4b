package safety

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

type breakerEntry struct {
	state           BreakerState
	consecutiveFail int
	halfOpenSuccess int
	openedAt        time.Time
}

// CircuitBreaker trips per remediation path (keyed by runbook/action ID) on
// repeated failures, rejecting further attempts until a cooldown elapses,
// then allows a trial run in half-open state before closing again.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	paths map[string]*breakerEntry
}

// NewCircuitBreaker builds a CircuitBreaker that opens after
// failureThreshold consecutive failures, stays open for openTimeout, then
// requires successThreshold consecutive successes in half-open before
// closing. Any half-open failure reopens it immediately.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		paths:            make(map[string]*breakerEntry),
	}
}

func (c *CircuitBreaker) entry(path string) *breakerEntry {
	e, ok := c.paths[path]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		c.paths[path] = e
	}
	return e
}

// Allow reports whether path may be attempted, transitioning open -> half
// open once openTimeout has elapsed.
func (c *CircuitBreaker) Allow(path string) (bool, BreakerState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(path)
	switch e.state {
	case StateOpen:
		if time.Since(e.openedAt) >= c.openTimeout {
			e.state = StateHalfOpen
			e.halfOpenSuccess = 0
			return true, e.state
		}
		return false, e.state
	default:
		return true, e.state
	}
}

// RecordResult feeds an execution outcome into the breaker for path.
func (c *CircuitBreaker) RecordResult(path string, success bool) BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(path)
	switch e.state {
	case StateHalfOpen:
		if success {
			e.halfOpenSuccess++
			if e.halfOpenSuccess >= c.successThreshold {
				e.state = StateClosed
				e.consecutiveFail = 0
			}
		} else {
			e.state = StateOpen
			e.openedAt = time.Now()
			e.halfOpenSuccess = 0
		}
	default: // closed or (defensively) open
		if success {
			e.consecutiveFail = 0
		} else {
			e.consecutiveFail++
			if e.consecutiveFail >= c.failureThreshold {
				e.state = StateOpen
				e.openedAt = time.Now()
			}
		}
	}
	return e.state
}

// State returns the current state of path without mutating it.
func (c *CircuitBreaker) State(path string) BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(path).state
}

var ErrCircuitOpen = fmt.Errorf("circuit breaker open")
