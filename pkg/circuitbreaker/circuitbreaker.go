package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failing, requests rejected until the recovery window passes
	StateHalfOpen              // A single probe is in flight
)

func (s State) String() string {
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures before opening the circuit
	RecoveryWindow   time.Duration // Time since the last failure before a probe is allowed
	FailureWindow    time.Duration // Failures further apart than this restart the count (0 = never)
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryWindow:   30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive failures of one transport and
// temporarily disables it once the threshold is reached.
type CircuitBreaker struct {
	config Config
	clock  clock.Clock

	mu                  sync.RWMutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	stateChangeTime     time.Time

	onStateChange func(from, to State)
}

// New creates a new circuit breaker. A nil clock uses the wall clock.
func New(config Config, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &CircuitBreaker{
		config:          config,
		clock:           clk,
		state:           StateClosed,
		stateChangeTime: clk.Now(),
	}
}

// OnStateChange sets a callback invoked after every state change.
// The callback runs without the breaker lock held.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// ShouldAllow reports whether a request may use the transport. While open it
// returns true exactly once after the recovery window, moving to half-open.
func (cb *CircuitBreaker) ShouldAllow() bool {
	cb.mu.Lock()
	var allowed bool
	var from State
	changed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.clock.Now().Sub(cb.lastFailureTime) >= cb.config.RecoveryWindow {
			from, changed = cb.transitionTo(StateHalfOpen)
			allowed = true
		}
	case StateHalfOpen:
		// probe outstanding
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

// Ready reports whether ShouldAllow would return true, without consuming
// the half-open probe.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.clock.Now().Sub(cb.lastFailureTime) >= cb.config.RecoveryWindow
	default:
		return false
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed half-open probe reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	now := cb.clock.Now()

	if cb.config.FailureWindow > 0 && cb.consecutiveFailures > 0 &&
		now.Sub(cb.lastFailureTime) > cb.config.FailureWindow {
		cb.consecutiveFailures = 0
	}
	cb.consecutiveFailures++
	cb.lastFailureTime = now

	var from State
	changed := false
	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			from, changed = cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		from, changed = cb.transitionTo(StateOpen)
	}
	to := cb.state
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.consecutiveFailures = 0
	from, changed := cb.transitionTo(StateClosed)
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}

// Release hands back a half-open trial whose outcome will never be recorded.
// The circuit returns to open with its recovery window already elapsed, so
// the next ShouldAllow may claim a new trial at once. It is a no-op in any
// other state.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	if cb.state != StateHalfOpen {
		cb.mu.Unlock()
		return
	}
	from, changed := cb.transitionTo(StateOpen)
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateOpen)
	}
}

// Execute runs fn through the breaker and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.ShouldAllow() {
		return fmt.Errorf("%w: request rejected", ErrOpen)
	}

	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return fmt.Errorf("circuit breaker execution failed: %w", err)
	}

	cb.RecordSuccess()
	return nil
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State) (State, bool) {
	if cb.state == newState {
		return newState, false
	}
	old := cb.state
	cb.state = newState
	cb.stateChangeTime = cb.clock.Now()
	return old, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.mu.RLock()
	fn := cb.onStateChange
	cb.mu.RUnlock()
	if fn != nil {
		fn(from, to)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current circuit breaker statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureTime:     cb.lastFailureTime,
		StateChangeTime:     cb.stateChangeTime,
		IsOpen:              cb.state != StateClosed,
	}
}

// Stats holds circuit breaker statistics
type Stats struct {
	State               State     `json:"-"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	StateChangeTime     time.Time `json:"state_change_time"`
	IsOpen              bool      `json:"is_open"`
}

// Reset clears all counters and closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
	from, changed := cb.transitionTo(StateClosed)
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}
