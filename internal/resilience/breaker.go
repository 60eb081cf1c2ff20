package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitOpenError is returned when a call is rejected because the breaker
// is open. It is a decision, not an accident: callers surface it unchanged.
type CircuitOpenError struct {
	// RetryAfter is how long until the breaker will probe again.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open, retry after %s", e.RetryAfter)
}

// Kind returns the stable machine-readable tag for this error.
func (e *CircuitOpenError) Kind() string { return "CIRCUIT_OPEN" }

// BreakerOptions parameterizes a CircuitBreaker.
type BreakerOptions struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trips the breaker OPEN.
	FailureThreshold int
	// ResetTimeout is the cooldown after which OPEN admits a probe.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN needed to close the breaker.
	SuccessThreshold int
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to State)
}

// DefaultBreakerOptions matches the guard defaults (§ configuration).
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker is a three-state breaker. The OPEN→HALF_OPEN transition
// happens lazily on any state query once ResetTimeout has elapsed; no
// background timer is involved. Safe for concurrent use.
type CircuitBreaker struct {
	opts BreakerOptions

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time

	now func() time.Time // test seam
}

// NewCircuitBreaker returns a closed breaker. Non-positive thresholds and
// timeouts fall back to defaults.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	def := DefaultBreakerOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{opts: opts, state: StateClosed, now: time.Now}
}

// State reports the current state, applying the time-based OPEN→HALF_OPEN
// transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// Allow reports whether a call may proceed right now. In OPEN before the
// cooldown it returns false together with the remaining wait.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	if cb.state == StateOpen {
		wait := cb.opts.ResetTimeout - cb.now().Sub(cb.lastFailureAt)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	return true, 0
}

// Execute runs fn under the breaker: rejected with *CircuitOpenError when
// OPEN, otherwise the outcome is recorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	ok, wait := cb.Allow()
	if !ok {
		return &CircuitOpenError{RetryAfter: wait}
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess feeds a success into the state machine.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.opts.SuccessThreshold {
			cb.transitionLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure feeds a failure into the state machine.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.lastFailureAt = cb.now()
		if cb.failureCount >= cb.opts.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.successCount = 0
		cb.lastFailureAt = cb.now()
		cb.transitionLocked(StateOpen)
	case StateOpen:
		cb.lastFailureAt = cb.now()
	}
}

// Reset returns the breaker to CLOSED and clears all counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureAt = time.Time{}
}

// Snapshot returns the counters for observability.
func (cb *CircuitBreaker) Snapshot() (state State, failures, successes int, lastFailureAt time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state, cb.failureCount, cb.successCount, cb.lastFailureAt
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureAt) >= cb.opts.ResetTimeout {
		cb.transitionLocked(StateHalfOpen)
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.opts.OnTransition != nil {
		cb.opts.OnTransition(from, to)
	}
}
