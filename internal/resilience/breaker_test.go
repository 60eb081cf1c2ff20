package resilience

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests drive the lazy OPEN→HALF_OPEN transition.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time               { return c.t }
func (c *fakeClock) advance(d time.Duration)      { c.t = c.t.Add(d) }
func newTestBreaker(opts BreakerOptions) (*CircuitBreaker, *fakeClock) {
	cb := NewCircuitBreaker(opts)
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cb.now = clk.now
	return cb, clk
}

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerOptions{FailureThreshold: 3, ResetTimeout: time.Minute, SuccessThreshold: 2})

	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("after F-1 failures: state = %s, want CLOSED", got)
	}
	cb.RecordFailure()
	if got := cb.State(); got != StateOpen {
		t.Fatalf("after F failures: state = %s, want OPEN", got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(BreakerOptions{FailureThreshold: 3, ResetTimeout: time.Minute, SuccessThreshold: 2})
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED (success should reset the count)", got)
	}
}

func TestBreaker_LazyHalfOpenAndRecovery(t *testing.T) {
	cb, clk := newTestBreaker(BreakerOptions{FailureThreshold: 1, ResetTimeout: 50 * time.Millisecond, SuccessThreshold: 2})

	cb.RecordFailure()
	if ok, wait := cb.Allow(); ok || wait <= 0 {
		t.Fatalf("Allow while OPEN = (%v, %v), want rejection with wait", ok, wait)
	}

	clk.advance(50 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after cooldown = %s, want HALF_OPEN", got)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("after S-1 successes: state = %s, want HALF_OPEN", got)
	}
	cb.RecordSuccess()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("after S successes: state = %s, want CLOSED", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(BreakerOptions{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 2})
	cb.RecordFailure()
	clk.advance(time.Second)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}
	cb.RecordFailure()
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN after half-open failure", got)
	}
	if ok, _ := cb.Allow(); ok {
		t.Fatal("Allow admitted immediately after reopening")
	}
}

func TestBreaker_ExecuteRejectsWithCircuitOpen(t *testing.T) {
	cb, _ := newTestBreaker(BreakerOptions{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 1})
	cb.RecordFailure()

	err := cb.Execute(func() error { return nil })
	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("err = %v, want *CircuitOpenError", err)
	}
	if coe.RetryAfter <= 0 || coe.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want within (0, 1m]", coe.RetryAfter)
	}
}

func TestBreaker_ResetReturnsToFresh(t *testing.T) {
	cb, _ := newTestBreaker(BreakerOptions{FailureThreshold: 1, ResetTimeout: time.Minute, SuccessThreshold: 1})
	cb.RecordFailure()
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after Reset = %s, want CLOSED", got)
	}
	if ok, _ := cb.Allow(); !ok {
		t.Fatal("Allow rejected after Reset")
	}
	_, failures, successes, _ := cb.Snapshot()
	if failures != 0 || successes != 0 {
		t.Fatalf("counts after Reset = %d/%d, want 0/0", failures, successes)
	}
}

func TestBreaker_TransitionCallback(t *testing.T) {
	var transitions []string
	opts := BreakerOptions{
		FailureThreshold: 1,
		ResetTimeout:     time.Millisecond,
		SuccessThreshold: 1,
		OnTransition:     func(from, to State) { transitions = append(transitions, string(from)+">"+string(to)) },
	}
	cb, clk := newTestBreaker(opts)

	cb.RecordFailure()
	clk.advance(time.Millisecond)
	cb.RecordSuccess()

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}
