// Package guard protects downstream agents from cascading failure. It
// combines one circuit breaker per target agent with one sliding-window
// rate-limit bucket per sender agent. Admission is evaluated strictly
// breaker-first, rate-limit-second.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/metrics"
	"github.com/nextlevelbuilder/agentmesh/internal/resilience"
)

// Reason is the machine-readable rejection reason.
type Reason string

const (
	ReasonCircuitOpen Reason = "CIRCUIT_OPEN"
	ReasonRateLimited Reason = "RATE_LIMITED"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// RejectedError surfaces a guard decision as an error.
type RejectedError struct {
	From, To   string
	Reason     Reason
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("message %s -> %s rejected: %s (retry after %s)", e.From, e.To, e.Reason, e.RetryAfter)
}

// Options configures the guard. Zero values fall back to defaults.
type Options struct {
	FailureThreshold   int           // breaker opens after this many consecutive failures (default 5)
	ResetTimeout       time.Duration // OPEN→HALF_OPEN cooldown (default 30s)
	SuccessThreshold   int           // HALF_OPEN successes to close (default 2)
	RateLimitPerWindow int           // per-sender admissions per window (default 10)
	RateLimitWindow    time.Duration // sliding window width (default 60s)
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:   5,
		ResetTimeout:       30 * time.Second,
		SuccessThreshold:   2,
		RateLimitPerWindow: 10,
		RateLimitWindow:    60 * time.Second,
	}
}

// Guard owns the breaker and window maps exclusively. Safe for
// concurrent use; decisions for distinct targets and senders may race,
// decisions for one target/sender observe a serialized view.
type Guard struct {
	opts Options
	met  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	windows  map[string][]time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once

	now func() time.Time // test seam
}

// New creates a guard and starts its window sweep. Close releases the
// sweep goroutine.
func New(opts Options, met *metrics.Metrics) *Guard {
	def := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = def.ResetTimeout
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = def.SuccessThreshold
	}
	if opts.RateLimitPerWindow <= 0 {
		opts.RateLimitPerWindow = def.RateLimitPerWindow
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = def.RateLimitWindow
	}

	g := &Guard{
		opts:      opts,
		met:       met,
		breakers:  make(map[string]*resilience.CircuitBreaker),
		windows:   make(map[string][]time.Time),
		sweepStop: make(chan struct{}),
		now:       time.Now,
	}
	go g.sweepLoop()
	return g
}

// Check runs the admission check for a message from one agent to another.
// Breaker state is consulted first; only an admitted sender consumes a
// slot in its window.
func (g *Guard) Check(from, to string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ok, _ := g.breakerLocked(to).Allow(); !ok {
		g.reject(ReasonCircuitOpen, to)
		// RetryAfter is the full cooldown, not the remaining time.
		return Decision{Reason: ReasonCircuitOpen, RetryAfter: g.opts.ResetTimeout}
	}

	now := g.now()
	cutoff := now.Add(-g.opts.RateLimitWindow)
	win := g.windows[from]
	for len(win) > 0 && !win[0].After(cutoff) {
		win = win[1:]
	}
	if len(win) >= g.opts.RateLimitPerWindow {
		retry := win[0].Add(g.opts.RateLimitWindow).Sub(now)
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		g.windows[from] = win
		g.reject(ReasonRateLimited, from)
		return Decision{Reason: ReasonRateLimited, RetryAfter: retry}
	}

	g.windows[from] = append(win, now)
	return Decision{Allowed: true}
}

// RecordSuccess feeds a delivery success into the target's breaker.
func (g *Guard) RecordSuccess(to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakerLocked(to).RecordSuccess()
}

// RecordFailure feeds a delivery failure into the target's breaker.
func (g *Guard) RecordFailure(to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakerLocked(to).RecordFailure()
}

// CircuitState reports the breaker state for a target, applying the lazy
// OPEN→HALF_OPEN transition.
func (g *Guard) CircuitState(to string) resilience.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakerLocked(to).State()
}

// ResetCircuit returns a target's breaker to CLOSED, identical to a fresh
// target from the caller's point of view.
func (g *Guard) ResetCircuit(to string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakerLocked(to).Reset()
}

// Close stops the sweep goroutine. The guard remains usable; only the
// periodic memory reclamation stops.
func (g *Guard) Close() {
	g.sweepOnce.Do(func() { close(g.sweepStop) })
}

func (g *Guard) breakerLocked(to string) *resilience.CircuitBreaker {
	cb, ok := g.breakers[to]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.BreakerOptions{
			FailureThreshold: g.opts.FailureThreshold,
			ResetTimeout:     g.opts.ResetTimeout,
			SuccessThreshold: g.opts.SuccessThreshold,
			OnTransition: func(from, to2 resilience.State) {
				slog.Info("circuit breaker transition", "agent", to, "from", from, "to", to2)
				if g.met != nil {
					g.met.CircuitTransitions.WithLabelValues(string(from), string(to2), to).Inc()
				}
			},
		})
		g.breakers[to] = cb
	}
	return cb
}

func (g *Guard) reject(reason Reason, subject string) {
	if g.met != nil {
		g.met.RateLimitRejections.WithLabelValues(string(reason), subject).Inc()
	}
}

// sweepLoop drops sender windows whose newest timestamp has aged out of
// the window. Check prunes inline, so the sweep is purely a memory bound
// and never changes observable behavior.
func (g *Guard) sweepLoop() {
	ticker := time.NewTicker(g.opts.RateLimitWindow)
	defer ticker.Stop()
	for {
		select {
		case <-g.sweepStop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.opts.RateLimitWindow)
	for sender, win := range g.windows {
		if len(win) == 0 || !win[len(win)-1].After(cutoff) {
			delete(g.windows, sender)
		}
	}
}
