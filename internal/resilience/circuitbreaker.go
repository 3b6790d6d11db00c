// Package resilience provides a circuit breaker and transport failover.
//
// [Breaker] is a three-state breaker (closed → open → half-open) that stops
// dialling an endpoint after repeated connection failures. [Failover]
// composes several transports, each behind its own breaker, so that a failing
// primary is bypassed in favour of the next healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open, or
// half-open with its single probe already in flight.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets one probe call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before it lets a probe
	// through. Default: 30s.
	ResetTimeout time.Duration

	// IsFailure decides which errors count against the breaker. Errors it
	// rejects are returned unchanged and leave the counters alone. Default:
	// every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a [Breaker]. Zero-value config fields are replaced with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	probe, from, err := b.admit()
	if err != nil {
		return err
	}
	if probe {
		b.notify(from, StateHalfOpen)
	}

	err = fn()

	from, to := b.record(probe, err)
	b.notify(from, to)
	return err
}

// admit reserves a call slot. It reports whether the call is the half-open
// probe and the state before admission.
func (b *Breaker) admit() (probe bool, from State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from = b.state
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, from, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, from, nil
	case StateHalfOpen:
		if b.probing {
			return false, from, ErrCircuitOpen
		}
		b.probing = true
		return true, from, nil
	}
	return false, from, nil
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(probe bool, err error) (from, to State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from = b.state
	if probe {
		b.probing = false
	}

	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case !b.cfg.IsFailure(err):
		// Inconclusive. A half-open breaker stays half-open and probes again.
	case probe:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	}
	return from, b.state
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "from", from.String())
	case StateHalfOpen:
		slog.Info("circuit breaker probing", "name", b.cfg.Name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
