// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against a single destination and
// temporarily blocks attempts once the destination looks down, so a dead
// webhook endpoint does not eat a retry cycle per event.
//
// States:
//   - Closed: normal operation, attempts allowed
//   - Open: too many failures, attempts blocked until the cooldown passes
//   - HalfOpen: cooldown elapsed, one probe attempt allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, attempts allowed
	Open                  // Failing, attempts blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for a single destination.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int           // consecutive failures
	threshold   int           // failures before opening
	lastFailure time.Time     // when the last failure occurred
	cooldown    time.Duration // how long to wait before half-open
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Allow returns true if an attempt should be made.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = HalfOpen
			return true
		}
		return false

	case HalfOpen:
		// Only allow one probe through to test
		return true

	default:
		return true
	}
}

// RecordSuccess records a successful attempt and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = Closed
}

// RecordFailure records a failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == HalfOpen {
		// Failed during half-open probe, go back to open
		b.state = Open
		return
	}

	if b.failures >= b.threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
