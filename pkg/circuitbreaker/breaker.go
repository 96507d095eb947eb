// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against one dependency and
// temporarily blocks calls once a threshold is crossed, so a dead dependency
// fails fast instead of tying up every caller until its timeout.
//
// States: Closed (calls allowed), Open (calls blocked until the cooldown
// elapses), HalfOpen (one probe call allowed).
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
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

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before the circuit opens (default: 5)
	Cooldown  time.Duration // wait before allowing a probe call (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker guards a single dependency.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	cfg         Config
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{state: Closed, cfg: cfg}
}

// Allow reports whether a call should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) > b.cfg.Cooldown {
			b.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		// The probe is in flight; hold other calls until it reports back.
		return false
	}
	return true
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
}

// RecordFailure counts a failed call, opening the circuit at the threshold
// or immediately when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
