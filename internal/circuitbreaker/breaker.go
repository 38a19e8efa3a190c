// Package circuitbreaker stops calling a dependency that keeps failing.
// Circuits are tracked per key; the oracle client keys them by endpoint.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected until the cooldown ends
	StateHalfOpen              // one trial call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "riskwatch",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type circuit struct {
	state    State
	failures int // consecutive
	openedAt time.Time
}

// Breaker holds one circuit per key. A circuit opens after threshold
// consecutive failures; once cooldown has passed a single trial is let
// through and its outcome closes or reopens the circuit.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and a 30s cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the circuit for key is open. Errors for which
// neutral returns true (a caller's cancellation, a bad payload) are
// returned without counting as success or failure.
func (b *Breaker) Execute(key string, fn func() error, neutral func(error) bool) error {
	if !b.admit(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.settle(key, true)
	case neutral != nil && neutral(err):
		b.abandon(key)
	default:
		b.settle(key, false)
	}
	return err
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Failures returns the consecutive failure count for key.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.failures
	}
	return 0
}

func (b *Breaker) admit(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(c, key, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

func (b *Breaker) settle(key string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if ok {
		if c != nil {
			c.failures = 0
			b.move(c, key, StateClosed)
		}
		return
	}

	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(c, key, StateOpen)
	}
}

// abandon ends a trial that proved nothing. The circuit goes back to open
// with its cooldown already spent, so the next call is tried again.
func (b *Breaker) abandon(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil && c.state == StateHalfOpen {
		c.openedAt = b.now().Add(-b.cooldown)
		b.move(c, key, StateOpen)
	}
}

// move must be called with b.mu held.
func (b *Breaker) move(c *circuit, key string, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
