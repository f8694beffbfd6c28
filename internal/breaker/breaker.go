// Package breaker implements a failure-threshold/recovery-timeout circuit
// breaker for calls to flaky collaborators.
//
// The recovery transition is a single-shot probe: once the timeout has
// elapsed since the last failure, Allow closes the circuit outright.
// A failure right after the probe re-opens it on the next RecordFailure
// streak — there is no separate half-open state.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker gates calls to one collaborator.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	logger           *slog.Logger
	now              func() time.Time

	mu          sync.Mutex
	failures    int
	open        bool
	probing     bool
	lastFailure time.Time
}

// Option customizes a new breaker.
type Option func(*Breaker)

// WithClock overrides the breaker's time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a closed breaker.
func New(name string, failureThreshold int, recoveryTimeout time.Duration, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.probing = false
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failure while the recovery probe is outstanding re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if (b.failures >= b.failureThreshold || b.probing) && !b.open {
		b.open = true
		b.probing = false
		b.logger.Warn("breaker: circuit opened", "name", b.name, "failures", b.failures)
	}
}

// Allow reports whether a call may proceed. While open, it returns false
// until the recovery timeout has elapsed since the last failure; at that
// point it closes the circuit, resets the count, and permits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.recoveryTimeout {
		b.logger.Info("breaker: attempting recovery", "name", b.name)
		b.open = false
		b.failures = 0
		b.probing = true
		return true
	}
	return false
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
