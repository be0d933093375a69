// Package circuit implements a per-provider circuit breaker. A provider that
// fails repeatedly is suppressed for a cooldown period so the router stops
// hammering an endpoint that is clearly down.
package circuit

import (
	"sync"
	"time"
)

// State of one provider's circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Defaults match the router's tolerance for flaky providers.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks circuit state per provider name. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
}

// New creates a breaker with the given threshold and cooldown.
// Non-positive values fall back to the defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (b *Breaker) get(provider string) *entry {
	e, ok := b.entries[provider]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[provider] = e
	}
	return e
}

// IsAvailable reports whether the provider may be called. An OPEN circuit
// whose cooldown has elapsed transitions to HALF_OPEN here, allowing a
// single probe; the transition is lazy rather than timer-driven.
func (b *Breaker) IsAvailable(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(provider)
	switch e.state {
	case StateOpen:
		if time.Since(e.lastFailure) >= b.cooldown {
			e.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(provider)
	e.state = StateClosed
	e.failures = 0
}

// RecordFailure counts a failure. At the threshold, or on any failure while
// HALF_OPEN, the circuit opens and the cooldown restarts from now.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(provider)
	e.failures++
	e.lastFailure = time.Now()
	if e.state == StateHalfOpen || e.failures >= b.threshold {
		e.state = StateOpen
	}
}

// StateOf returns the current state for a provider.
func (b *Breaker) StateOf(provider string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(provider).state
}

// Failures returns the consecutive failure count for a provider.
func (b *Breaker) Failures(provider string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(provider).failures
}

// OpenCircuits lists providers currently OPEN with an unexpired cooldown.
func (b *Breaker) OpenCircuits() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []string
	for name, e := range b.entries {
		if e.state == StateOpen && time.Since(e.lastFailure) < b.cooldown {
			open = append(open, name)
		}
	}
	return open
}

// Reset clears all circuit state. Intended for tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*entry)
}
