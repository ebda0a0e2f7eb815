package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sheds requests after consecutive failures. Closed
// passes everything through; open rejects until the cooldown elapses;
// half-open admits a bounded number of trial requests, closing on the
// first success and reopening on any failure.
type CircuitBreaker struct {
	mu sync.Mutex

	state    CircuitState
	failures int
	probes   int
	openedAt time.Time

	threshold int
	cooldown  time.Duration
	probeMax  int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration, probeMax int) *CircuitBreaker {
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		cooldown:  cooldown,
		probeMax:  probeMax,
	}
}

// Allow reports whether a request may proceed, moving open to half-open
// once the cooldown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.probes = 1
		return true

	case CircuitHalfOpen:
		if b.probes >= b.probeMax {
			return false
		}
		b.probes++
		return true

	default:
		return false
	}
}

// Success records a completed request. Any success clears the failure
// streak; a success in half-open closes the circuit.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
	}
}

// Failure records a failed request, opening the circuit when the streak
// reaches the threshold or on any half-open failure.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.threshold {
			b.state = CircuitOpen
			b.openedAt = time.Now()
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = time.Now()
	}
}

// State returns the breaker position.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = CircuitClosed
	b.failures = 0
	b.probes = 0
}
