package backend

import (
	"sync"
	"time"
)

// BreakerState is the lifecycle state of the upstream circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // backend healthy, calls flow
	BreakerOpen                         // backend failing, calls rejected
	BreakerHalfOpen                     // probing recovery
)

// String returns a human-readable label for the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips when the backend fails consecutively beyond a threshold, so
// a dead backend answers with upstream_error immediately instead of making
// every request wait out a connect timeout. After the recovery timeout one
// probe request is let through; its outcome closes or re-opens the circuit.
type Breaker struct {
	mu               sync.RWMutex
	state            BreakerState
	failureCount     int
	failureThreshold int
	recoveryTimeout  time.Duration
	lastFailure      time.Time
}

// NewBreaker creates a breaker. Zero arguments pick the defaults of 5
// consecutive failures and a 30s recovery window.
func NewBreaker(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether a backend call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.recoveryTimeout {
			b.state = BreakerHalfOpen
			return true // one probe
		}
		return false
	case BreakerHalfOpen:
		return true
	}
	return false
}

// RecordSuccess resets the failure streak and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
}

// RecordFailure counts a transport failure. Backend 4xx/5xx responses are
// not failures here; only calls that never produced a response trip the
// circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		return
	}
	if b.failureCount >= b.failureThreshold {
		b.state = BreakerOpen
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
}
