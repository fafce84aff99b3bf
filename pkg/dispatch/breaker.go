package dispatch

import (
	"sync"
	"time"
)

type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// Breaker is a per-target circuit breaker. After threshold consecutive
// failures it opens and rejects deliveries until the reset timeout passes,
// then lets one probe through half-open.
type Breaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	clock        func() time.Time
}

func NewBreaker(name string, threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a delivery may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if b.clock().Sub(b.lastFailure) > b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful delivery and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failureCount = 0
}

// Failure records a failed delivery, opening the breaker at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = b.clock()
	if b.failureCount >= b.threshold {
		b.state = breakerOpen
	}
}
