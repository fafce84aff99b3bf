package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Policy is an exponential backoff schedule with full jitter. Delay is pure
// given the jitter fraction, which keeps retry timing testable.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64 // fraction of the delay randomized, 0..1
}

// DefaultPolicy spaces five attempts across roughly a minute.
var DefaultPolicy = Policy{
	Base:       500 * time.Millisecond,
	Multiplier: 2.0,
	Cap:        30 * time.Second,
	Jitter:     0.2,
}

// Delay returns the wait before the given attempt number (1-based: attempt 1
// already failed once).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + 2*spread*jitterFraction()
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// NextRetryAt schedules the next attempt relative to now.
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

// jitterFraction returns a uniform value in [0,1) from crypto/rand so retry
// storms from concurrent workers decorrelate even without per-worker seeding.
func jitterFraction() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}
