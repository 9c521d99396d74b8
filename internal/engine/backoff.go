package engine

import (
	"math"
	"time"
)

// Backoff is the retry policy for transient remote errors.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter is the relative spread around each delay, 0.2 meaning ±20%.
	Jitter float64
	// MaxRetries is the number of consecutive transient failures tolerated.
	// One more moves the process to EXCEPTED.
	MaxRetries int
}

// Delay returns the wait before retry number streak (1-based), given a
// uniform random r in [0, 1).
func (b Backoff) Delay(streak int, r float64) time.Duration {
	if streak < 1 {
		streak = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(streak-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	d *= 1 + b.Jitter*(2*r-1)
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether streak consecutive failures is too many.
func (b Backoff) Exhausted(streak int) bool {
	return streak > b.MaxRetries
}
