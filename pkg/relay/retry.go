package relay

import (
	"math"
	"math/rand"
	"time"
)

// Retryer paces the delays between reconnection attempts.
type Retryer interface {
	// NextDelay returns the wait before attempt (0-based) and whether
	// another attempt should be made at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful reconnect.
	Reset()
}

// Backoff is the default Retryer: delays grow geometrically from Initial
// up to Max, with an optional random overshoot so clients cut off
// together do not redial in lockstep.
type Backoff struct {
	// Initial is the delay before the first attempt.
	Initial time.Duration

	// Max caps the grown delay.
	Max time.Duration

	// Factor is the per-attempt growth multiplier.
	Factor float64

	// MaxAttempts bounds the attempts; 0 keeps trying forever.
	MaxAttempts int

	// Jitter is the largest random fraction of the delay added on top.
	// Zero disables jitter.
	Jitter float64
}

// DefaultBackoff returns the pacing used when ClientOptions leaves
// Retryer nil: 1s growing to 30s, unbounded attempts, up to 30% jitter.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.3,
	}
}

func (b *Backoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	delay := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay += delay * b.Jitter * rand.Float64()
	}
	return time.Duration(delay), true
}

func (b *Backoff) Reset() {}
