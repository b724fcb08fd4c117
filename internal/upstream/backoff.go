package upstream

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential delays between retry attempts.
type Backoff struct {
	initial time.Duration
	max     time.Duration
}

// NewBackoff builds a backoff policy, falling back to sane defaults for
// non-positive bounds.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return &Backoff{initial: initial, max: max}
}

// Delay returns the wait duration before retry number attempt (0-based).
// Half the exponential delay is fixed, the other half jittered, so
// concurrent pollers do not stampede the platform in lockstep.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.initial) * math.Pow(2, float64(attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
