package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes full-jitter exponential delays:
// uniform(0, min(Max, Base * 2^attempt)).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rnd returns a value in [0, 1). Nil uses math/rand/v2.
	rnd func() float64
}

// Ceiling returns the upper bound of the delay for attempt (0-based).
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	ceil := b.Base
	for i := 0; i < attempt && ceil < b.Max; i++ {
		ceil *= 2
	}
	if ceil > b.Max {
		ceil = b.Max
	}
	return ceil
}

// Delay returns a jittered delay for attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	r := b.rnd
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(b.Ceiling(attempt)))
}
