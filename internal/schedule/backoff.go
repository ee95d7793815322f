package schedule

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential in the attempt number,
// bounded by [Initial, Max], with +/-10% jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	initial := b.Initial
	if initial <= 0 {
		initial = 5 * time.Second
	}
	max := b.Max
	if max < initial {
		max = initial
	}

	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 { // overflow guard for large attempts
		d = max
	}

	// jitter +/-10%
	j := time.Duration(rand.Int63n(int64(d/5)+1)) - d/10
	return d + j
}
