package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_Bounds(t *testing.T) {
	b := Backoff{Initial: 5 * time.Second, Max: 30 * time.Minute}

	d0 := b.Delay(-1)
	require.GreaterOrEqual(t, d0, 4*time.Second)
	require.LessOrEqual(t, d0, 6*time.Second)

	d3 := b.Delay(3)
	require.GreaterOrEqual(t, d3, 36*time.Second)
	require.LessOrEqual(t, d3, 44*time.Second)

	// deep attempts saturate at Max (+/- jitter)
	d20 := b.Delay(20)
	require.GreaterOrEqual(t, d20, 27*time.Minute)
	require.LessOrEqual(t, d20, 33*time.Minute)
}

func TestBackoffDelay_MonotonicBase(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Hour}
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		// strip jitter by sampling many times and taking the floor
		min := time.Duration(1<<62 - 1)
		for i := 0; i < 50; i++ {
			if d := b.Delay(attempt); d < min {
				min = d
			}
		}
		require.Greater(t, min, prev, "attempt %d", attempt)
		prev = min
	}
}

func TestBackoffDelay_ZeroConfigDefaults(t *testing.T) {
	var b Backoff
	d := b.Delay(0)
	require.Greater(t, d, time.Duration(0))
}
