package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between retries of deferred host work.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales each delay after the first by a factor in [0.5, 1.5).
	Jitter bool
}

// Delay returns the wait before attempt (1-based). The result never exceeds MaxDelay.
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return c.InitialDelay
	}
	growth := math.Max(c.Multiplier, 1.0)
	d := float64(c.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if c.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	return time.Duration(d)
}
