package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls retry spacing. The delay grows as
// InitialDelay * Multiplier^retries, capped at MaxDelay, with a random
// jitter so many targets failing together do not retry together.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	JitterFactor float64       `json:"jitter_factor"` // 0.0 - 1.0
}

// DefaultBackoffConfig returns backoff defaults
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c *BackoffConfig) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// DelayFor computes the delay before the next attempt after the given number
// of completed retries
func (c BackoffConfig) DelayFor(retries int) time.Duration {
	c.validate()
	if retries < 0 {
		retries = 0
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(retries))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
