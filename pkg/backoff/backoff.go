// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

// Config bounds the backoff curve. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 500ms
	Max     time.Duration // default: 30s
}

func (c Config) withDefaults() Config {
	if c.Initial <= 0 {
		c.Initial = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	return c
}

// Duration returns the wait before the given retry attempt. Attempt 1
// returns Initial, attempt 2 twice that, capped at Max.
func (c Config) Duration(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		return c.Initial
	}
	d := float64(c.Initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(c.Max) {
		return c.Max
	}
	return time.Duration(d)
}

// Exponential calculates exponential backoff for a given attempt using the
// default curve, or cfg when non-nil.
func Exponential(attempt int, cfg *Config) time.Duration {
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg.Duration(attempt)
}
