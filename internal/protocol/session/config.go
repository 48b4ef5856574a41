package session

import (
	"time"

	"github.com/danmuck/radioctl/internal/protocol/frame"
)

const (
	DefaultCommandTimeout = 500 * time.Millisecond
	DefaultMaxRetry       = 2
)

// Config defines command transport defaults.
type Config struct {
	CommandTimeout time.Duration
	MaxRetry       int
	Limits         frame.Limits
	Backoff        BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout: DefaultCommandTimeout,
		MaxRetry:       DefaultMaxRetry,
		Limits:         frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = d.MaxRetry
	}
	// The retry counter has RetryBits of room on the wire.
	if c.MaxRetry > int(frame.RetryMask)+1 {
		c.MaxRetry = int(frame.RetryMask) + 1
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits = d.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
