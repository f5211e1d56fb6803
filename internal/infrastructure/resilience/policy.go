package resilience

import "time"

// Config bounds retries and circuit breaking for outbound calls.
// RetryMaxAttempts counts the first call, so 2 means one retry. Zero values
// fall back to DefaultConfig, except AttemptTimeout where zero means the
// caller's deadline applies alone.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	AttemptTimeout      time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// DefaultConfig retries a failed backend call once and opens the breaker
// when half of at least ten calls fail.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:        2,
		RetryInitialBackoff:     200 * time.Millisecond,
		RetryMaxBackoff:         time.Second,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()

	orInt(&c.RetryMaxAttempts, def.RetryMaxAttempts)
	orDuration(&c.RetryInitialBackoff, def.RetryInitialBackoff)
	orDuration(&c.RetryMaxBackoff, def.RetryMaxBackoff)
	orDuration(&c.BreakerOpenTimeout, def.BreakerOpenTimeout)
	c.RetryMaxBackoff = max(c.RetryMaxBackoff, c.RetryInitialBackoff)
	c.AttemptTimeout = max(c.AttemptTimeout, 0)

	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = def.RetryMultiplier
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = def.BreakerMinRequests
	}
	if c.BreakerHalfOpenMaxCalls == 0 {
		c.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	return c
}

func orInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func orDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
