// Package backoff maps a job's attempt count to the wait before its next run.
//
// The first few delays come from a fixed seed sequence; after that the last
// seed is multiplied by Multiplier once per extra attempt and capped at
// MaxBackoff. Attempts are never retried forever: once a job has been tried
// MaxAttempts times it is dropped by the caller.
package backoff

import (
	"errors"
	"time"
)

// Config is the retry policy for download jobs.
type Config struct {
	// MaxAttempts is the number of runs after which a job is abandoned.
	MaxAttempts int

	// Multiplier grows the delay once FirstBackoffs is used up.
	Multiplier float64

	// FirstBackoffs[i] is the delay after attempt i+1.
	FirstBackoffs []time.Duration

	// MaxBackoff caps every delay. Zero means uncapped.
	MaxBackoff time.Duration
}

// Default returns the policy used when nothing is configured.
func Default() Config {
	return Config{
		MaxAttempts:   5,
		Multiplier:    2,
		FirstBackoffs: []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute},
		MaxBackoff:    6 * time.Hour,
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("backoff: max attempts must be at least 1")
	}
	if len(c.FirstBackoffs) == 0 {
		return errors.New("backoff: at least one first backoff is required")
	}
	for _, d := range c.FirstBackoffs {
		if d < 0 {
			return errors.New("backoff: first backoffs must not be negative")
		}
	}
	if c.Multiplier < 1 {
		return errors.New("backoff: multiplier must be >= 1")
	}
	if c.MaxBackoff < 0 {
		return errors.New("backoff: max backoff must not be negative")
	}
	return nil
}

// Exhausted reports whether a job that has run attempts times must be dropped.
func (c Config) Exhausted(attempts int) bool {
	return attempts >= c.MaxAttempts
}

// NextRetryDelay returns the wait after the attempts-th failed run.
// attempts is 1-based; values below 1 are treated as 1.
func NextRetryDelay(attempts int, c Config) time.Duration {
	if len(c.FirstBackoffs) == 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	n := len(c.FirstBackoffs)
	if attempts <= n {
		return capped(c.FirstBackoffs[attempts-1], c.MaxBackoff)
	}

	d := float64(c.FirstBackoffs[n-1])
	for i := n; i < attempts; i++ {
		d *= c.Multiplier
		// Stop early once past the cap; also keeps d from overflowing.
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if d > float64(maxDuration) {
		return maxDuration
	}
	return capped(time.Duration(d), c.MaxBackoff)
}

const maxDuration = time.Duration(1<<63 - 1)

func capped(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
