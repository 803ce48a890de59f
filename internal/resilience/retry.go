// Package resilience holds the outbound-connect hardening primitives
// shared across protocol handlers: retry/backoff, a per-tag circuit
// breaker, a LIFO connection pool, and the ticked-background-task helper
// every sweep/health-check loop in this module is built on.
package resilience

import (
	"math/rand"
	"time"
)

// RetryPolicy configures exponential backoff with optional jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// DefaultRetryPolicy matches the module's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     true,
	}
}

// Delay returns the backoff delay before the given attempt (0-indexed:
// attempt 0 is the delay before the first retry). Saturating left-shift:
// delay = min(max-delay, base-delay * 2^attempt), plus uniform jitter in
// [0, delay/4] when enabled.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// Do runs fn up to MaxRetries+1 times, sleeping between attempts per Delay,
// and returns the last error if every attempt failed. fn should return nil
// on success. Do does not itself consult a circuit breaker; callers that
// want breaker gating wrap fn accordingly before passing it in.
func (p RetryPolicy) Do(fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.Delay(attempt - 1))
		}
		if err = fn(attempt); err == nil {
			return nil
		}
	}
	return err
}
