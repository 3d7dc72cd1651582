package queue

import "time"

// RetryPolicy computes backoff schedules for failed post attempts.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultRetryPolicy returns the default retry policy: up to 3 attempts
// with backoff doubling from 10 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 10 * time.Minute,
		MaxBackoff:     6 * time.Hour,
		MaxAttempts:    3,
	}
}

// NextDelay returns the wait before the next attempt, given the number
// of failed attempts so far (the first failure passes 1). Backoff is
// InitialBackoff * 2^(attempts-1), capped at MaxBackoff.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}

	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// IsTerminal reports whether an item with the given attempt count has
// exhausted its retry budget.
func (p RetryPolicy) IsTerminal(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	return attempts >= maxAttempts
}
