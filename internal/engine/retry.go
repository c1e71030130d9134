package engine

import (
	"math"
	"time"
)

// RetryPolicy decides how long a failed record waits before its next
// attempt and when automatic retries stop.
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries"`   // Attempts before a record waits for an operator
	InitialDelay time.Duration `json:"initial_delay"` // Delay after the first failure
	MaxDelay     time.Duration `json:"max_delay"`     // Upper bound on any delay
	Multiplier   float64       `json:"multiplier"`    // Growth factor per further failure
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns the wait after the attempt-th consecutive failure
// (attempt starts at 1). It depends only on its inputs, so a persisted retry
// count always maps to the same schedule.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether retryCount failures use up the budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
