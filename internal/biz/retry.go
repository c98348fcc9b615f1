package biz

import (
	"math/rand"
	"time"

	"CostGuard/internal/conf"
)

// RetryPolicy computes exponential backoff schedules for alert delivery.
// It is deliberately decoupled from the alert transport so any component
// needing bounded retries can reuse it.
type RetryPolicy struct {
	// MaxAttempts is the total delivery attempt budget. Once reached, the
	// outbox row is marked failed permanently.
	MaxAttempts int
	// BaseDelay is the first retry delay; attempt n waits BaseDelay * 2^n.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Jitter is the fraction of the delay randomized to spread retries
	// across dispatcher instances (0 disables jitter).
	Jitter float64
}

// NewRetryPolicy builds a RetryPolicy from alert configuration.
func NewRetryPolicy(c *conf.Alert) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		Jitter:      0.1,
	}
	if c != nil {
		if c.RetryAttempts > 0 {
			p.MaxAttempts = c.RetryAttempts
		}
		if c.RetryBaseDelay > 0 {
			p.BaseDelay = c.RetryBaseDelay
		}
		if c.RetryMaxDelay > 0 {
			p.MaxDelay = c.RetryMaxDelay
		}
	}
	return p
}

// Exhausted reports whether attemptCount has consumed the retry budget.
func (p RetryPolicy) Exhausted(attemptCount int) bool {
	return attemptCount >= p.MaxAttempts
}

// Delay returns the backoff delay to wait before the next attempt, given the
// number of attempts already made.
func (p RetryPolicy) Delay(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}

	delay := p.BaseDelay
	for i := 0; i < attemptCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// Spread within ±jitter to avoid synchronized retries
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
