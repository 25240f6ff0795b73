package scheduler

import (
	"math"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// defaultRetryDelay applies to transient outcomes a channel's table does not
// list explicitly.
const defaultRetryDelay = 60 * time.Minute

// RetryPolicy resolves retry delays from the per-channel backoff tables.
type RetryPolicy struct {
	cfg config.RetryConfig
}

// NewRetryPolicy wraps the configured retry tables.
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	return &RetryPolicy{cfg: cfg}
}

// MaxAttempts returns the channel's attempt budget. Channels without a table
// get a single attempt.
func (p *RetryPolicy) MaxAttempts(ch domain.Channel) int {
	t, ok := p.cfg[ch]
	if !ok || t.MaxAttempts <= 0 {
		return 1
	}
	return t.MaxAttempts
}

// Delay returns how long to wait before retrying an attempt whose last try
// ended with the given transient outcome. attemptCount is the number of
// tries already made; the backoff multiplier compounds per extra try.
func (p *RetryPolicy) Delay(ch domain.Channel, outcome domain.Outcome, attemptCount int) time.Duration {
	t := p.cfg[ch]

	base := defaultRetryDelay
	for _, r := range t.Rules {
		if r.Outcome == outcome {
			base = time.Duration(r.DelayMinutes) * time.Minute
			break
		}
	}

	mult := t.BackoffMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	if attemptCount > 1 {
		base = time.Duration(float64(base) * math.Pow(mult, float64(attemptCount-1)))
	}
	return base
}

// Exhausted reports whether the attempt has used up its channel's budget.
func (p *RetryPolicy) Exhausted(a domain.DispatchAttempt) bool {
	return a.AttemptCount >= p.MaxAttempts(a.Channel)
}
