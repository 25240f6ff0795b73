package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

func TestDelayUsesChannelTable(t *testing.T) {
	p := NewRetryPolicy(config.Default().Retry)

	cases := []struct {
		channel domain.Channel
		outcome domain.Outcome
		tries   int
		want    time.Duration
	}{
		{domain.ChannelEmail, domain.OutcomeSoftBounce, 1, 240 * time.Minute},
		{domain.ChannelEmail, domain.OutcomeSoftBounce, 2, 480 * time.Minute},
		{domain.ChannelEmail, domain.OutcomeRateLimited, 1, 60 * time.Minute},
		{domain.ChannelVoice, domain.OutcomeBusy, 1, 120 * time.Minute},
		{domain.ChannelVoice, domain.OutcomeBusy, 2, 120 * time.Minute}, // multiplier 1.0
		{domain.ChannelVoice, domain.OutcomeNoAnswer, 1, 24 * time.Hour},
		{domain.ChannelSMS, domain.OutcomeRateLimited, 1, 30 * time.Minute},
		{domain.ChannelSMS, domain.OutcomeRateLimited, 2, 60 * time.Minute},
	}
	for _, tc := range cases {
		got := p.Delay(tc.channel, tc.outcome, tc.tries)
		assert.Equal(t, tc.want, got, "%s/%s try %d", tc.channel, tc.outcome, tc.tries)
	}
}

func TestDelayFallsBackForUnlistedOutcome(t *testing.T) {
	p := NewRetryPolicy(config.Default().Retry)
	assert.Equal(t, defaultRetryDelay, p.Delay(domain.ChannelEmail, domain.OutcomeProviderError, 1))
}

func TestMaxAttemptsPerChannel(t *testing.T) {
	p := NewRetryPolicy(config.Default().Retry)
	assert.Equal(t, 3, p.MaxAttempts(domain.ChannelEmail))
	assert.Equal(t, 2, p.MaxAttempts(domain.ChannelVoice))
	assert.Equal(t, 1, p.MaxAttempts(domain.ChannelMail))
	assert.Equal(t, 1, p.MaxAttempts(domain.Channel("unknown")))
}

func TestExhausted(t *testing.T) {
	p := NewRetryPolicy(config.Default().Retry)
	a := domain.DispatchAttempt{Channel: domain.ChannelEmail, AttemptCount: 2}
	assert.False(t, p.Exhausted(a))
	a.AttemptCount = 3
	assert.True(t, p.Exhausted(a))
}
