package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		BounceWarning:      0.02,
		BounceCritical:     0.05,
		ComplaintWarning:   0.001,
		ComplaintCritical:  0.003,
		FailureQuarantine:  0.25,
		MinSampleSize:      20,
		WindowHours:        24,
		RecoveryProbeHours: 48,
	}
}

func recordSends(m *Monitor, unitID string, n int) {
	for i := 0; i < n; i++ {
		m.RecordSend(unitID)
	}
}

func TestBelowSampleSizeNeverDowngrades(t *testing.T) {
	m := NewMonitor(testHealthConfig(), nil)

	recordSends(m, "u1", 10)
	for i := 0; i < 5; i++ {
		m.RecordOutcome("u1", domain.OutcomeHardBounce)
	}
	assert.Equal(t, domain.HealthGood, m.State("u1"))
}

func TestBounceRateDowngrades(t *testing.T) {
	var events []Downgrade
	m := NewMonitor(testHealthConfig(), func(d Downgrade) { events = append(events, d) })

	recordSends(m, "u1", 100)
	for i := 0; i < 3; i++ {
		m.RecordOutcome("u1", domain.OutcomeHardBounce)
	}
	assert.Equal(t, domain.HealthWarning, m.State("u1"), "3% bounce crosses the warning line")

	for i := 0; i < 3; i++ {
		m.RecordOutcome("u1", domain.OutcomeSoftBounce)
	}
	assert.Equal(t, domain.HealthCritical, m.State("u1"), "6% bounce crosses the critical line")

	require.Len(t, events, 2)
	assert.Equal(t, domain.HealthGood, events[0].From)
	assert.Equal(t, domain.HealthWarning, events[0].To)
	assert.Equal(t, domain.HealthWarning, events[1].From)
	assert.Equal(t, domain.HealthCritical, events[1].To)
	assert.Contains(t, events[1].Reason, "bounce rate")
}

func TestComplaintRateDowngrades(t *testing.T) {
	m := NewMonitor(testHealthConfig(), nil)

	recordSends(m, "u1", 1000)
	m.RecordOutcome("u1", domain.OutcomeComplaint)
	assert.Equal(t, domain.HealthWarning, m.State("u1"))

	m.RecordOutcome("u1", domain.OutcomeComplaint)
	m.RecordOutcome("u1", domain.OutcomeComplaint)
	assert.Equal(t, domain.HealthCritical, m.State("u1"))
}

func TestProviderFailuresQuarantine(t *testing.T) {
	m := NewMonitor(testHealthConfig(), nil)

	recordSends(m, "u1", 20)
	for i := 0; i < 5; i++ {
		m.RecordOutcome("u1", domain.OutcomeProviderError)
	}
	assert.Equal(t, domain.HealthQuarantined, m.State("u1"))
}

func TestDeliveredOutcomesAreNeutral(t *testing.T) {
	m := NewMonitor(testHealthConfig(), nil)

	recordSends(m, "u1", 50)
	for i := 0; i < 50; i++ {
		m.RecordOutcome("u1", domain.OutcomeDelivered)
	}
	assert.Equal(t, domain.HealthGood, m.Evaluate("u1"))
}

func TestOldBucketsFallOutOfWindow(t *testing.T) {
	m := NewMonitor(testHealthConfig(), nil)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	recordSends(m, "u1", 100)
	for i := 0; i < 10; i++ {
		m.RecordOutcome("u1", domain.OutcomeHardBounce)
	}
	require.Equal(t, domain.HealthCritical, m.State("u1"))

	// A clean day later the bad window is gone; fresh volume classifies good.
	m.now = func() time.Time { return base.Add(25 * time.Hour) }
	recordSends(m, "u1", 100)
	assert.Equal(t, domain.HealthGood, m.Evaluate("u1"))
}

func TestRecoveryProbeStepsBackToGood(t *testing.T) {
	var events []Downgrade
	m := NewMonitor(testHealthConfig(), func(d Downgrade) { events = append(events, d) })
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	recordSends(m, "u1", 100)
	for i := 0; i < 10; i++ {
		m.RecordOutcome("u1", domain.OutcomeHardBounce)
	}
	require.Equal(t, domain.HealthCritical, m.State("u1"))

	// Too early, nothing moves.
	m.now = func() time.Time { return base.Add(24 * time.Hour) }
	m.ProbeRecovery()
	assert.Equal(t, domain.HealthCritical, m.State("u1"))

	// After the probe window with a clean window, step to warning.
	m.now = func() time.Time { return base.Add(49 * time.Hour) }
	m.ProbeRecovery()
	assert.Equal(t, domain.HealthWarning, m.State("u1"))

	// And a further window later, back to good.
	m.now = func() time.Time { return base.Add(98 * time.Hour) }
	m.ProbeRecovery()
	assert.Equal(t, domain.HealthGood, m.State("u1"))

	last := events[len(events)-1]
	assert.Equal(t, "recovery probe", last.Reason)
	assert.Equal(t, domain.HealthGood, last.To)
}
