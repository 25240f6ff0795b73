// Package health tracks per-unit reputation telemetry, drives the warmup
// ramp, and enforces daily send capacity.
package health

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Downgrade describes a health state change for one unit.
type Downgrade struct {
	UnitID   string             `json:"unit_id"`
	From     domain.HealthState `json:"from"`
	To       domain.HealthState `json:"to"`
	Reason   string             `json:"reason"`
	Occurred time.Time          `json:"occurred_at"`
}

// DowngradeFunc receives health transitions. Upgrades are delivered too,
// with From worse than To.
type DowngradeFunc func(Downgrade)

// bucket accumulates outcomes for one clock hour.
type bucket struct {
	hour       time.Time
	sent       int
	bounced    int
	complained int
	failed     int
}

type unitStats struct {
	state      domain.HealthState
	degradedAt time.Time
	buckets    []bucket
}

// Monitor keeps a rolling outcome window per unit and downgrades units whose
// bounce, complaint or failure rates breach configured thresholds. Safe for
// concurrent use.
type Monitor struct {
	cfg      config.HealthConfig
	onChange DowngradeFunc
	now      func() time.Time

	mu    sync.Mutex
	units map[string]*unitStats
}

// NewMonitor creates a health monitor. onChange may be nil.
func NewMonitor(cfg config.HealthConfig, onChange DowngradeFunc) *Monitor {
	return &Monitor{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
		units:    make(map[string]*unitStats),
	}
}

// RecordSend counts one dispatch through the unit.
func (m *Monitor) RecordSend(unitID string) {
	m.record(unitID, func(b *bucket) { b.sent++ })
}

// RecordOutcome counts a delivery outcome against the unit's window and
// re-evaluates its health.
func (m *Monitor) RecordOutcome(unitID string, outcome domain.Outcome) {
	switch outcome {
	case domain.OutcomeHardBounce, domain.OutcomeSoftBounce:
		m.record(unitID, func(b *bucket) { b.bounced++ })
	case domain.OutcomeComplaint:
		m.record(unitID, func(b *bucket) { b.complained++ })
	case domain.OutcomeProviderError:
		m.record(unitID, func(b *bucket) { b.failed++ })
	default:
		return
	}
	m.Evaluate(unitID)
}

func (m *Monitor) record(unitID string, apply func(*bucket)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats(unitID)
	hour := m.now().Truncate(time.Hour)
	if n := len(s.buckets); n == 0 || !s.buckets[n-1].hour.Equal(hour) {
		s.buckets = append(s.buckets, bucket{hour: hour})
	}
	apply(&s.buckets[len(s.buckets)-1])
	m.prune(s)
}

func (m *Monitor) stats(unitID string) *unitStats {
	s, ok := m.units[unitID]
	if !ok {
		s = &unitStats{state: domain.HealthGood}
		m.units[unitID] = s
	}
	return s
}

func (m *Monitor) prune(s *unitStats) {
	cutoff := m.now().Add(-time.Duration(m.cfg.WindowHours) * time.Hour)
	i := 0
	for i < len(s.buckets) && s.buckets[i].hour.Before(cutoff) {
		i++
	}
	s.buckets = s.buckets[i:]
}

// windowTotals sums the rolling window.
func windowTotals(s *unitStats) (sent, bounced, complained, failed int) {
	for _, b := range s.buckets {
		sent += b.sent
		bounced += b.bounced
		complained += b.complained
		failed += b.failed
	}
	return
}

// State returns the unit's current health state.
func (m *Monitor) State(unitID string) domain.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats(unitID).state
}

// Evaluate reclassifies the unit from its rolling window and emits a
// transition event when the state changes. Units below the minimum sample
// size are never downgraded.
func (m *Monitor) Evaluate(unitID string) domain.HealthState {
	m.mu.Lock()
	s := m.stats(unitID)
	m.prune(s)
	sent, bounced, complained, failed := windowTotals(s)

	next := s.state
	reason := ""
	if sent >= m.cfg.MinSampleSize {
		next, reason = m.classify(sent, bounced, complained, failed)
	} else if s.state != domain.HealthGood {
		// Degraded units recover through the probe path, not sample-size
		// starvation.
		next = s.state
	}

	prev := s.state
	if next != prev {
		s.state = next
		if severity(next) > severity(prev) {
			s.degradedAt = m.now()
		}
	}
	m.mu.Unlock()

	if next != prev {
		log.Printf("[HealthMonitor] Unit %s: %s -> %s (%s)", unitID, prev, next, reason)
		if m.onChange != nil {
			m.onChange(Downgrade{
				UnitID:   unitID,
				From:     prev,
				To:       next,
				Reason:   reason,
				Occurred: m.now(),
			})
		}
	}
	return next
}

func (m *Monitor) classify(sent, bounced, complained, failed int) (domain.HealthState, string) {
	bounceRate := float64(bounced) / float64(sent)
	complaintRate := float64(complained) / float64(sent)
	failureRate := float64(failed) / float64(sent)

	switch {
	case failureRate >= m.cfg.FailureQuarantine:
		return domain.HealthQuarantined, fmt.Sprintf("failure rate %.1f%% over %.1f%%", failureRate*100, m.cfg.FailureQuarantine*100)
	case bounceRate >= m.cfg.BounceCritical:
		return domain.HealthCritical, fmt.Sprintf("bounce rate %.2f%% over %.2f%%", bounceRate*100, m.cfg.BounceCritical*100)
	case complaintRate >= m.cfg.ComplaintCritical:
		return domain.HealthCritical, fmt.Sprintf("complaint rate %.3f%% over %.3f%%", complaintRate*100, m.cfg.ComplaintCritical*100)
	case bounceRate >= m.cfg.BounceWarning:
		return domain.HealthWarning, fmt.Sprintf("bounce rate %.2f%% over %.2f%%", bounceRate*100, m.cfg.BounceWarning*100)
	case complaintRate >= m.cfg.ComplaintWarning:
		return domain.HealthWarning, fmt.Sprintf("complaint rate %.3f%% over %.3f%%", complaintRate*100, m.cfg.ComplaintWarning*100)
	default:
		return domain.HealthGood, "rates within thresholds"
	}
}

// ProbeRecovery steps degraded units one level back toward good once they
// have spent the recovery window with a clean (or empty) recent window.
// Called periodically by the scheduler tick.
func (m *Monitor) ProbeRecovery() {
	probeAfter := time.Duration(m.cfg.RecoveryProbeHours) * time.Hour

	m.mu.Lock()
	var changes []Downgrade
	for id, s := range m.units {
		if s.state == domain.HealthGood {
			continue
		}
		if m.now().Sub(s.degradedAt) < probeAfter {
			continue
		}
		m.prune(s)
		sent, bounced, complained, failed := windowTotals(s)
		if sent >= m.cfg.MinSampleSize {
			if st, _ := m.classify(sent, bounced, complained, failed); st != domain.HealthGood {
				continue
			}
		}
		prev := s.state
		s.state = stepUp(prev)
		s.degradedAt = m.now()
		changes = append(changes, Downgrade{
			UnitID:   id,
			From:     prev,
			To:       s.state,
			Reason:   "recovery probe",
			Occurred: m.now(),
		})
	}
	m.mu.Unlock()

	for _, c := range changes {
		log.Printf("[HealthMonitor] Unit %s: %s -> %s (recovery probe)", c.UnitID, c.From, c.To)
		if m.onChange != nil {
			m.onChange(c)
		}
	}
}

func severity(s domain.HealthState) int {
	switch s {
	case domain.HealthGood:
		return 0
	case domain.HealthWarning:
		return 1
	case domain.HealthCritical:
		return 2
	case domain.HealthQuarantined:
		return 3
	}
	return 0
}

func stepUp(s domain.HealthState) domain.HealthState {
	switch s {
	case domain.HealthQuarantined:
		return domain.HealthCritical
	case domain.HealthCritical:
		return domain.HealthWarning
	default:
		return domain.HealthGood
	}
}
