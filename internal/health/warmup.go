package health

import (
	"log"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// UnitPool is the slice of the resource pool the warmup ramp needs.
type UnitPool interface {
	Units() []domain.ResourceUnit
	ApplyWarmup(unitID string, day, dailyLimit int, stage domain.WarmupStage) error
}

// Ramp advances units through their per-kind warmup schedule. Limits only
// move forward: a tick never lowers a unit's daily limit, and paused units
// hold their current volume until resumed.
type Ramp struct {
	cfg     config.WarmupConfig
	pool    UnitPool
	monitor *Monitor
}

// NewRamp creates a warmup ramp over the given pool. monitor may be nil.
func NewRamp(cfg config.WarmupConfig, pool UnitPool, monitor *Monitor) *Ramp {
	return &Ramp{cfg: cfg, pool: pool, monitor: monitor}
}

// LimitForDay returns the planned volume for a warmup day: the volume of the
// latest schedule step at or before that day.
func (r *Ramp) LimitForDay(kind domain.ResourceKind, day int) int {
	steps := r.cfg.Schedule[kind]
	limit := 0
	for _, s := range steps {
		if s.Day > day {
			break
		}
		limit = s.Volume
	}
	return limit
}

// graduationDay is the final day of the kind's schedule.
func (r *Ramp) graduationDay(kind domain.ResourceKind) int {
	steps := r.cfg.Schedule[kind]
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].Day
}

// StageForDay labels the unit's progress through its schedule.
func (r *Ramp) StageForDay(kind domain.ResourceKind, day int) domain.WarmupStage {
	grad := r.graduationDay(kind)
	if grad == 0 || day >= grad {
		return domain.StageEstablished
	}
	switch q := day * 4 / grad; q {
	case 0:
		return domain.StageEarly
	case 1:
		return domain.StageBuilding
	case 2:
		return domain.StageRamping
	default:
		return domain.StageMaturing
	}
}

// Tick advances every in-warmup unit to its next day, graduates units that
// finished the schedule, and skips paused or unhealthy units. Run once per
// day, behind the cluster tick lock.
func (r *Ramp) Tick() {
	for _, u := range r.pool.Units() {
		if !u.InWarmup() {
			continue
		}
		if u.Stage == domain.StagePaused {
			continue
		}
		if r.monitor != nil && r.monitor.State(u.ID) != domain.HealthGood {
			continue
		}

		nextDay := u.WarmupDay + 1
		grad := r.graduationDay(u.Kind)

		if grad > 0 && nextDay >= grad {
			limit := r.cfg.GraduatedLimit[u.Kind]
			if limit < u.DailyLimit {
				limit = u.DailyLimit
			}
			if err := r.pool.ApplyWarmup(u.ID, grad, limit, domain.StageEstablished); err != nil {
				log.Printf("[WarmupRamp] Failed to graduate unit %s: %v", u.ID, err)
				continue
			}
			log.Printf("[WarmupRamp] Unit %s graduated at day %d (limit %d)", u.ID, grad, limit)
			continue
		}

		limit := r.LimitForDay(u.Kind, nextDay)
		if limit < u.DailyLimit {
			limit = u.DailyLimit
		}
		if err := r.pool.ApplyWarmup(u.ID, nextDay, limit, r.StageForDay(u.Kind, nextDay)); err != nil {
			log.Printf("[WarmupRamp] Failed to advance unit %s to day %d: %v", u.ID, nextDay, err)
			continue
		}
		log.Printf("[WarmupRamp] Advanced unit %s to day %d (limit %d)", u.ID, nextDay, limit)
	}
}

// Pause freezes a unit's ramp at its current volume. Driven by health
// downgrades.
func (r *Ramp) Pause(u domain.ResourceUnit) error {
	if !u.InWarmup() || u.Stage == domain.StagePaused {
		return nil
	}
	log.Printf("[WarmupRamp] Pausing warmup for unit %s at day %d", u.ID, u.WarmupDay)
	return r.pool.ApplyWarmup(u.ID, u.WarmupDay, u.DailyLimit, domain.StagePaused)
}

// Resume restarts a paused ramp at the day it stopped.
func (r *Ramp) Resume(u domain.ResourceUnit) error {
	if u.Stage != domain.StagePaused {
		return nil
	}
	log.Printf("[WarmupRamp] Resuming warmup for unit %s at day %d", u.ID, u.WarmupDay)
	return r.pool.ApplyWarmup(u.ID, u.WarmupDay, u.DailyLimit, r.StageForDay(u.Kind, u.WarmupDay))
}

// HandleDowngrade pauses the ramp of any unit that drops below good health.
// Wire as the Monitor's DowngradeFunc (possibly chained).
func (r *Ramp) HandleDowngrade(d Downgrade) {
	if severity(d.To) <= severity(domain.HealthGood) {
		return
	}
	for _, u := range r.pool.Units() {
		if u.ID != d.UnitID {
			continue
		}
		if err := r.Pause(u); err != nil {
			log.Printf("[WarmupRamp] Failed to pause unit %s after downgrade: %v", u.ID, err)
		}
		return
	}
}
