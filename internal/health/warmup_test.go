package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

type fakePool struct {
	units map[string]*domain.ResourceUnit
}

func newFakePool(units ...domain.ResourceUnit) *fakePool {
	p := &fakePool{units: make(map[string]*domain.ResourceUnit)}
	for _, u := range units {
		cp := u
		p.units[u.ID] = &cp
	}
	return p
}

func (p *fakePool) Units() []domain.ResourceUnit {
	out := make([]domain.ResourceUnit, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, *u)
	}
	return out
}

func (p *fakePool) ApplyWarmup(unitID string, day, dailyLimit int, stage domain.WarmupStage) error {
	u := p.units[unitID]
	u.WarmupDay = day
	u.DailyLimit = dailyLimit
	u.Stage = stage
	return nil
}

func testWarmupConfig() config.WarmupConfig {
	return config.WarmupConfig{
		Schedule: map[domain.ResourceKind][]config.WarmupStep{
			domain.KindMailbox: {
				{Day: 1, Volume: 10}, {Day: 3, Volume: 20}, {Day: 5, Volume: 30},
				{Day: 8, Volume: 50}, {Day: 11, Volume: 75}, {Day: 15, Volume: 100},
				{Day: 19, Volume: 150}, {Day: 23, Volume: 200}, {Day: 27, Volume: 300},
				{Day: 30, Volume: 400},
			},
		},
		GraduatedLimit: map[domain.ResourceKind]int{domain.KindMailbox: 500},
	}
}

func TestLimitForDayHoldsBetweenSteps(t *testing.T) {
	r := NewRamp(testWarmupConfig(), newFakePool(), nil)

	cases := []struct {
		day  int
		want int
	}{
		{1, 10}, {2, 10}, {3, 20}, {4, 20}, {5, 30}, {7, 30},
		{8, 50}, {11, 75}, {14, 75}, {29, 300}, {30, 400},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.LimitForDay(domain.KindMailbox, tc.day), "day %d", tc.day)
	}
}

func TestTickAdvancesOneDayAndNeverLowersLimit(t *testing.T) {
	pool := newFakePool(domain.ResourceUnit{
		ID: "m1", Kind: domain.KindMailbox, Health: domain.HealthGood,
		WarmupDay: 2, DailyLimit: 25, Stage: domain.StageEarly,
	})
	r := NewRamp(testWarmupConfig(), pool, nil)

	r.Tick()
	u := pool.units["m1"]
	assert.Equal(t, 3, u.WarmupDay)
	// Schedule says 20 for day 3 but the unit already reached 25.
	assert.Equal(t, 25, u.DailyLimit)

	for i := 0; i < 5; i++ {
		r.Tick()
	}
	assert.Equal(t, 8, u.WarmupDay)
	assert.Equal(t, 50, u.DailyLimit)
}

func TestTickGraduatesAtScheduleEnd(t *testing.T) {
	pool := newFakePool(domain.ResourceUnit{
		ID: "m1", Kind: domain.KindMailbox, Health: domain.HealthGood,
		WarmupDay: 29, DailyLimit: 300, Stage: domain.StageMaturing,
	})
	r := NewRamp(testWarmupConfig(), pool, nil)

	r.Tick()
	u := pool.units["m1"]
	assert.Equal(t, domain.StageEstablished, u.Stage)
	assert.Equal(t, 30, u.WarmupDay)
	assert.Equal(t, 500, u.DailyLimit)
	assert.False(t, u.InWarmup())

	// Established units are left alone.
	r.Tick()
	assert.Equal(t, 30, u.WarmupDay)
}

func TestTickSkipsPausedAndUnhealthyUnits(t *testing.T) {
	pool := newFakePool(
		domain.ResourceUnit{ID: "paused", Kind: domain.KindMailbox, WarmupDay: 5, DailyLimit: 30, Stage: domain.StagePaused},
		domain.ResourceUnit{ID: "sick", Kind: domain.KindMailbox, WarmupDay: 5, DailyLimit: 30, Stage: domain.StageEarly},
	)
	mon := NewMonitor(testHealthConfig(), nil)
	recordSends(mon, "sick", 100)
	for i := 0; i < 10; i++ {
		mon.RecordOutcome("sick", domain.OutcomeHardBounce)
	}
	require.Equal(t, domain.HealthCritical, mon.State("sick"))

	r := NewRamp(testWarmupConfig(), pool, mon)
	r.Tick()

	assert.Equal(t, 5, pool.units["paused"].WarmupDay)
	assert.Equal(t, 5, pool.units["sick"].WarmupDay)
}

func TestDowngradePausesRampAndResumeRestarts(t *testing.T) {
	pool := newFakePool(domain.ResourceUnit{
		ID: "m1", Kind: domain.KindMailbox, Health: domain.HealthGood,
		WarmupDay: 12, DailyLimit: 75, Stage: domain.StageBuilding,
	})
	r := NewRamp(testWarmupConfig(), pool, nil)

	r.HandleDowngrade(Downgrade{UnitID: "m1", From: domain.HealthGood, To: domain.HealthWarning})
	u := pool.units["m1"]
	assert.Equal(t, domain.StagePaused, u.Stage)
	assert.Equal(t, 12, u.WarmupDay)
	assert.Equal(t, 75, u.DailyLimit)

	// A probe back to good does not auto-resume; Resume is explicit.
	r.HandleDowngrade(Downgrade{UnitID: "m1", From: domain.HealthWarning, To: domain.HealthGood})
	assert.Equal(t, domain.StagePaused, pool.units["m1"].Stage)

	require.NoError(t, r.Resume(*pool.units["m1"]))
	assert.Equal(t, 12, pool.units["m1"].WarmupDay)
	assert.NotEqual(t, domain.StagePaused, pool.units["m1"].Stage)
}

func TestStageForDayProgression(t *testing.T) {
	r := NewRamp(testWarmupConfig(), newFakePool(), nil)

	assert.Equal(t, domain.StageEarly, r.StageForDay(domain.KindMailbox, 2))
	assert.Equal(t, domain.StageBuilding, r.StageForDay(domain.KindMailbox, 10))
	assert.Equal(t, domain.StageRamping, r.StageForDay(domain.KindMailbox, 16))
	assert.Equal(t, domain.StageMaturing, r.StageForDay(domain.KindMailbox, 25))
	assert.Equal(t, domain.StageEstablished, r.StageForDay(domain.KindMailbox, 30))
}
