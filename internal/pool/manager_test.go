package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{BufferPercent: 20, ChurnHoldDays: 30}
}

func seedUnits(m *Manager, kind domain.ResourceKind, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := string(kind) + "-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
		m.AddUnit(domain.ResourceUnit{
			ID:     id,
			Kind:   kind,
			Health: domain.HealthGood,
		})
		ids = append(ids, id)
	}
	return ids
}

func TestAcquireGrantsRequestedCount(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil)
	seedUnits(m, domain.KindMailbox, 10)

	granted, err := m.Acquire("tenant-1", domain.KindMailbox, 3)
	require.NoError(t, err)
	require.Len(t, granted, 3)

	for _, u := range granted {
		assert.Equal(t, "tenant-1", u.TenantID)
		require.NotNil(t, u.LastAssignedAt)
	}

	cap := m.Capacity(domain.KindMailbox)
	assert.Equal(t, 10, cap.Total)
	assert.Equal(t, 7, cap.Free)
	assert.Equal(t, 2, cap.BufferTarget)
}

func TestAcquireDeniedWhenBufferWouldBreach(t *testing.T) {
	var signals []domain.ProvisioningSignal
	m := NewManager(testPoolConfig(), func(s domain.ProvisioningSignal) {
		signals = append(signals, s)
	}, nil)

	// 100 mailboxes, 78 already assigned: 22 free against a buffer of 20.
	ids := seedUnits(m, domain.KindMailbox, 100)
	now := time.Now()
	for _, id := range ids[:78] {
		u, err := m.Unit(id)
		require.NoError(t, err)
		u.TenantID = "other-tenant"
		u.LastAssignedAt = &now
		m.mu.Lock()
		*m.units[id] = u
		m.mu.Unlock()
	}

	granted, err := m.Acquire("tenant-1", domain.KindMailbox, 5)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Nil(t, granted, "denied request must not allocate anything")

	require.Len(t, signals, 1)
	assert.Equal(t, domain.KindMailbox, signals[0].Kind)
	assert.Equal(t, 22, signals[0].Free)
	assert.Equal(t, 20, signals[0].BufferTarget)
	assert.Equal(t, 5, signals[0].Requested)

	// No partial grant: the pool is untouched.
	cap := m.Capacity(domain.KindMailbox)
	assert.Equal(t, 22, cap.Free)

	// A request that stays at the buffer line still succeeds.
	granted, err = m.Acquire("tenant-1", domain.KindMailbox, 2)
	require.NoError(t, err)
	assert.Len(t, granted, 2)
	assert.Equal(t, 20, m.Capacity(domain.KindMailbox).Free)
}

func TestAcquireSkipsUnhealthyUnits(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil)
	m.AddUnit(domain.ResourceUnit{ID: "good", Kind: domain.KindPhoneNumber, Health: domain.HealthGood})
	m.AddUnit(domain.ResourceUnit{ID: "warn", Kind: domain.KindPhoneNumber, Health: domain.HealthWarning})
	m.AddUnit(domain.ResourceUnit{ID: "crit", Kind: domain.KindPhoneNumber, Health: domain.HealthCritical})

	granted, err := m.Acquire("tenant-1", domain.KindPhoneNumber, 1)
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.Equal(t, "good", granted[0].ID)

	_, err = m.Acquire("tenant-1", domain.KindPhoneNumber, 1)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestAcquirePrefersLeastLoadedThenLeastRecentlyAssigned(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil)
	old := time.Now().Add(-72 * time.Hour)
	recent := time.Now().Add(-1 * time.Hour)

	m.AddUnit(domain.ResourceUnit{ID: "busy", Kind: domain.KindMailbox, Health: domain.HealthGood, RecentUtilization: 0.9})
	m.AddUnit(domain.ResourceUnit{ID: "idle-recent", Kind: domain.KindMailbox, Health: domain.HealthGood, RecentUtilization: 0.1, LastAssignedAt: &recent})
	m.AddUnit(domain.ResourceUnit{ID: "idle-old", Kind: domain.KindMailbox, Health: domain.HealthGood, RecentUtilization: 0.1, LastAssignedAt: &old})
	m.AddUnit(domain.ResourceUnit{ID: "idle-never", Kind: domain.KindMailbox, Health: domain.HealthGood, RecentUtilization: 0.1})

	granted, err := m.Acquire("tenant-1", domain.KindMailbox, 3)
	require.NoError(t, err)
	require.Len(t, granted, 3)
	assert.Equal(t, "idle-never", granted[0].ID, "never-assigned unit sorts first")
	assert.Equal(t, "idle-old", granted[1].ID)
	assert.Equal(t, "idle-recent", granted[2].ID)
}

func TestReleaseStartsChurnHold(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	seedUnits(m, domain.KindSocialSeat, 2)

	granted, err := m.Acquire("tenant-1", domain.KindSocialSeat, 1)
	require.NoError(t, err)

	var assignID string
	m.mu.Lock()
	for id := range m.assignments {
		assignID = id
	}
	m.mu.Unlock()
	require.NotEmpty(t, assignID)

	require.NoError(t, m.Release(assignID))

	u, err := m.Unit(granted[0].ID)
	require.NoError(t, err)
	assert.Empty(t, u.TenantID)
	require.NotNil(t, u.ChurnHoldUntil)
	assert.Equal(t, base.Add(30*24*time.Hour), *u.ChurnHoldUntil)

	// Inside the hold window the unit cannot be re-acquired.
	m.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	g2, err := m.Acquire("tenant-2", domain.KindSocialSeat, 2)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Nil(t, g2)

	// After the hold expires it is assignable again.
	m.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }
	g3, err := m.Acquire("tenant-2", domain.KindSocialSeat, 2)
	require.NoError(t, err)
	assert.Len(t, g3, 2)

	// Double release is rejected.
	assert.ErrorIs(t, m.Release(assignID), ErrUnknownAssignment)
}

func TestSelectAssigned(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil)
	m.AddUnit(domain.ResourceUnit{ID: "a", Kind: domain.KindMailbox, Health: domain.HealthGood, TenantID: "t1", RecentUtilization: 0.7})
	m.AddUnit(domain.ResourceUnit{ID: "b", Kind: domain.KindMailbox, Health: domain.HealthGood, TenantID: "t1", RecentUtilization: 0.2})
	m.AddUnit(domain.ResourceUnit{ID: "c", Kind: domain.KindMailbox, Health: domain.HealthQuarantined, TenantID: "t1", RecentUtilization: 0.0})
	m.AddUnit(domain.ResourceUnit{ID: "d", Kind: domain.KindMailbox, Health: domain.HealthGood, TenantID: "t2", RecentUtilization: 0.0})

	u, err := m.SelectAssigned("t1", domain.KindMailbox)
	require.NoError(t, err)
	assert.Equal(t, "b", u.ID, "quarantined and foreign units are skipped")

	_, err = m.SelectAssigned("t1", domain.KindPhoneNumber)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestSetHealthAndCapacity(t *testing.T) {
	m := NewManager(testPoolConfig(), nil, nil)
	seedUnits(m, domain.KindPhoneNumber, 5)

	ids := m.Units()
	require.Len(t, ids, 5)
	require.NoError(t, m.SetHealth(ids[0].ID, domain.HealthQuarantined))

	cap := m.Capacity(domain.KindPhoneNumber)
	assert.Equal(t, 5, cap.Total)
	assert.Equal(t, 4, cap.Free)

	assert.ErrorIs(t, m.SetHealth("nope", domain.HealthGood), ErrUnknownUnit)
}
