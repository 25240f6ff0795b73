// Package pool owns the shared inventory of sending resources (mailboxes,
// phone numbers, social seats) and their assignment to tenants. All mutation
// goes through Acquire/Release so the capacity-buffer and churn-hold
// invariants are enforced in one place.
package pool

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

var (
	// ErrResourceExhausted is returned when granting a request would drop
	// free capacity below the buffer. Nothing is allocated.
	ErrResourceExhausted = domain.ErrResourceExhausted

	// ErrUnknownAssignment is returned by Release for assignments the
	// manager does not track.
	ErrUnknownAssignment = errors.New("unknown assignment")

	// ErrUnknownUnit is returned when a unit ID is not in the inventory.
	ErrUnknownUnit = errors.New("unknown resource unit")
)

// SignalFunc receives provisioning signals when free capacity is short.
type SignalFunc func(domain.ProvisioningSignal)

// Persister stores assignment changes durably. May be nil in tests; the
// in-memory inventory is authoritative for invariant checks either way.
type Persister interface {
	SaveAssignment(a domain.ResourceAssignment) error
	ReleaseAssignment(id string, releasedAt time.Time) error
	UpdateUnit(u domain.ResourceUnit) error
}

// Manager is the resource pool. Safe for concurrent use.
type Manager struct {
	cfg    config.PoolConfig
	signal SignalFunc
	store  Persister
	now    func() time.Time

	mu          sync.Mutex
	units       map[string]*domain.ResourceUnit
	assignments map[string]*domain.ResourceAssignment
}

// NewManager creates a pool manager. signal and store may be nil.
func NewManager(cfg config.PoolConfig, signal SignalFunc, store Persister) *Manager {
	return &Manager{
		cfg:         cfg,
		signal:      signal,
		store:       store,
		now:         time.Now,
		units:       make(map[string]*domain.ResourceUnit),
		assignments: make(map[string]*domain.ResourceAssignment),
	}
}

// AddUnit registers a new unit in the free pool (capacity expansion) and
// returns it as registered, ID and health defaults filled.
func (m *Manager) AddUnit(u domain.ResourceUnit) domain.ResourceUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Health == "" {
		u.Health = domain.HealthGood
	}
	cp := u
	m.units[u.ID] = &cp
	return u
}

// Restore hydrates the inventory and open assignments from the store at
// boot. It never writes back.
func (m *Manager) Restore(units []domain.ResourceUnit, assignments []domain.ResourceAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range units {
		cp := u
		m.units[u.ID] = &cp
	}
	for _, a := range assignments {
		cp := a
		m.assignments[a.ID] = &cp
	}
	log.Printf("[Pool] Restored %d units, %d open assignments", len(units), len(assignments))
}

// Unit returns a copy of the unit, or ErrUnknownUnit.
func (m *Manager) Unit(id string) (domain.ResourceUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return domain.ResourceUnit{}, ErrUnknownUnit
	}
	return *u, nil
}

// Acquire reserves count units of the given kind for the tenant.
//
// Candidates are healthy free units past churn-hold, ordered by lowest
// recent utilization and then longest time since last assignment, spreading
// reputation risk across the pool. The grant is all-or-nothing: if it would
// leave fewer free units than the buffer target, the request is denied with
// ErrResourceExhausted and a provisioning signal is raised.
func (m *Manager) Acquire(tenantID string, kind domain.ResourceKind, count int) ([]domain.ResourceUnit, error) {
	if count <= 0 {
		return nil, fmt.Errorf("acquire count must be positive, got %d", count)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var candidates []*domain.ResourceUnit
	total, free := 0, 0
	for _, u := range m.units {
		if u.Kind != kind {
			continue
		}
		total++
		if u.Assignable(now) {
			free++
			candidates = append(candidates, u)
		}
	}

	bufferTarget := total * m.cfg.BufferPercent / 100

	if len(candidates) < count || free-count < bufferTarget {
		sig := domain.ProvisioningSignal{
			Kind:         kind,
			Free:         free,
			Total:        total,
			BufferTarget: bufferTarget,
			Requested:    count,
			TenantID:     tenantID,
			RaisedAt:     now,
		}
		log.Printf("[Pool] Acquire denied for tenant %s: kind=%s requested=%d free=%d buffer=%d", tenantID, kind, count, free, bufferTarget)
		if m.signal != nil {
			m.signal(sig)
		}
		return nil, fmt.Errorf("%w: kind=%s free=%d buffer=%d requested=%d", ErrResourceExhausted, kind, free, bufferTarget, count)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.RecentUtilization != b.RecentUtilization {
			return a.RecentUtilization < b.RecentUtilization
		}
		at := assignedAt(a)
		bt := assignedAt(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.ID < b.ID
	})

	granted := make([]domain.ResourceUnit, 0, count)
	for _, u := range candidates[:count] {
		u.TenantID = tenantID
		t := now
		u.LastAssignedAt = &t
		u.UpdatedAt = now

		a := &domain.ResourceAssignment{
			ID:         uuid.New().String(),
			UnitID:     u.ID,
			TenantID:   tenantID,
			AssignedAt: now,
		}
		m.assignments[a.ID] = a

		if m.store != nil {
			if err := m.store.SaveAssignment(*a); err != nil {
				log.Printf("[Pool] Failed to persist assignment %s: %v", a.ID, err)
			}
			if err := m.store.UpdateUnit(*u); err != nil {
				log.Printf("[Pool] Failed to persist unit %s: %v", u.ID, err)
			}
		}
		granted = append(granted, *u)
	}
	return granted, nil
}

func assignedAt(u *domain.ResourceUnit) time.Time {
	if u.LastAssignedAt == nil {
		return time.Time{}
	}
	return *u.LastAssignedAt
}

// AssignmentsFor returns the tenant's open assignments, oldest first.
func (m *Manager) AssignmentsFor(tenantID string) []domain.ResourceAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ResourceAssignment
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.ReleasedAt == nil {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Release returns an assignment's unit to the pool behind a churn-hold
// window. The unit is excluded from Acquire until the hold expires.
func (m *Manager) Release(assignmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[assignmentID]
	if !ok || a.ReleasedAt != nil {
		return ErrUnknownAssignment
	}

	now := m.now()
	a.ReleasedAt = &now

	u, ok := m.units[a.UnitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, a.UnitID)
	}
	u.TenantID = ""
	hold := now.Add(m.cfg.ChurnHold())
	u.ChurnHoldUntil = &hold
	u.UpdatedAt = now

	if m.store != nil {
		if err := m.store.ReleaseAssignment(a.ID, now); err != nil {
			log.Printf("[Pool] Failed to persist release %s: %v", a.ID, err)
		}
		if err := m.store.UpdateUnit(*u); err != nil {
			log.Printf("[Pool] Failed to persist unit %s: %v", u.ID, err)
		}
	}
	log.Printf("[Pool] Released unit %s from tenant %s, churn-hold until %s", u.ID, a.TenantID, hold.Format(time.RFC3339))
	return nil
}

// Capacity reports the pool state for one resource kind.
func (m *Manager) Capacity(kind domain.ResourceKind) domain.PoolCapacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	total, free := 0, 0
	for _, u := range m.units {
		if u.Kind != kind {
			continue
		}
		total++
		if u.Assignable(now) {
			free++
		}
	}
	return domain.PoolCapacity{
		Kind:         kind,
		Total:        total,
		Free:         free,
		BufferTarget: total * m.cfg.BufferPercent / 100,
	}
}

// SelectAssigned picks one of the tenant's assigned units of the given kind
// for a dispatch, preferring the least recently used healthy unit. Returns
// ErrResourceExhausted when the tenant holds no usable unit of that kind.
func (m *Manager) SelectAssigned(tenantID string, kind domain.ResourceKind) (domain.ResourceUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.ResourceUnit
	for _, u := range m.units {
		if u.TenantID != tenantID || u.Kind != kind {
			continue
		}
		if u.Health == domain.HealthCritical || u.Health == domain.HealthQuarantined {
			continue
		}
		if best == nil || u.RecentUtilization < best.RecentUtilization ||
			(u.RecentUtilization == best.RecentUtilization && u.ID < best.ID) {
			best = u
		}
	}
	if best == nil {
		return domain.ResourceUnit{}, fmt.Errorf("%w: tenant %s has no usable %s", ErrResourceExhausted, tenantID, kind)
	}
	return *best, nil
}

// SetHealth updates a unit's health state (driven by the health monitor).
func (m *Manager) SetHealth(unitID string, h domain.HealthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	u.Health = h
	u.UpdatedAt = m.now()
	if m.store != nil {
		if err := m.store.UpdateUnit(*u); err != nil {
			log.Printf("[Pool] Failed to persist unit %s: %v", u.ID, err)
		}
	}
	return nil
}

// UpdateUtilization records a unit's trailing utilization fraction.
func (m *Manager) UpdateUtilization(unitID string, utilization float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	u.RecentUtilization = utilization
	return nil
}

// ApplyWarmup copies ramp fields updated by the warmup scheduler.
func (m *Manager) ApplyWarmup(unitID string, day, dailyLimit int, stage domain.WarmupStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	u.WarmupDay = day
	u.DailyLimit = dailyLimit
	u.Stage = stage
	u.UpdatedAt = m.now()
	if m.store != nil {
		if err := m.store.UpdateUnit(*u); err != nil {
			log.Printf("[Pool] Failed to persist unit %s: %v", u.ID, err)
		}
	}
	return nil
}

// Units returns a snapshot of every unit, for the API and the warmup tick.
func (m *Manager) Units() []domain.ResourceUnit {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ResourceUnit, 0, len(m.units))
	for _, u := range m.units {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
