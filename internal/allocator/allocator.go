// Package allocator normalizes a tenant's campaign priority weights to a
// 100% pool and converts them into integer per-campaign lead-volume slices.
package allocator

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

var (
	// ErrInfeasible is returned when no redistribution can keep every
	// campaign inside its [min, max] band while summing to 100.
	ErrInfeasible = errors.New("priority change infeasible within configured bounds")

	// ErrUnknownCampaign is returned when the changed campaign is not in
	// the tenant's active set.
	ErrUnknownCampaign = errors.New("campaign not found for tenant")

	// ErrNoCampaigns is returned for tenants with no active campaigns.
	ErrNoCampaigns = errors.New("tenant has no active campaigns")
)

// Store abstracts campaign priority persistence.
type Store interface {
	ActiveCampaigns(tenantID string) ([]domain.Campaign, error)
	SavePriorities(tenantID string, priorities map[string]int) error
}

// Allocator owns priority rebalancing for all tenants. It serializes
// mutations so the sum invariant holds under concurrent SetPriority calls.
type Allocator struct {
	cfg   *config.Config
	store Store
	mu    sync.Mutex
}

// New creates an allocator backed by the given store.
func New(cfg *config.Config, store Store) *Allocator {
	return &Allocator{cfg: cfg, store: store}
}

// SetPriority sets one campaign's priority and proportionally rescales the
// tenant's remaining campaigns so the total stays exactly 100. The changed
// value is clamped to the configured [min, max] band first.
func (a *Allocator) SetPriority(tenantID, campaignID string, value int) (map[string]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	campaigns, err := a.store.ActiveCampaigns(tenantID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil, ErrNoCampaigns
	}

	current := make(map[string]int, len(campaigns))
	found := false
	for _, c := range campaigns {
		current[c.ID] = c.Priority
		if c.ID == campaignID {
			found = true
		}
	}
	if !found {
		return nil, ErrUnknownCampaign
	}

	next, err := rebalance(current, campaignID, value, a.cfg.Allocator.MinPriority, a.cfg.Allocator.MaxPriority)
	if err != nil {
		return nil, err
	}

	if err := a.store.SavePriorities(tenantID, next); err != nil {
		return nil, fmt.Errorf("save priorities: %w", err)
	}
	log.Printf("[Allocator] Tenant %s priorities rebalanced after %s=%d: %v", tenantID, campaignID, value, next)
	return next, nil
}

// Rebalance re-normalizes a tenant's priorities to sum to 100 without an
// explicit change, e.g. after a campaign is archived.
func (a *Allocator) Rebalance(tenantID string) (map[string]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	campaigns, err := a.store.ActiveCampaigns(tenantID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil, ErrNoCampaigns
	}

	current := make(map[string]int, len(campaigns))
	for _, c := range campaigns {
		current[c.ID] = c.Priority
	}

	next := normalize(current, a.cfg.Allocator.MinPriority, a.cfg.Allocator.MaxPriority)
	if next == nil {
		return nil, ErrInfeasible
	}
	if err := a.store.SavePriorities(tenantID, next); err != nil {
		return nil, fmt.Errorf("save priorities: %w", err)
	}
	return next, nil
}

// Slice converts the tenant's priority percentages into integer lead-volume
// slices summing exactly to eligibleLeadCount, using largest-remainder
// rounding.
func (a *Allocator) Slice(tenantID string, eligibleLeadCount int) (map[string]int, error) {
	campaigns, err := a.store.ActiveCampaigns(tenantID)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil, ErrNoCampaigns
	}

	weights := make(map[string]int, len(campaigns))
	for _, c := range campaigns {
		weights[c.ID] = c.Priority
	}
	return largestRemainder(weights, eligibleLeadCount), nil
}

// Admit distributes scored leads across the tenant's campaigns according to
// the current slices. Leads arrive sorted by descending score so higher-
// priority campaigns receive the stronger leads first.
func (a *Allocator) Admit(tenantID string, leadIDs []string) (map[string][]string, error) {
	slices, err := a.Slice(tenantID, len(leadIDs))
	if err != nil {
		return nil, err
	}

	// Deterministic campaign order: by slice size desc, then ID.
	ids := make([]string, 0, len(slices))
	for id := range slices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if slices[ids[i]] != slices[ids[j]] {
			return slices[ids[i]] > slices[ids[j]]
		}
		return ids[i] < ids[j]
	})

	out := make(map[string][]string, len(ids))
	cursor := 0
	for _, id := range ids {
		n := slices[id]
		if cursor+n > len(leadIDs) {
			n = len(leadIDs) - cursor
		}
		out[id] = leadIDs[cursor : cursor+n]
		cursor += n
	}
	return out, nil
}

// rebalance applies one explicit priority change. The remaining campaigns
// are rescaled in proportion to their prior share of the remaining budget;
// campaigns pushed outside their band are pinned and the residue is
// redistributed among the rest, recursively, until the sum invariant holds
// or no campaign can absorb further adjustment.
func rebalance(current map[string]int, changedID string, value, min, max int) (map[string]int, error) {
	value = clamp(value, min, max)

	others := make([]string, 0, len(current)-1)
	for id := range current {
		if id != changedID {
			others = append(others, id)
		}
	}
	sort.Strings(others)

	if len(others) == 0 {
		if value != 100 {
			// A single campaign always holds the full pool.
			value = 100
		}
		return map[string]int{changedID: value}, nil
	}

	budget := 100 - value
	if budget < min*len(others) || budget > max*len(others) {
		return nil, fmt.Errorf("%w: %d%% leaves %d%% for %d campaigns", ErrInfeasible, value, budget, len(others))
	}

	priorTotal := 0
	for _, id := range others {
		priorTotal += current[id]
	}

	shares := make(map[string]float64, len(others))
	for _, id := range others {
		if priorTotal > 0 {
			shares[id] = float64(current[id]) / float64(priorTotal)
		} else {
			shares[id] = 1.0 / float64(len(others))
		}
	}

	scaled, err := distribute(others, shares, budget, min, max)
	if err != nil {
		return nil, err
	}

	scaled[changedID] = value
	return scaled, nil
}

// distribute splits budget across ids proportionally to shares, pinning any
// id that falls outside [min, max] and recursing on the remainder.
func distribute(ids []string, shares map[string]float64, budget, min, max int) (map[string]int, error) {
	out := make(map[string]int, len(ids))

	var pinnedBudget int
	var free []string
	for _, id := range ids {
		raw := shares[id] * float64(budget)
		switch {
		case raw < float64(min):
			out[id] = min
			pinnedBudget += min
		case raw > float64(max):
			out[id] = max
			pinnedBudget += max
		default:
			free = append(free, id)
		}
	}

	if len(free) == 0 {
		if pinnedBudget != budget {
			return nil, fmt.Errorf("%w: all campaigns pinned, %d%% unassignable", ErrInfeasible, budget-pinnedBudget)
		}
		return out, nil
	}

	if len(free) == len(ids) {
		// Nothing pinned: integer-round the proportional split directly.
		fractional := make(map[string]int, len(free))
		for _, id := range free {
			fractional[id] = int(shares[id] * 1000)
		}
		rounded := largestRemainder(fractional, budget)
		for id, v := range rounded {
			if v < min || v > max {
				// Rounding nudged a campaign out of band; pin and retry.
				return pinAndRetry(ids, shares, budget, min, max, id, clamp(v, min, max))
			}
			out[id] = v
		}
		return out, nil
	}

	// Re-normalize shares over the free set and distribute what's left.
	rest := budget - pinnedBudget
	var freeTotal float64
	for _, id := range free {
		freeTotal += shares[id]
	}
	sub := make(map[string]float64, len(free))
	for _, id := range free {
		if freeTotal > 0 {
			sub[id] = shares[id] / freeTotal
		} else {
			sub[id] = 1.0 / float64(len(free))
		}
	}
	inner, err := distribute(free, sub, rest, min, max)
	if err != nil {
		return nil, err
	}
	for id, v := range inner {
		out[id] = v
	}
	return out, nil
}

func pinAndRetry(ids []string, shares map[string]float64, budget, min, max int, pinID string, pinVal int) (map[string]int, error) {
	out := map[string]int{pinID: pinVal}
	var rest []string
	var restTotal float64
	for _, id := range ids {
		if id == pinID {
			continue
		}
		rest = append(rest, id)
		restTotal += shares[id]
	}
	if len(rest) == 0 {
		if pinVal != budget {
			return nil, ErrInfeasible
		}
		return out, nil
	}
	sub := make(map[string]float64, len(rest))
	for _, id := range rest {
		if restTotal > 0 {
			sub[id] = shares[id] / restTotal
		} else {
			sub[id] = 1.0 / float64(len(rest))
		}
	}
	inner, err := distribute(rest, sub, budget-pinVal, min, max)
	if err != nil {
		return nil, err
	}
	for id, v := range inner {
		out[id] = v
	}
	return out, nil
}

// normalize rescales an arbitrary weight map to sum to 100 within bounds.
func normalize(current map[string]int, min, max int) map[string]int {
	ids := make([]string, 0, len(current))
	total := 0
	for id, v := range current {
		ids = append(ids, id)
		total += v
	}
	sort.Strings(ids)

	if 100 < min*len(ids) || 100 > max*len(ids) {
		return nil
	}

	shares := make(map[string]float64, len(ids))
	for _, id := range ids {
		if total > 0 {
			shares[id] = float64(current[id]) / float64(total)
		} else {
			shares[id] = 1.0 / float64(len(ids))
		}
	}
	out, err := distribute(ids, shares, 100, min, max)
	if err != nil {
		return nil
	}
	return out
}

// largestRemainder rounds weight-proportional shares of total to integers
// that sum exactly to total. Ties break by descending remainder then ID for
// determinism.
func largestRemainder(weights map[string]int, total int) map[string]int {
	type entry struct {
		id        string
		floor     int
		remainder float64
	}

	var weightSum int
	ids := make([]string, 0, len(weights))
	for id, w := range weights {
		weightSum += w
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]int, len(weights))
	if total <= 0 || weightSum <= 0 {
		for _, id := range ids {
			out[id] = 0
		}
		return out
	}

	entries := make([]entry, 0, len(ids))
	assigned := 0
	for _, id := range ids {
		exact := float64(weights[id]) * float64(total) / float64(weightSum)
		fl := int(exact)
		entries = append(entries, entry{id: id, floor: fl, remainder: exact - float64(fl)})
		assigned += fl
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].remainder != entries[j].remainder {
			return entries[i].remainder > entries[j].remainder
		}
		return entries[i].id < entries[j].id
	})

	leftover := total - assigned
	for i := range entries {
		v := entries[i].floor
		if leftover > 0 {
			v++
			leftover--
		}
		out[entries[i].id] = v
	}
	return out
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
