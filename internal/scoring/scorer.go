// Package scoring computes the Agency Lead Score (ALS): a deterministic
// 0-100 composite over five weighted signal dimensions, and the tier
// derived from it. The scorer owns Lead.Score/Tier; nothing else writes them.
package scoring

import (
	"log"
	"math"
	"time"

	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
)

// Dimension names used in warnings and logs.
const (
	DimDataQuality = "data_quality"
	DimAuthority   = "authority"
	DimCompanyFit  = "company_fit"
	DimTiming      = "timing"
	DimRisk        = "risk"
)

// Trigger identifies what caused a recomputation.
type Trigger string

const (
	TriggerEnrichment Trigger = "enrichment"
	TriggerReply      Trigger = "inbound_reply"
	TriggerDecay      Trigger = "time_decay"
	TriggerManual     Trigger = "manual"
)

// Inputs carries the raw dimension signals, each normalized to [0,1] by the
// enrichment pipeline. Nil means the signal is missing and the dimension
// falls back to its midpoint; values outside [0,1] or NaN are treated the
// same way and recorded as a data-quality warning.
type Inputs struct {
	DataQuality *float64
	Authority   *float64
	CompanyFit  *float64
	Timing      *float64
	Risk        *float64
}

// Result is the outcome of one scoring pass.
type Result struct {
	Score    int
	Tier     domain.Tier
	Warnings []string // dimensions that fell back to midpoint
}

// TierChangeFunc is invoked when recomputation crosses a tier boundary.
type TierChangeFunc func(change domain.TierChange)

// Scorer computes ALS scores against a fixed config snapshot.
type Scorer struct {
	cfg          *config.Config
	onTierChange TierChangeFunc
	now          func() time.Time
}

// New creates a scorer. onTierChange may be nil.
func New(cfg *config.Config, onTierChange TierChangeFunc) *Scorer {
	return &Scorer{cfg: cfg, onTierChange: onTierChange, now: time.Now}
}

// Score computes the ALS score and tier for the given inputs. It is a pure
// function of its arguments: identical inputs always produce an identical
// result. It never fails; malformed dimensions degrade to midpoints.
func (s *Scorer) Score(in Inputs) Result {
	var warnings []string

	dim := func(name string, v *float64, weight int) float64 {
		val, ok := normalize(v)
		if !ok {
			warnings = append(warnings, name)
			val = 0.5
		}
		return val * float64(weight)
	}

	sc := s.cfg.Scoring
	raw := dim(DimDataQuality, in.DataQuality, sc.DataQualityWeight) +
		dim(DimAuthority, in.Authority, sc.AuthorityWeight) +
		dim(DimCompanyFit, in.CompanyFit, sc.CompanyFitWeight) +
		dim(DimTiming, in.Timing, sc.TimingWeight)
	raw -= dim(DimRisk, in.Risk, sc.RiskWeight)

	score := int(math.Round(raw))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Result{Score: score, Tier: s.cfg.TierFor(score), Warnings: warnings}
}

// normalize validates a raw dimension signal. Returns (value, ok).
func normalize(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

// Recompute scores the lead in place and emits a tier-change event when the
// lead crosses a tier boundary. Returns the result for callers that persist.
func (s *Scorer) Recompute(lead *domain.Lead, in Inputs, trigger Trigger) Result {
	res := s.Score(in)

	for _, w := range res.Warnings {
		log.Printf("[Scorer] Data-quality warning for lead %s: dimension %s fell back to midpoint (trigger=%s)", lead.ID, w, trigger)
	}

	oldTier := lead.Tier
	now := s.now()
	lead.Score = res.Score
	lead.Tier = res.Tier
	lead.LastScoredAt = &now

	if oldTier != "" && oldTier != res.Tier && s.onTierChange != nil {
		s.onTierChange(domain.TierChange{
			LeadID:   lead.ID,
			TenantID: lead.TenantID,
			OldTier:  oldTier,
			NewTier:  res.Tier,
			Score:    res.Score,
			At:       now,
		})
	}
	return res
}

// RescoreOnReply recomputes after an inbound reply. A reply is the
// strongest timing signal available, so the timing dimension is pinned to
// full; stored completeness carries data quality.
func (s *Scorer) RescoreOnReply(lead *domain.Lead) Result {
	full := 1.0
	return s.Recompute(lead, Inputs{
		DataQuality: &lead.Completeness,
		Timing:      &full,
	}, TriggerReply)
}

// ShouldRescoreOnEnrichment reports whether a completeness increase is large
// enough to trigger recomputation.
func (s *Scorer) ShouldRescoreOnEnrichment(oldCompleteness, newCompleteness float64) bool {
	return newCompleteness-oldCompleteness >= s.cfg.Scoring.EnrichmentTriggerDelta
}

// DecayDue reports whether the lead's score is stale enough for the
// scheduled time-decay rescore.
func (s *Scorer) DecayDue(lead *domain.Lead) bool {
	if lead.LastScoredAt == nil {
		return true
	}
	age := s.now().Sub(*lead.LastScoredAt)
	return age >= time.Duration(s.cfg.Scoring.DecayTickHours)*time.Hour
}
