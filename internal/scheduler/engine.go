package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Keiracom/Agency-OS-sub012/internal/compliance"
	"github.com/Keiracom/Agency-OS-sub012/internal/config"
	"github.com/Keiracom/Agency-OS-sub012/internal/domain"
	"github.com/Keiracom/Agency-OS-sub012/internal/pkg/logger"
)

// AttemptStore persists dispatch attempts. ClaimDue must hand each due
// attempt to exactly one worker across all replicas.
type AttemptStore interface {
	InsertAttempts(ctx context.Context, attempts []domain.DispatchAttempt) error
	ClaimDue(ctx context.Context, workerID string, limit int, now time.Time) ([]domain.DispatchAttempt, error)
	Update(ctx context.Context, a domain.DispatchAttempt) error
	Get(ctx context.Context, id string) (domain.DispatchAttempt, error)

	// PriorStepsSettled reports whether every attempt of the lead's sequence
	// with a lower step index is terminal.
	PriorStepsSettled(ctx context.Context, leadID, campaignID string, stepIndex int) (bool, error)

	// OpenForLead returns the lead's non-terminal attempts across campaigns.
	OpenForLead(ctx context.Context, leadID string) ([]domain.DispatchAttempt, error)

	// Promote moves eligible attempts to scheduled (approval flow).
	Promote(ctx context.Context, ids []string) error
}

// LeadStore is the slice of lead persistence the engine needs.
type LeadStore interface {
	Lead(ctx context.Context, id string) (domain.Lead, error)
	Suppress(ctx context.Context, leadID string, reason domain.SuppressionReason, at time.Time) error
	SetComplianceFlag(ctx context.Context, leadID string, flagged bool) error
}

// ResourceSelector picks an assigned unit for a dispatch.
type ResourceSelector interface {
	SelectAssigned(tenantID string, kind domain.ResourceKind) (domain.ResourceUnit, error)
}

// Capacity guards per-unit daily limits and in-flight exclusivity.
type Capacity interface {
	Reserve(ctx context.Context, unitID string, dailyLimit int) (bool, int64, error)
	Refund(ctx context.Context, unitID string) error
	TryLock(ctx context.Context, unitID string) (bool, error)
	Unlock(ctx context.Context, unitID string) error
}

// ComplianceGate screens an attempt right before dispatch.
type ComplianceGate interface {
	IsEligible(ctx context.Context, lead *domain.Lead, channel domain.Channel, localNow time.Time) (bool, string, error)
}

// Telemetry receives send and outcome counts for unit health tracking.
type Telemetry interface {
	RecordSend(unitID string)
	RecordOutcome(unitID string, outcome domain.Outcome)
}

// Engine is the dispatch worker pool. It claims due attempts in batches,
// screens them through compliance, reserves resource capacity, and hands
// them to the channel dispatchers.
type Engine struct {
	cfg      *config.Config
	store    AttemptStore
	leads    LeadStore
	pool     ResourceSelector
	capacity Capacity
	gate     ComplianceGate
	registry *Registry
	policy   *RetryPolicy
	health   Telemetry
	planner  *Planner
	signal   func(domain.ProvisioningSignal)

	workerID string
	now      func() time.Time

	// Stats
	totalDispatched int64
	totalDelivered  int64
	totalRetried    int64
	totalFailed     int64
	totalSuppressed int64
	totalDeferred   int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	paused  atomic.Bool
	mu      sync.RWMutex

	// First exhaustion-deferral time per attempt, for escalation.
	exhaustMu    sync.Mutex
	exhaustSince map[string]time.Time
}

// NewEngine wires the dispatch engine. health and signal may be nil.
func NewEngine(cfg *config.Config, store AttemptStore, leads LeadStore, pool ResourceSelector, capacity Capacity, gate ComplianceGate, registry *Registry, health Telemetry) *Engine {
	return &Engine{
		cfg:          cfg,
		store:        store,
		leads:        leads,
		pool:         pool,
		capacity:     capacity,
		gate:         gate,
		registry:     registry,
		policy:       NewRetryPolicy(cfg.Retry),
		health:       health,
		planner:      NewPlanner(cfg.Channels),
		workerID:     fmt.Sprintf("dispatch-%s", uuid.New().String()[:8]),
		now:          time.Now,
		exhaustSince: make(map[string]time.Time),
	}
}

// SetProvisioningSignal wires the escalation callback for prolonged
// resource exhaustion.
func (e *Engine) SetProvisioningSignal(fn func(domain.ProvisioningSignal)) {
	e.signal = fn
}

// AdmitLead plans and persists a lead's sequence for one campaign.
func (e *Engine) AdmitLead(ctx context.Context, lead domain.Lead, campaign domain.Campaign) (int, error) {
	attempts, err := e.planner.Plan(lead, campaign, e.now())
	if err != nil {
		return 0, err
	}
	if len(attempts) == 0 {
		return 0, nil
	}
	if err := e.store.InsertAttempts(ctx, attempts); err != nil {
		return 0, fmt.Errorf("enqueue sequence for lead %s: %w", lead.ID, err)
	}
	log.Printf("[Dispatch] Admitted lead %s into campaign %s (%d steps)", lead.ID, campaign.ID, len(attempts))
	return len(attempts), nil
}

// Approve promotes parked attempts of an approval-required campaign into
// the claim queue.
func (e *Engine) Approve(ctx context.Context, attemptIDs []string) error {
	return e.store.Promote(ctx, attemptIDs)
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	log.Printf("[Dispatch] Starting %d workers (batch_size=%d)", e.cfg.Scheduler.Workers, e.cfg.Scheduler.BatchSize)
	for i := 0; i < e.cfg.Scheduler.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
}

// Stop drains the pool. In-flight attempts finish; nothing new is claimed.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	log.Printf("[Dispatch] Stopped. dispatched=%d delivered=%d retried=%d failed=%d suppressed=%d deferred=%d",
		atomic.LoadInt64(&e.totalDispatched), atomic.LoadInt64(&e.totalDelivered),
		atomic.LoadInt64(&e.totalRetried), atomic.LoadInt64(&e.totalFailed),
		atomic.LoadInt64(&e.totalSuppressed), atomic.LoadInt64(&e.totalDeferred))
}

// Pause stops claiming new attempts. Level-triggered: workers check the
// flag each loop, finish what they hold, and idle until Resume.
func (e *Engine) Pause() {
	e.paused.Store(true)
	log.Printf("[Dispatch] Paused")
}

// Resume reopens claiming. Attempts that came due while paused are picked
// up on the next poll; nothing is replayed.
func (e *Engine) Resume() {
	e.paused.Store(false)
	log.Printf("[Dispatch] Resumed")
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// Stats returns cumulative dispatch counters.
func (e *Engine) Stats() map[string]int64 {
	return map[string]int64{
		"dispatched": atomic.LoadInt64(&e.totalDispatched),
		"delivered":  atomic.LoadInt64(&e.totalDelivered),
		"retried":    atomic.LoadInt64(&e.totalRetried),
		"failed":     atomic.LoadInt64(&e.totalFailed),
		"suppressed": atomic.LoadInt64(&e.totalSuppressed),
		"deferred":   atomic.LoadInt64(&e.totalDeferred),
	}
}

func (e *Engine) worker(workerNum int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		if e.paused.Load() {
			e.sleep(e.cfg.Scheduler.PollInterval())
			continue
		}

		attempts, err := e.claimBatch()
		if err != nil {
			log.Printf("[Dispatch] Worker %d: claim failed: %v", workerNum, err)
			e.sleep(time.Second)
			continue
		}
		if len(attempts) == 0 {
			e.sleep(e.cfg.Scheduler.PollInterval())
			continue
		}

		for _, a := range attempts {
			if err := e.process(a); err != nil {
				log.Printf("[Dispatch] Worker %d: attempt %s: %v", workerNum, a.ID, err)
			}
		}
	}
}

func (e *Engine) sleep(d time.Duration) {
	select {
	case <-e.ctx.Done():
	case <-time.After(d):
	}
}

func (e *Engine) claimBatch() ([]domain.DispatchAttempt, error) {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	return e.store.ClaimDue(ctx, e.workerID, e.cfg.Scheduler.BatchSize, e.now())
}

// process runs one claimed attempt through compliance, capacity, and the
// channel dispatcher. Exported through ProcessAttempt for the tests and the
// manual-dispatch API.
func (e *Engine) process(a domain.DispatchAttempt) error {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	return e.ProcessAttempt(ctx, a)
}

// ProcessAttempt executes one due attempt.
func (e *Engine) ProcessAttempt(ctx context.Context, a domain.DispatchAttempt) error {
	now := e.now()

	lead, err := e.leads.Lead(ctx, a.LeadID)
	if err != nil {
		return fmt.Errorf("load lead %s: %w", a.LeadID, err)
	}

	// In-sequence ordering: a step never fires while an earlier step of the
	// same sequence is still open.
	settled, err := e.store.PriorStepsSettled(ctx, a.LeadID, a.CampaignID, a.StepIndex)
	if err != nil {
		return fmt.Errorf("check prior steps for attempt %s: %w", a.ID, err)
	}
	if !settled {
		return e.reschedule(ctx, a, e.cfg.Scheduler.PollInterval(), "awaiting_prior_step")
	}

	localNow := compliance.LocalTime(&lead, now)
	ok, reason, err := e.gate.IsEligible(ctx, &lead, a.Channel, localNow)
	if err != nil {
		return fmt.Errorf("compliance check for attempt %s: %w", a.ID, err)
	}
	if !ok {
		return e.handleComplianceDenial(ctx, a, lead, reason, localNow)
	}

	unit, err := e.pool.SelectAssigned(a.TenantID, domain.ResourceKindFor(a.Channel))
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			return e.deferExhausted(ctx, a)
		}
		return err
	}

	locked, err := e.capacity.TryLock(ctx, unit.ID)
	if err != nil {
		return err
	}
	if !locked {
		// Another worker is mid-dispatch on this unit.
		return e.reschedule(ctx, a, e.cfg.Scheduler.PollInterval(), "unit_busy")
	}
	defer e.capacity.Unlock(ctx, unit.ID)

	allowed, _, err := e.capacity.Reserve(ctx, unit.ID, unit.DailyLimit)
	if err != nil {
		return err
	}
	if !allowed {
		return e.deferExhausted(ctx, a)
	}

	dispatcher, err := e.registry.Dispatcher(a.Channel)
	if err != nil {
		e.capacity.Refund(ctx, unit.ID)
		return err
	}

	a.State = domain.AttemptDispatched
	a.AttemptCount++
	a.ResourceUnitID = unit.ID
	a.ReasonCode = ""
	a.NextRetryAt = nil
	a.UpdatedAt = now
	if err := e.store.Update(ctx, a); err != nil {
		e.capacity.Refund(ctx, unit.ID)
		return fmt.Errorf("mark attempt %s dispatched: %w", a.ID, err)
	}
	e.clearExhaustion(a.ID)
	atomic.AddInt64(&e.totalDispatched, 1)
	if e.health != nil {
		e.health.RecordSend(unit.ID)
	}

	result, err := dispatcher.Send(ctx, unit, lead, a)
	if err != nil {
		return e.handleSendError(ctx, a, lead, unit, err)
	}
	if result.ProviderID != "" {
		a.ProviderID = result.ProviderID
	}
	return e.ApplyOutcome(ctx, a, result.Outcome)
}

// handleComplianceDenial resolves a gate rejection: permanent reasons close
// the attempt, time-window reasons push it to the next permitted window.
func (e *Engine) handleComplianceDenial(ctx context.Context, a domain.DispatchAttempt, lead domain.Lead, reason string, localNow time.Time) error {
	switch reason {
	case compliance.ReasonQuietHours, compliance.ReasonLunchWindow, compliance.ReasonWeekend:
		delay := nextWindowDelay(reason, localNow, e.cfg.Compliance)
		return e.reschedule(ctx, a, delay, reason)
	default:
		// Suppressed lead, DNC hit, or channel flag. Never dispatched.
		logger.Error("dispatch blocked by compliance",
			"attempt_id", a.ID,
			"lead_id", a.LeadID,
			"channel", string(a.Channel),
			"reason", reason,
		)
		if reason == compliance.ReasonDNCListed && !lead.ComplianceFlagged {
			// Remember the registry hit on the lead so the planner stops
			// scheduling regulated channels for it.
			if err := e.leads.SetComplianceFlag(ctx, lead.ID, true); err != nil {
				log.Printf("[Dispatch] Failed to flag lead %s after DNC hit: %v", lead.ID, err)
			}
		}
		return e.closeAttempt(ctx, a, domain.AttemptSuppressed, reason)
	}
}

// handleSendError applies the dispatcher error taxonomy.
func (e *Engine) handleSendError(ctx context.Context, a domain.DispatchAttempt, lead domain.Lead, unit domain.ResourceUnit, err error) error {
	switch {
	case errors.Is(err, domain.ErrComplianceViolation):
		logger.Error("dispatcher reported compliance violation",
			"attempt_id", a.ID,
			"lead_id", a.LeadID,
			"channel", string(a.Channel),
			"error", err.Error(),
		)
		return e.closeAttempt(ctx, a, domain.AttemptSuppressed, "compliance_violation")

	case errors.Is(err, domain.ErrPermanent):
		if sErr := e.suppressLead(ctx, lead, domain.ReasonRestriction); sErr != nil {
			log.Printf("[Dispatch] Failed to suppress lead %s: %v", lead.ID, sErr)
		}
		return e.closeAttempt(ctx, a, domain.AttemptSuppressed, "permanent_failure")

	case errors.Is(err, domain.ErrResourceExhausted):
		e.capacity.Refund(ctx, unit.ID)
		return e.deferExhausted(ctx, a)

	default:
		// Transient or unclassified: charge it to the unit and retry.
		if e.health != nil {
			e.health.RecordOutcome(unit.ID, domain.OutcomeProviderError)
		}
		return e.retryOrFail(ctx, a, domain.OutcomeProviderError)
	}
}

// ApplyOutcome advances an attempt's state machine from a dispatch result
// or an inbound provider event.
func (e *Engine) ApplyOutcome(ctx context.Context, a domain.DispatchAttempt, outcome domain.Outcome) error {
	if e.health != nil && a.ResourceUnitID != "" {
		e.health.RecordOutcome(a.ResourceUnitID, outcome)
	}

	switch {
	case outcome == domain.OutcomeAccepted:
		// Await the provider's delivery event. The provider id must land in
		// the store or the webhook can't resolve the attempt later.
		a.UpdatedAt = e.now()
		return e.store.Update(ctx, a)

	case outcome == domain.OutcomeDelivered || outcome == domain.OutcomeVoicemail || outcome == domain.OutcomeAnswered:
		atomic.AddInt64(&e.totalDelivered, 1)
		return e.closeAttempt(ctx, a, domain.AttemptDelivered, string(outcome))

	case outcome == domain.OutcomeReplied:
		if err := e.closeAttempt(ctx, a, domain.AttemptReplied, string(outcome)); err != nil {
			return err
		}
		return e.stopSequence(ctx, a.LeadID, "lead_replied")

	case outcome.Permanent():
		lead, err := e.leads.Lead(ctx, a.LeadID)
		if err == nil {
			if sErr := e.suppressLead(ctx, lead, suppressionFor(outcome)); sErr != nil {
				log.Printf("[Dispatch] Failed to suppress lead %s: %v", lead.ID, sErr)
			}
		}
		state := domain.AttemptSuppressed
		if outcome == domain.OutcomeHardBounce {
			state = domain.AttemptBounced
		}
		if err := e.closeAttempt(ctx, a, state, string(outcome)); err != nil {
			return err
		}
		return e.stopSequence(ctx, a.LeadID, string(outcome))

	case outcome.Transient():
		return e.retryOrFail(ctx, a, outcome)

	default:
		return fmt.Errorf("unhandled outcome %q for attempt %s", outcome, a.ID)
	}
}

// retryOrFail schedules the next try per the channel's backoff table, or
// fails the attempt once the budget is spent.
func (e *Engine) retryOrFail(ctx context.Context, a domain.DispatchAttempt, outcome domain.Outcome) error {
	if e.policy.Exhausted(a) {
		atomic.AddInt64(&e.totalFailed, 1)
		return e.closeAttempt(ctx, a, domain.AttemptFailed, string(outcome))
	}

	delay := e.policy.Delay(a.Channel, outcome, a.AttemptCount)
	next := e.now().Add(delay)
	a.State = domain.AttemptScheduled
	a.NextRetryAt = &next
	a.ScheduledFor = next
	a.ReasonCode = string(outcome)
	a.UpdatedAt = e.now()
	atomic.AddInt64(&e.totalRetried, 1)
	log.Printf("[Dispatch] Retrying attempt %s (%s, try %d) in %s", a.ID, outcome, a.AttemptCount+1, delay)
	return e.store.Update(ctx, a)
}

// reschedule pushes a scheduled attempt forward without consuming a try.
func (e *Engine) reschedule(ctx context.Context, a domain.DispatchAttempt, delay time.Duration, reason string) error {
	a.State = domain.AttemptScheduled
	a.ScheduledFor = e.now().Add(delay)
	a.ReasonCode = reason
	a.UpdatedAt = e.now()
	atomic.AddInt64(&e.totalDeferred, 1)
	return e.store.Update(ctx, a)
}

// deferExhausted defers on capacity denial and escalates when the same
// attempt has been starved past the alert window.
func (e *Engine) deferExhausted(ctx context.Context, a domain.DispatchAttempt) error {
	now := e.now()

	e.exhaustMu.Lock()
	first, seen := e.exhaustSince[a.ID]
	if !seen {
		first = now
		e.exhaustSince[a.ID] = now
	}
	e.exhaustMu.Unlock()

	starved := now.Sub(first)
	if starved >= time.Duration(e.cfg.Scheduler.ExhaustionAlertHours)*time.Hour {
		logger.Error("attempt starved of resources past alert window",
			"attempt_id", a.ID,
			"tenant_id", a.TenantID,
			"channel", string(a.Channel),
			"starved_for", starved.String(),
		)
		if e.signal != nil {
			e.signal(domain.ProvisioningSignal{
				Kind:     domain.ResourceKindFor(a.Channel),
				TenantID: a.TenantID,
				RaisedAt: now,
			})
		}
	}
	return e.reschedule(ctx, a, time.Duration(e.cfg.Scheduler.ExhaustionDeferMins)*time.Minute, "resource_exhausted")
}

func (e *Engine) clearExhaustion(attemptID string) {
	e.exhaustMu.Lock()
	delete(e.exhaustSince, attemptID)
	e.exhaustMu.Unlock()
}

// closeAttempt writes a terminal state.
func (e *Engine) closeAttempt(ctx context.Context, a domain.DispatchAttempt, state domain.AttemptState, reason string) error {
	a.State = state
	a.ReasonCode = reason
	a.NextRetryAt = nil
	a.UpdatedAt = e.now()
	if state == domain.AttemptSuppressed {
		atomic.AddInt64(&e.totalSuppressed, 1)
	}
	e.clearExhaustion(a.ID)
	return e.store.Update(ctx, a)
}

// stopSequence closes the lead's remaining open attempts everywhere. Runs
// after a reply or a permanent failure.
func (e *Engine) stopSequence(ctx context.Context, leadID, reason string) error {
	open, err := e.store.OpenForLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load open attempts for lead %s: %w", leadID, err)
	}
	for _, o := range open {
		if err := e.closeAttempt(ctx, o, domain.AttemptSuppressed, reason); err != nil {
			return err
		}
	}
	if len(open) > 0 {
		log.Printf("[Dispatch] Stopped %d open attempts for lead %s (%s)", len(open), leadID, reason)
	}
	return nil
}

func (e *Engine) suppressLead(ctx context.Context, lead domain.Lead, reason domain.SuppressionReason) error {
	if lead.Suppressed {
		return nil
	}
	log.Printf("[Dispatch] Suppressing lead %s (%s)", lead.ID, reason)
	return e.leads.Suppress(ctx, lead.ID, reason, e.now())
}

func suppressionFor(outcome domain.Outcome) domain.SuppressionReason {
	switch outcome {
	case domain.OutcomeHardBounce:
		return domain.ReasonHardBounce
	case domain.OutcomeOptOut:
		return domain.ReasonOptOut
	case domain.OutcomeComplaint:
		return domain.ReasonComplaint
	default:
		return domain.ReasonRestriction
	}
}

// nextWindowDelay computes how long to wait for the next permitted contact
// window, given the lead's local clock.
func nextWindowDelay(reason string, localNow time.Time, cfg config.ComplianceConfig) time.Duration {
	switch reason {
	case compliance.ReasonLunchWindow:
		target := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), cfg.VoiceLunchEnd, 0, 0, 0, localNow.Location())
		return target.Sub(localNow)

	case compliance.ReasonWeekend:
		days := 1
		if localNow.Weekday() == time.Saturday {
			days = 2
		}
		target := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), cfg.QuietHoursStart, 0, 0, 0, localNow.Location()).AddDate(0, 0, days)
		return target.Sub(localNow)

	default: // quiet hours
		target := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), cfg.QuietHoursStart, 0, 0, 0, localNow.Location())
		if !target.After(localNow) {
			target = target.AddDate(0, 0, 1)
		}
		return target.Sub(localNow)
	}
}
