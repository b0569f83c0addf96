// Package insert finds and commits insertion windows for urgent orders in an
// already-committed schedule.
package insert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/observability"
	"github.com/apexfab/planforge/scheduling_plane/plan"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/streaming"
	"github.com/apexfab/planforge/scheduling_plane/timeline"
	"github.com/apexfab/planforge/scheduling_plane/weights"
)

const (
	// DefaultSelectTTL is how long a SELECTED claim lasts before lapsing
	// back to FREE.
	DefaultSelectTTL = 5 * time.Minute

	// slotWindowHours is the width of generated candidate windows.
	slotWindowHours = 4

	// defaultLineCapacity applies to lines with no committed work to infer
	// capacity from.
	defaultLineCapacity = 100
)

// UrgentOrderSpec describes the urgent order an insertion is planned for.
type UrgentOrderSpec struct {
	OrderID     string    `json:"order_id"`
	ProductType string    `json:"product_type"`
	Quantity    int       `json:"quantity"`
	Deadline    time.Time `json:"deadline"`
	Process     string    `json:"process,omitempty"`
	Priority    int       `json:"priority"` // 0 (urgent) .. 10 (background)
}

func (s *UrgentOrderSpec) validate() error {
	if s.OrderID == "" {
		return store.Validationf("order_id is required")
	}
	if s.ProductType == "" {
		return store.Validationf("product_type is required")
	}
	if s.Quantity <= 0 {
		return store.Validationf("quantity must be positive, got %d", s.Quantity)
	}
	if s.Deadline.IsZero() {
		return store.Validationf("deadline is required")
	}
	return nil
}

// ImpactReport is the deterministic consequence summary for one candidate.
type ImpactReport struct {
	SlotID            string              `json:"slot_id"`
	Feasible          bool                `json:"feasible"`
	TotalAffected     int                 `json:"total_affected"`
	CumulativeDelay   time.Duration       `json:"cumulative_delay_ns"`
	CapacityHeadroom  int                 `json:"capacity_headroom"`
	AllDeliverable    bool                `json:"all_deliverable"`
	DisplacedOrders   []store.OrderImpact `json:"displaced_orders"`
	EvaluatedQuantity int                 `json:"evaluated_quantity"`
}

// Planner manages insert-slot candidates and their exclusive-claim lifecycle.
type Planner struct {
	store     store.Store
	issuer    plan.Issuer
	approval  plan.ApprovalChain
	events    streaming.Publisher
	trail     *timeline.Store
	selectTTL time.Duration
}

func NewPlanner(s store.Store, issuer plan.Issuer, approval plan.ApprovalChain, events streaming.Publisher, trail *timeline.Store, selectTTL time.Duration) *Planner {
	if selectTTL <= 0 {
		selectTTL = DefaultSelectTTL
	}
	return &Planner{
		store:     s,
		issuer:    issuer,
		approval:  approval,
		events:    events,
		trail:     trail,
		selectTTL: selectTTL,
	}
}

// FindSlots returns ranked candidate windows for the urgent order. Candidates
// that would make a displaced order miss its deadline are excluded here; they
// are reachable only through ForceInsert. Read-only.
func (p *Planner) FindSlots(ctx context.Context, factoryID string, spec *UrgentOrderSpec) ([]*store.InsertSlot, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	candidates, err := p.evaluateCandidates(ctx, factoryID, spec, false)
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// evaluateCandidates scores every offerable window for the spec. When
// allowUndeliverable is false, windows that displace an order past its
// deadline are dropped.
func (p *Planner) evaluateCandidates(ctx context.Context, factoryID string, spec *UrgentOrderSpec, allowUndeliverable bool) ([]*store.InsertSlot, error) {
	slots, err := p.store.ListInsertSlots(ctx, factoryID, store.SlotFree)
	if err != nil {
		return nil, err
	}
	weightSet, err := p.currentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var result []*store.InsertSlot
	for _, slot := range slots {
		if !now.Before(slot.WindowStart) {
			// Window already started; the sweep will retire it.
			continue
		}
		if slot.WindowEnd.After(spec.Deadline) {
			continue
		}
		if slot.Process != "" && spec.Process != "" && slot.Process != spec.Process {
			continue
		}

		report, err := p.assess(ctx, factoryID, slot, spec)
		if err != nil {
			return nil, err
		}
		if !report.Feasible {
			continue
		}
		if !report.AllDeliverable && !allowUndeliverable {
			continue
		}

		enriched := *slot
		enriched.Impact = report.DisplacedOrders
		enriched.FitScore = fitScore(slot, spec, report, weightSet)
		result = append(result, &enriched)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].FitScore != result[j].FitScore {
			return result[i].FitScore > result[j].FitScore
		}
		return result[i].WindowStart.Before(result[j].WindowStart)
	})
	return result, nil
}

// assess computes the displacement consequences of inserting spec into slot.
// Pure with respect to stored state.
func (p *Planner) assess(ctx context.Context, factoryID string, slot *store.InsertSlot, spec *UrgentOrderSpec) (*ImpactReport, error) {
	report := &ImpactReport{
		SlotID:            slot.SlotID,
		AllDeliverable:    true,
		EvaluatedQuantity: spec.Quantity,
	}

	needed := spec.Quantity - slot.Capacity
	if needed <= 0 {
		report.Feasible = true
		report.CapacityHeadroom = slot.Capacity - spec.Quantity
		return report, nil
	}

	// Not enough free capacity: try displacing lower-priority committed
	// orders that overlap the window on the same line.
	committed, err := p.store.ListProductionSlots(ctx, factoryID, slot.WindowStart, slot.WindowEnd)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		order    *store.Order
		prodSlot *store.ProductionSlot
	}
	var displacable []candidate
	for _, ps := range committed {
		if ps.LineID != slot.LineID {
			continue
		}
		for _, orderID := range ps.OrderIDs {
			o, err := p.store.GetOrder(ctx, factoryID, orderID)
			if err != nil {
				return nil, err
			}
			if o == nil || o.Priority <= spec.Priority {
				continue
			}
			displacable = append(displacable, candidate{order: o, prodSlot: ps})
		}
	}
	// Push out the lowest-priority work first.
	sort.Slice(displacable, func(i, j int) bool {
		return displacable[i].order.Priority > displacable[j].order.Priority
	})

	delay := slot.WindowEnd.Sub(slot.WindowStart)
	freed := 0
	assessed := make(map[string]bool)
	var shiftedSlots []*store.ProductionSlot
	shiftedSeen := make(map[string]bool)
	for _, c := range displacable {
		if freed >= needed {
			break
		}
		shiftedEnd := c.prodSlot.WindowEnd.Add(delay)
		impact := store.OrderImpact{
			OrderID:     c.order.OrderID,
			SlotID:      c.prodSlot.SlotID,
			Delay:       delay,
			Deliverable: !shiftedEnd.After(c.order.Deadline),
		}
		if !impact.Deliverable {
			report.AllDeliverable = false
		}
		report.DisplacedOrders = append(report.DisplacedOrders, impact)
		report.CumulativeDelay += delay
		freed += c.order.Quantity
		assessed[c.order.OrderID] = true
		if !shiftedSeen[c.prodSlot.SlotID] {
			shiftedSeen[c.prodSlot.SlotID] = true
			shiftedSlots = append(shiftedSlots, c.prodSlot)
		}
	}

	// A displacement moves the whole committed slot, so every co-located
	// order in a shifted slot is delayed too. Each one must pass the same
	// deadline check or the window is only reachable through the forced path.
	for _, ps := range shiftedSlots {
		shiftedEnd := ps.WindowEnd.Add(delay)
		for _, orderID := range ps.OrderIDs {
			if assessed[orderID] {
				continue
			}
			o, err := p.store.GetOrder(ctx, factoryID, orderID)
			if err != nil {
				return nil, err
			}
			if o == nil {
				continue
			}
			impact := store.OrderImpact{
				OrderID:     o.OrderID,
				SlotID:      ps.SlotID,
				Delay:       delay,
				Deliverable: !shiftedEnd.After(o.Deadline),
			}
			if !impact.Deliverable {
				report.AllDeliverable = false
			}
			report.DisplacedOrders = append(report.DisplacedOrders, impact)
			report.CumulativeDelay += delay
			assessed[orderID] = true
		}
	}
	report.TotalAffected = len(report.DisplacedOrders)
	report.Feasible = slot.Capacity+freed >= spec.Quantity
	report.CapacityHeadroom = slot.Capacity + freed - spec.Quantity
	return report, nil
}

// AnalyzeImpact re-evaluates one candidate's consequences. Pure and
// repeatable: identical inputs give identical output and no state changes.
func (p *Planner) AnalyzeImpact(ctx context.Context, factoryID, slotID string, spec *UrgentOrderSpec) (*ImpactReport, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	slot, err := p.store.GetInsertSlot(ctx, factoryID, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, fmt.Errorf("%w: slot %s", store.ErrNotFound, slotID)
	}
	return p.assess(ctx, factoryID, slot, spec)
}

// Get returns one insert slot.
func (p *Planner) Get(ctx context.Context, factoryID, slotID string) (*store.InsertSlot, error) {
	slot, err := p.store.GetInsertSlot(ctx, factoryID, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, fmt.Errorf("%w: slot %s", store.ErrNotFound, slotID)
	}
	return slot, nil
}

// Select takes the exclusive claim on a slot for the acting planner. A slot
// whose previous claim lapsed is claimable immediately (lazy expiry); one
// held by another actor fails with a state conflict.
func (p *Planner) Select(ctx context.Context, factoryID, slotID, actorID string) (*store.InsertSlot, error) {
	if actorID == "" {
		return nil, store.Validationf("actor_id is required to select a slot")
	}
	slot, err := p.store.GetInsertSlot(ctx, factoryID, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, fmt.Errorf("%w: slot %s", store.ErrNotFound, slotID)
	}

	now := time.Now()
	switch {
	case slot.State == store.SlotExpired:
		return nil, store.Conflictf("slot %s is expired", slotID)
	case slot.State == store.SlotSelected && !slot.ClaimLapsed(now):
		if slot.SelectedBy == actorID {
			// Re-select by the holder refreshes the TTL.
			break
		}
		observability.SlotClaims.WithLabelValues(factoryID, "conflict").Inc()
		return nil, store.Conflictf("slot %s already selected by %s", slotID, slot.SelectedBy)
	}

	claimed := *slot
	claimed.State = store.SlotSelected
	claimed.SelectedBy = actorID
	claimed.SelectedUntil = now.Add(p.selectTTL)
	if err := p.store.CASInsertSlot(ctx, factoryID, &claimed, slot.Version); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			observability.SlotClaims.WithLabelValues(factoryID, "conflict").Inc()
			observability.VersionedWriteConflict.Inc()
		}
		return nil, err
	}
	observability.VersionedWriteSuccess.Inc()
	observability.SlotClaims.WithLabelValues(factoryID, "claimed").Inc()
	p.record(factoryID, slotID, "SELECTED", actorID, nil)
	return &claimed, nil
}

// Release clears a slot's selection unconditionally. Releasing a FREE slot is
// a no-op, not an error.
func (p *Planner) Release(ctx context.Context, factoryID, slotID string) error {
	slot, err := p.store.GetInsertSlot(ctx, factoryID, slotID)
	if err != nil {
		return err
	}
	if slot == nil {
		return fmt.Errorf("%w: slot %s", store.ErrNotFound, slotID)
	}
	if slot.State != store.SlotSelected {
		return nil
	}

	released := *slot
	released.State = store.SlotFree
	released.SelectedBy = ""
	released.SelectedUntil = time.Time{}
	if err := p.store.CASInsertSlot(ctx, factoryID, &released, slot.Version); err != nil {
		return err
	}
	observability.SlotClaims.WithLabelValues(factoryID, "released").Inc()
	p.record(factoryID, slotID, "RELEASED", "", nil)
	return nil
}

// ConfirmInsert binds the urgent order into the selected window: it creates
// the committed slot, shifts displaced work, issues the plan and retires the
// candidate. The caller must hold a live SELECTED claim; the forced path is
// the only bypass. On partial failure the committed mutations are
// compensated.
func (p *Planner) ConfirmInsert(ctx context.Context, factoryID, slotID, actorID string, spec *UrgentOrderSpec) (*store.ProductionPlan, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	slot, err := p.store.GetInsertSlot(ctx, factoryID, slotID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, fmt.Errorf("%w: slot %s", store.ErrNotFound, slotID)
	}
	now := time.Now()
	if slot.State != store.SlotSelected || slot.ClaimLapsed(now) {
		return nil, store.Conflictf("slot %s is not held: state %s", slotID, slot.State)
	}
	if slot.SelectedBy != actorID {
		return nil, store.Conflictf("slot %s is selected by %s", slotID, slot.SelectedBy)
	}

	report, err := p.assess(ctx, factoryID, slot, spec)
	if err != nil {
		return nil, err
	}
	if !report.Feasible {
		return nil, fmt.Errorf("%w: slot %s cannot absorb quantity %d", store.ErrCapacityInfeasible, slotID, spec.Quantity)
	}
	if !report.AllDeliverable {
		return nil, store.Conflictf("slot %s would make displaced orders undeliverable; use the forced path", slotID)
	}

	committed, shifts, err := p.bindSchedule(ctx, factoryID, slot, spec, report)
	if err != nil {
		return nil, err
	}

	prodPlan, err := p.issuer.IssueInsertPlan(ctx, factoryID, slot, spec.OrderID, actorID, store.PlanBound, nil)
	if err != nil {
		p.unbindSchedule(ctx, factoryID, committed, shifts)
		return nil, err
	}

	p.consumeOrderIfStored(ctx, factoryID, spec.OrderID)

	retired := *slot
	retired.State = store.SlotExpired
	if err := p.store.CASInsertSlot(ctx, factoryID, &retired, slot.Version); err != nil {
		// The plan is already issued and idempotent; a lost race here only
		// delays retirement until the sweep.
		log.Printf("Planner: failed to retire slot %s after confirm: %v", slotID, err)
	}

	observability.SlotConfirmations.WithLabelValues(factoryID, "default").Inc()
	p.record(factoryID, slotID, "CONFIRMED", actorID, map[string]string{"plan_id": prodPlan.PlanID, "order_id": spec.OrderID})
	p.publish(ctx, "slot_confirmed", map[string]interface{}{
		"factory_id": factoryID,
		"slot_id":    slotID,
		"plan_id":    prodPlan.PlanID,
	})
	return prodPlan, nil
}

// bindSchedule writes the committed slot for the urgent order and shifts the
// displaced slots. Returns what was written so a failed confirm can undo it.
func (p *Planner) bindSchedule(ctx context.Context, factoryID string, slot *store.InsertSlot, spec *UrgentOrderSpec, report *ImpactReport) (*store.ProductionSlot, []*store.ProductionSlot, error) {
	committed := &store.ProductionSlot{
		SlotID:       plan.NewID("pslot"),
		LineID:       slot.LineID,
		ProductType:  spec.ProductType,
		Process:      spec.Process,
		WindowStart:  slot.WindowStart,
		WindowEnd:    slot.WindowEnd,
		OrderIDs:     []string{spec.OrderID},
		Capacity:     spec.Quantity,
		CapacityUsed: spec.Quantity,
		CreatedAt:    time.Now(),
	}
	if err := p.store.CreateProductionSlot(ctx, factoryID, committed); err != nil {
		return nil, nil, err
	}

	var shifted []*store.ProductionSlot
	byID := make(map[string]bool)
	for _, impact := range report.DisplacedOrders {
		if byID[impact.SlotID] {
			continue
		}
		byID[impact.SlotID] = true

		original, err := p.loadProductionSlot(ctx, factoryID, impact.SlotID)
		if err != nil {
			p.unbindSchedule(ctx, factoryID, committed, shifted)
			return nil, nil, err
		}
		moved := *original
		moved.WindowStart = original.WindowStart.Add(impact.Delay)
		moved.WindowEnd = original.WindowEnd.Add(impact.Delay)
		if err := p.store.ReplaceProductionSlot(ctx, factoryID, &moved, original.Version); err != nil {
			p.unbindSchedule(ctx, factoryID, committed, shifted)
			return nil, nil, err
		}
		shifted = append(shifted, original)
	}
	return committed, shifted, nil
}

// unbindSchedule reverses bindSchedule after a downstream failure.
func (p *Planner) unbindSchedule(ctx context.Context, factoryID string, committed *store.ProductionSlot, shifted []*store.ProductionSlot) {
	if err := p.store.DeleteProductionSlot(ctx, factoryID, committed.SlotID); err != nil {
		log.Printf("Planner: rollback of committed slot %s failed: %v", committed.SlotID, err)
	}
	for _, original := range shifted {
		current, err := p.loadProductionSlot(ctx, factoryID, original.SlotID)
		if err != nil {
			log.Printf("Planner: rollback read of slot %s failed: %v", original.SlotID, err)
			continue
		}
		restore := *original
		if err := p.store.ReplaceProductionSlot(ctx, factoryID, &restore, current.Version); err != nil {
			log.Printf("Planner: rollback of shifted slot %s failed: %v", original.SlotID, err)
		}
	}
}

func (p *Planner) loadProductionSlot(ctx context.Context, factoryID, slotID string) (*store.ProductionSlot, error) {
	all, err := p.store.ListProductionSlots(ctx, factoryID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, ps := range all {
		if ps.SlotID == slotID {
			return ps, nil
		}
	}
	return nil, fmt.Errorf("%w: production slot %s", store.ErrNotFound, slotID)
}

// ForceInsert is the escape hatch for unavoidable conflicts: it evaluates
// windows even when displaced orders become undeliverable, and produces a
// plan parked behind the approval chain instead of binding the schedule. The
// schedule itself is only mutated once the approval lands (outside this
// core).
func (p *Planner) ForceInsert(ctx context.Context, factoryID, actorID string, spec *UrgentOrderSpec) (*store.ProductionPlan, *plan.ApprovalTicket, error) {
	if err := spec.validate(); err != nil {
		return nil, nil, err
	}

	candidates, err := p.evaluateCandidates(ctx, factoryID, spec, true)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no window can absorb order %s even with displacement", store.ErrCapacityInfeasible, spec.OrderID)
	}
	chosen := candidates[0]

	var warnings []string
	for _, impact := range chosen.Impact {
		if !impact.Deliverable {
			warnings = append(warnings, fmt.Sprintf("order %s becomes undeliverable (delayed %s)", impact.OrderID, impact.Delay))
		}
	}
	warnings = append(warnings, fmt.Sprintf("forced insertion into slot %s pending approval", chosen.SlotID))

	prodPlan, err := p.issuer.IssueInsertPlan(ctx, factoryID, chosen, spec.OrderID, actorID, store.PlanPendingApproval, warnings)
	if err != nil {
		return nil, nil, err
	}

	ticket, err := p.approval.Submit(factoryID, chosen.SlotID, spec.OrderID, actorID, "forced insertion with displacement")
	if err != nil {
		return nil, nil, fmt.Errorf("submit approval ticket: %w", err)
	}

	observability.SlotConfirmations.WithLabelValues(factoryID, "forced").Inc()
	p.record(factoryID, chosen.SlotID, "FORCED", actorID, map[string]string{"plan_id": prodPlan.PlanID, "ticket_id": ticket.TicketID})
	p.publish(ctx, "slot_forced", map[string]interface{}{
		"factory_id": factoryID,
		"slot_id":    chosen.SlotID,
		"plan_id":    prodPlan.PlanID,
		"ticket_id":  ticket.TicketID,
	})
	return prodPlan, ticket, nil
}

// GenerateSlots materializes candidate windows over the horizon from the
// committed schedule's lines and headroom. Keyed by (line, window), so
// regeneration is idempotent and safe alongside Select/Release.
func (p *Planner) GenerateSlots(ctx context.Context, factoryID string, horizonHours int) (int, error) {
	if horizonHours <= 0 {
		return 0, store.Validationf("horizon must be positive, got %d hours", horizonHours)
	}

	now := time.Now()
	horizon := now.Add(time.Duration(horizonHours) * time.Hour)
	committed, err := p.store.ListProductionSlots(ctx, factoryID, now, horizon)
	if err != nil {
		return 0, err
	}

	// Infer lines and their capacity from committed work.
	lineCapacity := map[string]int{}
	lineProcess := map[string]string{}
	for _, ps := range committed {
		if ps.Capacity > lineCapacity[ps.LineID] {
			lineCapacity[ps.LineID] = ps.Capacity
		}
		if lineProcess[ps.LineID] == "" {
			lineProcess[ps.LineID] = ps.Process
		}
	}
	if len(lineCapacity) == 0 {
		lineCapacity["line-1"] = defaultLineCapacity
	}

	window := slotWindowHours * time.Hour
	start := now.Truncate(time.Hour).Add(time.Hour)
	created := 0

	for lineID, capacity := range lineCapacity {
		if capacity <= 0 {
			capacity = defaultLineCapacity
		}
		for ws := start; ws.Add(window).Before(horizon) || ws.Add(window).Equal(horizon); ws = ws.Add(window) {
			used := 0
			for _, ps := range committed {
				if ps.LineID != lineID {
					continue
				}
				if ps.WindowStart.Before(ws.Add(window)) && ps.WindowEnd.After(ws) {
					used += ps.CapacityUsed
				}
			}
			headroom := capacity - used
			if headroom <= 0 {
				continue
			}

			slot := &store.InsertSlot{
				SlotID:      plan.NewID("islot"),
				LineID:      lineID,
				Process:     lineProcess[lineID],
				WindowStart: ws,
				WindowEnd:   ws.Add(window),
				Capacity:    headroom,
				State:       store.SlotFree,
				CreatedAt:   now,
			}
			wasCreated, err := p.store.UpsertInsertSlot(ctx, factoryID, slot)
			if err != nil {
				// One bad window must not block the rest.
				log.Printf("Planner: generate window %s/%s failed: %v", lineID, ws.Format(time.RFC3339), err)
				continue
			}
			if wasCreated {
				created++
			}
		}
	}

	free, err := p.store.ListInsertSlots(ctx, factoryID, store.SlotFree)
	if err == nil {
		observability.FreeInsertSlots.WithLabelValues(factoryID).Set(float64(len(free)))
	}
	return created, nil
}

// CleanupExpired lapses stale claims and retires started windows. Idempotent.
func (p *Planner) CleanupExpired(ctx context.Context, factoryID string) (int, error) {
	count, err := p.store.ExpireInsertSlots(ctx, factoryID, time.Now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.SweepExpired.WithLabelValues(factoryID, "slot").Add(float64(count))
	}
	return count, nil
}

// --- helpers ---

// fitScore rates a candidate 0-100 with the shared strategy weights.
func fitScore(slot *store.InsertSlot, spec *UrgentOrderSpec, report *ImpactReport, w map[store.Strategy]float64) float64 {
	margin := spec.Deadline.Sub(slot.WindowEnd)
	horizon := spec.Deadline.Sub(time.Now())
	deadlineSignal := 0.0
	if horizon > 0 {
		deadlineSignal = clamp01(margin.Hours() / horizon.Hours())
	}

	capacitySignal := 0.0
	if slot.Capacity > 0 {
		capacitySignal = clamp01(float64(spec.Quantity) / float64(slot.Capacity))
	}

	changeoverSignal := 1.0
	if report.TotalAffected > 0 {
		changeoverSignal = clamp01(1 - float64(report.TotalAffected)/4.0)
	}

	urgencySignal := clamp01(float64(10-spec.Priority) / 10.0)

	processSignal := 1.0
	if slot.Process != "" && spec.Process != "" && slot.Process != spec.Process {
		processSignal = 0.0
	}

	delaySignal := 1.0
	if report.CumulativeDelay > 0 {
		delaySignal = clamp01(1 - report.CumulativeDelay.Hours()/24.0)
	}

	score := w[store.StrategyEarliestDeadline]*deadlineSignal +
		w[store.StrategyCapacityMatch]*capacitySignal +
		w[store.StrategyMinChangeover]*changeoverSignal +
		w[store.StrategyUrgencyFirst]*urgencySignal +
		w[store.StrategyShortestProcess]*processSignal +
		w[store.StrategyMaterialReady]*delaySignal
	return clamp01(score) * 100
}

func (p *Planner) currentWeights(ctx context.Context, factoryID string) (map[store.Strategy]float64, error) {
	w, err := p.store.GetWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return weights.Defaults(), nil
	}
	return w.Weights, nil
}

func (p *Planner) consumeOrderIfStored(ctx context.Context, factoryID, orderID string) {
	o, err := p.store.GetOrder(ctx, factoryID, orderID)
	if err != nil || o == nil {
		return
	}
	if err := p.store.MarkOrdersConsumed(ctx, factoryID, []string{orderID}, true); err != nil {
		log.Printf("Planner: failed to consume order %s: %v", orderID, err)
	}
}

func (p *Planner) record(factoryID, slotID, stage, actorID string, meta map[string]string) {
	if p.trail == nil {
		return
	}
	p.trail.Record(timeline.DecisionEvent{
		RefID:     slotID,
		Stage:     stage,
		FactoryID: factoryID,
		ActorID:   actorID,
		Metadata:  meta,
	})
}

func (p *Planner) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if p.events == nil {
		return
	}
	payload["event_type"] = eventType
	if err := p.events.Publish(ctx, streaming.TopicSlots, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(eventType, "publish_error").Inc()
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
