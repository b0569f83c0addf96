package insert

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/plan"
	"github.com/apexfab/planforge/scheduling_plane/store"
)

const testFactory = "factory-osaka"

func newTestPlanner(t *testing.T, ttl time.Duration) (*Planner, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	issuer := plan.NewStoreIssuer(s)
	approval := plan.NewHMACApprovalChain("test-secret")
	return NewPlanner(s, issuer, approval, nil, nil, ttl), s
}

func seedFreeSlot(t *testing.T, s *store.MemoryStore, id, line string, start, end time.Time, capacity int) {
	t.Helper()
	slot := &store.InsertSlot{
		SlotID:      id,
		LineID:      line,
		WindowStart: start,
		WindowEnd:   end,
		Capacity:    capacity,
		State:       store.SlotFree,
	}
	if _, err := s.UpsertInsertSlot(context.Background(), testFactory, slot); err != nil {
		t.Fatalf("seed slot %s: %v", id, err)
	}
}

func urgentSpec(qty int, deadline time.Time) *UrgentOrderSpec {
	return &UrgentOrderSpec{
		OrderID:     "ord-urgent",
		ProductType: "product-x",
		Quantity:    qty,
		Deadline:    deadline,
		Priority:    1,
	}
}

func TestFindSlotsFiltersDeadlineAndCapacity(t *testing.T) {
	p, s := newTestPlanner(t, 0)
	ctx := context.Background()
	now := time.Now()

	seedFreeSlot(t, s, "slot-fit", "line-a", now.Add(2*time.Hour), now.Add(6*time.Hour), 80)
	seedFreeSlot(t, s, "slot-late", "line-a", now.Add(20*time.Hour), now.Add(24*time.Hour), 80)
	seedFreeSlot(t, s, "slot-small", "line-b", now.Add(2*time.Hour), now.Add(6*time.Hour), 10)

	slots, err := p.FindSlots(ctx, testFactory, urgentSpec(50, now.Add(8*time.Hour)))
	if err != nil {
		t.Fatalf("FindSlots: %v", err)
	}
	if len(slots) != 1 || slots[0].SlotID != "slot-fit" {
		t.Fatalf("expected only slot-fit, got %v", slotIDs(slots))
	}
	if slots[0].FitScore <= 0 {
		t.Fatalf("fit score not computed: %f", slots[0].FitScore)
	}
}

func TestFindSlotsValidatesSpec(t *testing.T) {
	p, _ := newTestPlanner(t, 0)
	spec := urgentSpec(0, time.Now().Add(time.Hour))
	if _, err := p.FindSlots(context.Background(), testFactory, spec); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

// When every feasible window needs a displacement that breaks a deadline, the
// default path offers nothing but the forced path still finds the window.
func TestUndeliverableDisplacementOnlyViaForce(t *testing.T) {
	p, s := newTestPlanner(t, 0)
	ctx := context.Background()
	now := time.Now()

	ws, we := now.Add(2*time.Hour), now.Add(6*time.Hour)
	seedFreeSlot(t, s, "slot-tight", "line-a", ws, we, 10)

	// Background work occupies the line; pushing it out misses its deadline.
	displaced := &store.Order{
		OrderID:     "ord-bg",
		ProductType: "product-y",
		Quantity:    60,
		Deadline:    now.Add(6*time.Hour + 30*time.Minute),
		Priority:    9,
	}
	if err := s.UpsertOrder(ctx, testFactory, displaced); err != nil {
		t.Fatalf("seed displaced order: %v", err)
	}
	if err := s.CreateProductionSlot(ctx, testFactory, &store.ProductionSlot{
		SlotID:       "pslot-bg",
		LineID:       "line-a",
		ProductType:  "product-y",
		WindowStart:  ws,
		WindowEnd:    we,
		OrderIDs:     []string{"ord-bg"},
		Capacity:     100,
		CapacityUsed: 60,
	}); err != nil {
		t.Fatalf("seed production slot: %v", err)
	}

	spec := urgentSpec(50, now.Add(7*time.Hour))

	slots, err := p.FindSlots(ctx, testFactory, spec)
	if err != nil {
		t.Fatalf("FindSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("default path offered an undeliverable displacement: %v", slotIDs(slots))
	}

	forcedPlan, ticket, err := p.ForceInsert(ctx, testFactory, "planner-1", spec)
	if err != nil {
		t.Fatalf("ForceInsert: %v", err)
	}
	if forcedPlan.Status != store.PlanPendingApproval {
		t.Fatalf("forced plan not pending approval: %s", forcedPlan.Status)
	}
	if len(forcedPlan.Warnings) == 0 {
		t.Fatal("forced plan carries no warnings")
	}
	if ticket == nil || ticket.Signature == "" {
		t.Fatal("approval ticket missing or unsigned")
	}

	// Forced insertion does not bind the schedule before approval.
	committed, _ := s.ListProductionSlots(ctx, testFactory, time.Time{}, time.Time{})
	if len(committed) != 1 {
		t.Fatalf("forced path mutated the schedule: %d committed slots", len(committed))
	}
}

// Shifting a committed slot delays everything in it, not just the orders
// picked to free capacity. A co-located order whose deadline cannot absorb the
// shift must block the default path even when every displacement candidate
// stays deliverable.
func TestConfirmRejectsWhenCoLocatedOrderMissesDeadline(t *testing.T) {
	p, s := newTestPlanner(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	ws, we := now.Add(2*time.Hour), now.Add(6*time.Hour)
	seedFreeSlot(t, s, "slot-shared", "line-a", ws, we, 10)

	// Low-priority filler that is safe to push out on its own.
	low := &store.Order{
		OrderID:     "ord-low",
		ProductType: "product-y",
		Quantity:    60,
		Deadline:    now.Add(72 * time.Hour),
		Priority:    9,
	}
	// High-priority work sharing the same committed slot, with no deadline
	// room for the shift. It is never a displacement candidate.
	high := &store.Order{
		OrderID:     "ord-high",
		ProductType: "product-y",
		Quantity:    20,
		Deadline:    we.Add(30 * time.Minute),
		Priority:    0,
	}
	for _, o := range []*store.Order{low, high} {
		if err := s.UpsertOrder(ctx, testFactory, o); err != nil {
			t.Fatalf("seed order %s: %v", o.OrderID, err)
		}
	}
	if err := s.CreateProductionSlot(ctx, testFactory, &store.ProductionSlot{
		SlotID:       "pslot-shared",
		LineID:       "line-a",
		ProductType:  "product-y",
		WindowStart:  ws,
		WindowEnd:    we,
		OrderIDs:     []string{"ord-low", "ord-high"},
		Capacity:     100,
		CapacityUsed: 80,
	}); err != nil {
		t.Fatalf("seed production slot: %v", err)
	}

	spec := urgentSpec(50, now.Add(7*time.Hour))

	slots, err := p.FindSlots(ctx, testFactory, spec)
	if err != nil {
		t.Fatalf("FindSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("default path offered a window that breaks a co-located deadline: %v", slotIDs(slots))
	}

	// The impact report covers the whole shifted slot and flags the break.
	report, err := p.AnalyzeImpact(ctx, testFactory, "slot-shared", spec)
	if err != nil {
		t.Fatalf("AnalyzeImpact: %v", err)
	}
	if report.AllDeliverable {
		t.Fatal("report missed the co-located deadline break")
	}
	var sawHigh bool
	for _, impact := range report.DisplacedOrders {
		if impact.OrderID == "ord-high" {
			sawHigh = true
			if impact.Deliverable {
				t.Fatal("ord-high marked deliverable despite the shift past its deadline")
			}
		}
	}
	if !sawHigh {
		t.Fatalf("ord-high absent from the impact list: %+v", report.DisplacedOrders)
	}

	// Even a live claim cannot push it through the default path.
	if _, err := p.Select(ctx, testFactory, "slot-shared", "planner-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := p.ConfirmInsert(ctx, testFactory, "slot-shared", "planner-1", spec); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	committed, _ := s.ListProductionSlots(ctx, testFactory, time.Time{}, time.Time{})
	if len(committed) != 1 || !committed[0].WindowEnd.Equal(we) {
		t.Fatalf("refused confirm still mutated the schedule: %+v", committed)
	}
}

func TestForceInsertNoWindowIsInfeasible(t *testing.T) {
	p, _ := newTestPlanner(t, 0)
	spec := urgentSpec(50, time.Now().Add(time.Hour))
	_, _, err := p.ForceInsert(context.Background(), testFactory, "planner-1", spec)
	if !errors.Is(err, store.ErrCapacityInfeasible) {
		t.Fatalf("expected ErrCapacityInfeasible, got %v", err)
	}
}

func TestSelectMutualExclusion(t *testing.T) {
	p, s := newTestPlanner(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	seedFreeSlot(t, s, "slot-1", "line-a", now.Add(2*time.Hour), now.Add(6*time.Hour), 50)

	if _, err := p.Select(ctx, testFactory, "slot-1", "planner-1"); err != nil {
		t.Fatalf("first select: %v", err)
	}
	if _, err := p.Select(ctx, testFactory, "slot-1", "planner-2"); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for second actor, got %v", err)
	}

	// The holder can refresh its own claim.
	refreshed, err := p.Select(ctx, testFactory, "slot-1", "planner-1")
	if err != nil {
		t.Fatalf("re-select by holder: %v", err)
	}
	if refreshed.SelectedBy != "planner-1" {
		t.Fatalf("claim moved: %s", refreshed.SelectedBy)
	}

	if _, err := p.Select(ctx, testFactory, "slot-missing", "planner-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLapsedClaimIsReclaimable(t *testing.T) {
	p, s := newTestPlanner(t, 10*time.Millisecond)
	ctx := context.Background()
	now := time.Now()
	seedFreeSlot(t, s, "slot-1", "line-a", now.Add(2*time.Hour), now.Add(6*time.Hour), 50)

	if _, err := p.Select(ctx, testFactory, "slot-1", "planner-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	time.Sleep(25 * time.Millisecond)

	// Lazy expiry on read: the lapsed claim does not block a new actor.
	claimed, err := p.Select(ctx, testFactory, "slot-1", "planner-2")
	if err != nil {
		t.Fatalf("select after lapse: %v", err)
	}
	if claimed.SelectedBy != "planner-2" {
		t.Fatalf("claim not transferred: %s", claimed.SelectedBy)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p, s := newTestPlanner(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	seedFreeSlot(t, s, "slot-1", "line-a", now.Add(2*time.Hour), now.Add(6*time.Hour), 50)

	// Releasing a FREE slot is a no-op.
	if err := p.Release(ctx, testFactory, "slot-1"); err != nil {
		t.Fatalf("release of FREE slot: %v", err)
	}

	if _, err := p.Select(ctx, testFactory, "slot-1", "planner-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := p.Release(ctx, testFactory, "slot-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	slot, _ := p.Get(ctx, testFactory, "slot-1")
	if slot.State != store.SlotFree || slot.SelectedBy != "" {
		t.Fatalf("slot not freed: %s %q", slot.State, slot.SelectedBy)
	}
	if err := p.Release(ctx, testFactory, "slot-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestConfirmInsertRequiresLiveClaim(t *testing.T) {
	p, s := newTestPlanner(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	seedFreeSlot(t, s, "slot-1", "line-a", now.Add(2*time.Hour), now.Add(6*time.Hour), 80)
	spec := urgentSpec(50, now.Add(8*time.Hour))

	// Unselected slot cannot be confirmed.
	if _, err := p.ConfirmInsert(ctx, testFactory, "slot-1", "planner-1", spec); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict without claim, got %v", err)
	}

	if _, err := p.Select(ctx, testFactory, "slot-1", "planner-1"); err != nil {
		t.Fatalf("select: %v", err)
	}

	// A different actor cannot confirm someone else's claim.
	if _, err := p.ConfirmInsert(ctx, testFactory, "slot-1", "planner-2", spec); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for wrong actor, got %v", err)
	}

	prodPlan, err := p.ConfirmInsert(ctx, testFactory, "slot-1", "planner-1", spec)
	if err != nil {
		t.Fatalf("ConfirmInsert: %v", err)
	}
	if prodPlan.Status != store.PlanBound {
		t.Fatalf("expected BOUND plan, got %s", prodPlan.Status)
	}
	if prodPlan.ConfirmationID != "slot:slot-1" {
		t.Fatalf("unexpected confirmation id %s", prodPlan.ConfirmationID)
	}

	// The insertion landed in the committed schedule and retired the slot.
	committed, _ := s.ListProductionSlots(ctx, testFactory, time.Time{}, time.Time{})
	if len(committed) != 1 || committed[0].OrderIDs[0] != "ord-urgent" {
		t.Fatalf("committed schedule wrong: %v", committed)
	}
	slot, _ := p.Get(ctx, testFactory, "slot-1")
	if slot.State != store.SlotExpired {
		t.Fatalf("slot not retired: %s", slot.State)
	}
}

func TestConfirmInsertInfeasibleQuantity(t *testing.T) {
	p, s := newTestPlanner(t, time.Minute)
	ctx := context.Background()
	now := time.Now()
	seedFreeSlot(t, s, "slot-1", "line-a", now.Add(2*time.Hour), now.Add(6*time.Hour), 10)

	if _, err := p.Select(ctx, testFactory, "slot-1", "planner-1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	spec := urgentSpec(500, now.Add(8*time.Hour))
	if _, err := p.ConfirmInsert(ctx, testFactory, "slot-1", "planner-1", spec); !errors.Is(err, store.ErrCapacityInfeasible) {
		t.Fatalf("expected ErrCapacityInfeasible, got %v", err)
	}

	// The failed confirm left no schedule mutation behind.
	committed, _ := s.ListProductionSlots(ctx, testFactory, time.Time{}, time.Time{})
	if len(committed) != 0 {
		t.Fatalf("infeasible confirm mutated the schedule: %d slots", len(committed))
	}
}

func TestAnalyzeImpactIsPure(t *testing.T) {
	p, s := newTestPlanner(t, 0)
	ctx := context.Background()
	now := time.Now()

	ws, we := now.Add(2*time.Hour), now.Add(6*time.Hour)
	seedFreeSlot(t, s, "slot-1", "line-a", ws, we, 10)
	if err := s.UpsertOrder(ctx, testFactory, &store.Order{
		OrderID:     "ord-bg",
		ProductType: "product-y",
		Quantity:    60,
		Deadline:    now.Add(48 * time.Hour),
		Priority:    9,
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if err := s.CreateProductionSlot(ctx, testFactory, &store.ProductionSlot{
		SlotID:       "pslot-bg",
		LineID:       "line-a",
		WindowStart:  ws,
		WindowEnd:    we,
		OrderIDs:     []string{"ord-bg"},
		Capacity:     100,
		CapacityUsed: 60,
	}); err != nil {
		t.Fatalf("seed production slot: %v", err)
	}

	spec := urgentSpec(50, now.Add(8*time.Hour))
	first, err := p.AnalyzeImpact(ctx, testFactory, "slot-1", spec)
	if err != nil {
		t.Fatalf("first AnalyzeImpact: %v", err)
	}
	second, err := p.AnalyzeImpact(ctx, testFactory, "slot-1", spec)
	if err != nil {
		t.Fatalf("second AnalyzeImpact: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("AnalyzeImpact not deterministic:\n%+v\n%+v", first, second)
	}
	if first.TotalAffected != 1 || !first.Feasible || !first.AllDeliverable {
		t.Fatalf("unexpected report: %+v", first)
	}

	// Pure: the slot and the schedule are untouched.
	slot, _ := p.Get(ctx, testFactory, "slot-1")
	if slot.State != store.SlotFree || slot.Version != 1 {
		t.Fatalf("AnalyzeImpact mutated the slot: state=%s version=%d", slot.State, slot.Version)
	}
}

func TestGenerateSlotsIdempotent(t *testing.T) {
	p, s := newTestPlanner(t, 0)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateProductionSlot(ctx, testFactory, &store.ProductionSlot{
		SlotID:       "pslot-1",
		LineID:       "line-a",
		WindowStart:  now.Add(time.Hour),
		WindowEnd:    now.Add(5 * time.Hour),
		OrderIDs:     []string{"ord-1"},
		Capacity:     100,
		CapacityUsed: 40,
	}); err != nil {
		t.Fatalf("seed production slot: %v", err)
	}

	created, err := p.GenerateSlots(ctx, testFactory, 24)
	if err != nil {
		t.Fatalf("GenerateSlots: %v", err)
	}
	if created == 0 {
		t.Fatal("no windows generated")
	}

	again, err := p.GenerateSlots(ctx, testFactory, 24)
	if err != nil {
		t.Fatalf("second GenerateSlots: %v", err)
	}
	if again != 0 {
		t.Fatalf("regeneration created %d duplicate windows", again)
	}

	if _, err := p.GenerateSlots(ctx, testFactory, 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for zero horizon, got %v", err)
	}
}

func TestCleanupExpiredIdempotent(t *testing.T) {
	p, s := newTestPlanner(t, time.Minute)
	ctx := context.Background()
	now := time.Now()

	stale := &store.InsertSlot{
		SlotID:      "slot-stale",
		LineID:      "line-a",
		WindowStart: now.Add(-2 * time.Hour),
		WindowEnd:   now.Add(time.Hour),
		Capacity:    50,
		State:       store.SlotFree,
	}
	if _, err := s.UpsertInsertSlot(ctx, testFactory, stale); err != nil {
		t.Fatalf("seed stale slot: %v", err)
	}

	n, err := p.CleanupExpired(ctx, testFactory)
	if err != nil || n != 1 {
		t.Fatalf("first cleanup: n=%d err=%v", n, err)
	}
	n, err = p.CleanupExpired(ctx, testFactory)
	if err != nil || n != 0 {
		t.Fatalf("second cleanup: n=%d err=%v", n, err)
	}
}

func slotIDs(slots []*store.InsertSlot) []string {
	ids := make([]string, len(slots))
	for i, s := range slots {
		ids[i] = s.SlotID
	}
	return ids
}
