package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testFactory = "factory-osaka"

func seedOrder(t *testing.T, s *MemoryStore, id string, qty int, deadline time.Time) {
	t.Helper()
	err := s.UpsertOrder(context.Background(), testFactory, &Order{
		OrderID:     id,
		ProductType: "widget-x",
		Quantity:    qty,
		Deadline:    deadline,
		Priority:    5,
	})
	if err != nil {
		t.Fatalf("seed order %s: %v", id, err)
	}
}

func TestCreateGroupClaimsMembership(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	deadline := time.Now().Add(48 * time.Hour)
	seedOrder(t, s, "ord-1", 50, deadline)
	seedOrder(t, s, "ord-2", 40, deadline)
	seedOrder(t, s, "ord-3", 30, deadline)

	g1 := &MixedBatchGroup{
		GroupID:   "grp-1",
		OrderIDs:  []string{"ord-1", "ord-2"},
		Type:      RuleSameProduct,
		Status:    GroupPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.CreateGroup(ctx, testFactory, g1); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	// ord-2 is already held by a live group; the whole create must fail.
	g2 := &MixedBatchGroup{
		GroupID:   "grp-2",
		OrderIDs:  []string{"ord-2", "ord-3"},
		Type:      RuleSameProduct,
		Status:    GroupPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	err := s.CreateGroup(ctx, testFactory, g2)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	// Nothing was written: ord-3 is still free.
	g3 := &MixedBatchGroup{
		GroupID:   "grp-3",
		OrderIDs:  []string{"ord-3"},
		Type:      RuleSameProduct,
		Status:    GroupPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.CreateGroup(ctx, testFactory, g3); err != nil {
		t.Fatalf("CreateGroup after failed claim: %v", err)
	}
}

func TestCASGroupVersionConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, s, "ord-1", 50, time.Now().Add(48*time.Hour))

	g := &MixedBatchGroup{
		GroupID:   "grp-1",
		OrderIDs:  []string{"ord-1"},
		Type:      RuleSameProduct,
		Status:    GroupPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.CreateGroup(ctx, testFactory, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	now := time.Now()
	first := *g
	first.Status = GroupConfirmed
	first.ConfirmedAt = &now
	if err := s.CASGroup(ctx, testFactory, &first, 1); err != nil {
		t.Fatalf("first CAS: %v", err)
	}
	if first.Version != 2 {
		t.Fatalf("expected version 2, got %d", first.Version)
	}

	// A second writer still holding version 1 loses.
	second := *g
	second.Status = GroupRejected
	if err := s.CASGroup(ctx, testFactory, &second, 1); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	stored, err := s.GetGroup(ctx, testFactory, "grp-1")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if stored.Status != GroupConfirmed {
		t.Fatalf("loser overwrote winner: status %s", stored.Status)
	}
}

func TestExpireGroupsReleasesMembership(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, s, "ord-1", 50, time.Now().Add(48*time.Hour))

	g := &MixedBatchGroup{
		GroupID:   "grp-1",
		OrderIDs:  []string{"ord-1"},
		Type:      RuleSameProduct,
		Status:    GroupPending,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.CreateGroup(ctx, testFactory, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	n, err := s.ExpireGroups(ctx, testFactory, time.Now())
	if err != nil {
		t.Fatalf("ExpireGroups: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	// Idempotent: nothing left to expire.
	n, err = s.ExpireGroups(ctx, testFactory, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}

	stored, _ := s.GetGroup(ctx, testFactory, "grp-1")
	if stored.Status != GroupExpired {
		t.Fatalf("expected EXPIRED, got %s", stored.Status)
	}

	// The member order is free again.
	g2 := &MixedBatchGroup{
		GroupID:   "grp-2",
		OrderIDs:  []string{"ord-1"},
		Type:      RuleSameProduct,
		Status:    GroupPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.CreateGroup(ctx, testFactory, g2); err != nil {
		t.Fatalf("CreateGroup after expiry: %v", err)
	}
}

func TestMarkOrdersConsumedRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedOrder(t, s, "ord-1", 50, time.Now().Add(48*time.Hour))
	seedOrder(t, s, "ord-2", 40, time.Now().Add(48*time.Hour))

	if err := s.MarkOrdersConsumed(ctx, testFactory, []string{"ord-1", "ord-2"}, true); err != nil {
		t.Fatalf("consume: %v", err)
	}
	open, err := s.ListOpenOrders(ctx, testFactory)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open orders, got %d", len(open))
	}

	// Rollback path frees them again.
	if err := s.MarkOrdersConsumed(ctx, testFactory, []string{"ord-1", "ord-2"}, false); err != nil {
		t.Fatalf("unconsume: %v", err)
	}
	open, _ = s.ListOpenOrders(ctx, testFactory)
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}

	if err := s.MarkOrdersConsumed(ctx, testFactory, []string{"ord-missing"}, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertInsertSlotWindowDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	start := time.Now().Add(4 * time.Hour).Truncate(time.Hour)

	slot := &InsertSlot{
		SlotID:      "slot-1",
		LineID:      "line-a",
		WindowStart: start,
		WindowEnd:   start.Add(2 * time.Hour),
		Capacity:    30,
		State:       SlotFree,
	}
	created, err := s.UpsertInsertSlot(ctx, testFactory, slot)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}

	dup := &InsertSlot{
		SlotID:      "slot-2",
		LineID:      "line-a",
		WindowStart: start,
		WindowEnd:   start.Add(2 * time.Hour),
		Capacity:    30,
		State:       SlotFree,
	}
	created, err = s.UpsertInsertSlot(ctx, testFactory, dup)
	if err != nil {
		t.Fatalf("dup upsert: %v", err)
	}
	if created {
		t.Fatal("same line+window generated twice")
	}

	// Different window on the same line is a fresh slot.
	other := &InsertSlot{
		SlotID:      "slot-3",
		LineID:      "line-a",
		WindowStart: start.Add(2 * time.Hour),
		WindowEnd:   start.Add(4 * time.Hour),
		Capacity:    30,
		State:       SlotFree,
	}
	created, err = s.UpsertInsertSlot(ctx, testFactory, other)
	if err != nil || !created {
		t.Fatalf("new window: created=%v err=%v", created, err)
	}
}

func TestExpireInsertSlots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	lapsed := &InsertSlot{
		SlotID:        "slot-lapsed",
		LineID:        "line-a",
		WindowStart:   now.Add(4 * time.Hour),
		WindowEnd:     now.Add(6 * time.Hour),
		State:         SlotSelected,
		SelectedBy:    "planner-1",
		SelectedUntil: now.Add(-time.Minute),
	}
	if _, err := s.UpsertInsertSlot(ctx, testFactory, lapsed); err != nil {
		t.Fatalf("upsert lapsed: %v", err)
	}
	stale := &InsertSlot{
		SlotID:      "slot-stale",
		LineID:      "line-b",
		WindowStart: now.Add(-time.Hour),
		WindowEnd:   now.Add(time.Hour),
		State:       SlotFree,
	}
	if _, err := s.UpsertInsertSlot(ctx, testFactory, stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}

	n, err := s.ExpireInsertSlots(ctx, testFactory, now)
	if err != nil {
		t.Fatalf("ExpireInsertSlots: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 changed, got %d", n)
	}

	got, _ := s.GetInsertSlot(ctx, testFactory, "slot-lapsed")
	if got.State != SlotFree || got.SelectedBy != "" {
		t.Fatalf("lapsed claim not released: state=%s selected_by=%q", got.State, got.SelectedBy)
	}
	if got.Version != 2 {
		t.Fatalf("lapse must bump version, got %d", got.Version)
	}

	got, _ = s.GetInsertSlot(ctx, testFactory, "slot-stale")
	if got.State != SlotExpired {
		t.Fatalf("stale FREE slot not retired: state=%s", got.State)
	}

	// Idempotent.
	n, err = s.ExpireInsertSlots(ctx, testFactory, now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestCASInsertSlotClaimRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	slot := &InsertSlot{
		SlotID:      "slot-1",
		LineID:      "line-a",
		WindowStart: now.Add(4 * time.Hour),
		WindowEnd:   now.Add(6 * time.Hour),
		State:       SlotFree,
	}
	if _, err := s.UpsertInsertSlot(ctx, testFactory, slot); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	winner := *slot
	winner.State = SlotSelected
	winner.SelectedBy = "planner-1"
	winner.SelectedUntil = now.Add(5 * time.Minute)
	if err := s.CASInsertSlot(ctx, testFactory, &winner, 1); err != nil {
		t.Fatalf("winner claim: %v", err)
	}

	loser := *slot
	loser.State = SlotSelected
	loser.SelectedBy = "planner-2"
	loser.SelectedUntil = now.Add(5 * time.Minute)
	if err := s.CASInsertSlot(ctx, testFactory, &loser, 1); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for loser, got %v", err)
	}

	got, _ := s.GetInsertSlot(ctx, testFactory, "slot-1")
	if got.SelectedBy != "planner-1" {
		t.Fatalf("claim held by %q, want planner-1", got.SelectedBy)
	}
}

func TestCASWeightsCreateAndConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	got, err := s.GetWeights(ctx, testFactory)
	if err != nil || got != nil {
		t.Fatalf("unset weights: got=%v err=%v", got, err)
	}

	w := &StrategyWeightSet{
		Weights: map[Strategy]float64{
			StrategyEarliestDeadline: 0.25,
			StrategyMinChangeover:    0.20,
			StrategyCapacityMatch:    0.15,
			StrategyShortestProcess:  0.10,
			StrategyMaterialReady:    0.15,
			StrategyUrgencyFirst:     0.15,
		},
	}
	if err := s.CASWeights(ctx, testFactory, w, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Version != 1 {
		t.Fatalf("expected version 1, got %d", w.Version)
	}

	// Create again must lose.
	if err := s.CASWeights(ctx, testFactory, w.Clone(), 0); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on duplicate create, got %v", err)
	}

	next := w.Clone()
	next.Weights[StrategyUrgencyFirst] = 0.25
	next.Weights[StrategyEarliestDeadline] = 0.15
	if err := s.CASWeights(ctx, testFactory, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.CASWeights(ctx, testFactory, w.Clone(), 1); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on stale update, got %v", err)
	}
}

func TestCreatePlanIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := &ProductionPlan{
		PlanID:         "plan-1",
		ConfirmationID: "group:grp-1",
		OrderIDs:       []string{"ord-1", "ord-2"},
		SlotID:         "slot-1",
		Status:         PlanBound,
		ActorID:        "planner-1",
		CreatedAt:      time.Now(),
	}
	first, err := s.CreatePlan(ctx, testFactory, p)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	retry := &ProductionPlan{
		PlanID:         "plan-2",
		ConfirmationID: "group:grp-1",
		OrderIDs:       []string{"ord-1", "ord-2"},
		SlotID:         "slot-1",
		Status:         PlanBound,
		ActorID:        "planner-1",
		CreatedAt:      time.Now(),
	}
	second, err := s.CreatePlan(ctx, testFactory, retry)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if second.PlanID != first.PlanID {
		t.Fatalf("retry produced a new plan: %s vs %s", second.PlanID, first.PlanID)
	}

	got, err := s.GetPlan(ctx, testFactory, first.PlanID)
	if err != nil || got == nil {
		t.Fatalf("GetPlan: got=%v err=%v", got, err)
	}
}

func TestMemoryCoordinatorLeases(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	ok, err := c.AcquireLease(ctx, "sweeper", "node-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, _ = c.AcquireLease(ctx, "sweeper", "node-2", time.Minute)
	if ok {
		t.Fatal("second node stole a held lease")
	}

	ok, _ = c.RenewLease(ctx, "sweeper", "node-2", time.Minute)
	if ok {
		t.Fatal("non-owner renewed the lease")
	}
	ok, _ = c.RenewLease(ctx, "sweeper", "node-1", time.Minute)
	if !ok {
		t.Fatal("owner failed to renew")
	}

	// Release by a non-owner is a no-op.
	if err := c.ReleaseLease(ctx, "sweeper", "node-2"); err != nil {
		t.Fatalf("non-owner release: %v", err)
	}
	owner, _ := c.GetLeaseOwner(ctx, "sweeper")
	if owner != "node-1" {
		t.Fatalf("lease owner %q, want node-1", owner)
	}

	if err := c.ReleaseLease(ctx, "sweeper", "node-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	ok, _ = c.AcquireLease(ctx, "sweeper", "node-2", time.Minute)
	if !ok {
		t.Fatal("released lease not acquirable")
	}
}

func TestDurableEpochMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e, err := s.GetDurableEpoch(ctx, "sweeper")
	if err != nil || e != 0 {
		t.Fatalf("initial epoch: e=%d err=%v", e, err)
	}
	for want := int64(1); want <= 3; want++ {
		e, err = s.IncrementDurableEpoch(ctx, "sweeper")
		if err != nil || e != want {
			t.Fatalf("increment: e=%d want=%d err=%v", e, want, err)
		}
	}
}

func TestMarkOrdersConsumedIsAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	deadline := time.Now().Add(48 * time.Hour)
	seedOrder(t, s, "ord-1", 50, deadline)
	seedOrder(t, s, "ord-2", 40, deadline)

	err := s.MarkOrdersConsumed(ctx, testFactory, []string{"ord-1", "ord-2", "ord-ghost"}, true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The missing id must not leave the rest of the batch half-marked.
	open, err := s.ListOpenOrders(ctx, testFactory)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("orders consumed despite the failed batch: %d open", len(open))
	}
}
