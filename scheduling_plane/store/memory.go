package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the in-memory schedule state. It implements the Store
// interface and is the reference backend for single-node operation and
// tests. One lock serializes every mutation, which is what closes the
// membership read-then-write race without a database constraint.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*Order
	groups      map[string]*MixedBatchGroup
	memberships map[string]string // factory+order -> live group id
	rules       map[string]*MixedBatchRule
	insertSlots map[string]*InsertSlot
	slotWindows map[string]string // factory+line+window -> slot id
	prodSlots   map[string]*ProductionSlot
	weights     map[string]*StrategyWeightSet
	adjustments map[string][]*WeightAdjustmentResult
	metrics     map[string][]*PerformanceMetric
	plans       map[string]*ProductionPlan
	planConfirm map[string]string // factory+confirmation id -> plan id
	epochs      map[string]int64
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*Order),
		groups:      make(map[string]*MixedBatchGroup),
		memberships: make(map[string]string),
		rules:       make(map[string]*MixedBatchRule),
		insertSlots: make(map[string]*InsertSlot),
		slotWindows: make(map[string]string),
		prodSlots:   make(map[string]*ProductionSlot),
		weights:     make(map[string]*StrategyWeightSet),
		adjustments: make(map[string][]*WeightAdjustmentResult),
		metrics:     make(map[string][]*PerformanceMetric),
		plans:       make(map[string]*ProductionPlan),
		planConfirm: make(map[string]string),
		epochs:      make(map[string]int64),
	}
}

func memberKey(factoryID, orderID string) string {
	return factoryID + "/" + orderID
}

func windowKey(factoryID string, s *InsertSlot) string {
	return fmt.Sprintf("%s/%s/%d", factoryID, s.LineID, s.WindowStart.Unix())
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyWeightMap(in map[Strategy]float64) map[Strategy]float64 {
	if in == nil {
		return nil
	}
	out := make(map[Strategy]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.ProcessTags = copyStrings(o.ProcessTags)
	return &cp
}

func copyGroup(g *MixedBatchGroup) *MixedBatchGroup {
	cp := *g
	cp.OrderIDs = copyStrings(g.OrderIDs)
	if g.ConfirmedAt != nil {
		t := *g.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

func copyInsertSlot(s *InsertSlot) *InsertSlot {
	cp := *s
	if s.Impact != nil {
		cp.Impact = make([]OrderImpact, len(s.Impact))
		copy(cp.Impact, s.Impact)
	}
	return &cp
}

func copyProdSlot(s *ProductionSlot) *ProductionSlot {
	cp := *s
	cp.OrderIDs = copyStrings(s.OrderIDs)
	return &cp
}

func copyAdjustment(r *WeightAdjustmentResult) *WeightAdjustmentResult {
	cp := *r
	cp.Previous = copyWeightMap(r.Previous)
	cp.New = copyWeightMap(r.New)
	cp.Effectiveness = copyWeightMap(r.Effectiveness)
	return &cp
}

func copyPlan(p *ProductionPlan) *ProductionPlan {
	cp := *p
	cp.OrderIDs = copyStrings(p.OrderIDs)
	cp.Warnings = copyStrings(p.Warnings)
	return &cp
}

// --- Order Operations ---

func (s *MemoryStore) UpsertOrder(ctx context.Context, factoryID string, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.FactoryID = factoryID
	key := FactoryKey(factoryID, ResourceOrder, o.OrderID)
	s.orders[key] = copyOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, factoryID string, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[FactoryKey(factoryID, ResourceOrder, orderID)]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) ListOpenOrders(ctx context.Context, factoryID string) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := FactoryPrefix(factoryID, ResourceOrder)
	result := make([]*Order, 0)
	for key, o := range s.orders {
		if strings.HasPrefix(key, prefix) && !o.Consumed {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	return result, nil
}

func (s *MemoryStore) MarkOrdersConsumed(ctx context.Context, factoryID string, orderIDs []string, consumed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Verify every id before flipping any, so a missing order cannot leave
	// the batch half-marked.
	for _, id := range orderIDs {
		if _, ok := s.orders[FactoryKey(factoryID, ResourceOrder, id)]; !ok {
			return fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
	}
	for _, id := range orderIDs {
		s.orders[FactoryKey(factoryID, ResourceOrder, id)].Consumed = consumed
	}
	return nil
}

// --- Mixed-Batch Group Operations ---

func (s *MemoryStore) CreateGroup(ctx context.Context, factoryID string, g *MixedBatchGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every claim before writing anything.
	for _, id := range g.OrderIDs {
		if holder, taken := s.memberships[memberKey(factoryID, id)]; taken {
			return Conflictf("order %s already held by group %s", id, holder)
		}
	}

	g.FactoryID = factoryID
	if g.Version == 0 {
		g.Version = 1
	}
	s.groups[FactoryKey(factoryID, ResourceGroup, g.GroupID)] = copyGroup(g)
	for _, id := range g.OrderIDs {
		s.memberships[memberKey(factoryID, id)] = g.GroupID
	}
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, factoryID string, groupID string) (*MixedBatchGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[FactoryKey(factoryID, ResourceGroup, groupID)]
	if !ok {
		return nil, nil
	}
	return copyGroup(g), nil
}

func (s *MemoryStore) ListGroups(ctx context.Context, factoryID string, status GroupStatus, ruleType RuleType, limit, offset int) ([]*MixedBatchGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := FactoryPrefix(factoryID, ResourceGroup)
	all := make([]*MixedBatchGroup, 0)
	for key, g := range s.groups {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if status != "" && g.Status != status {
			continue
		}
		if ruleType != "" && g.Type != ruleType {
			continue
		}
		all = append(all, copyGroup(g))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []*MixedBatchGroup{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) CASGroup(ctx context.Context, factoryID string, g *MixedBatchGroup, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := FactoryKey(factoryID, ResourceGroup, g.GroupID)
	existing, ok := s.groups[key]
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, g.GroupID)
	}
	if existing.Version != expectedVersion {
		return Conflictf("group %s version moved (%d != %d)", g.GroupID, existing.Version, expectedVersion)
	}

	// Claims the new membership set would need, before any write.
	if g.Status.Live() {
		for _, id := range g.OrderIDs {
			holder, taken := s.memberships[memberKey(factoryID, id)]
			if taken && holder != g.GroupID {
				return Conflictf("order %s already held by group %s", id, holder)
			}
		}
	}

	// Release old claims, then record the new set.
	for _, id := range existing.OrderIDs {
		if s.memberships[memberKey(factoryID, id)] == g.GroupID {
			delete(s.memberships, memberKey(factoryID, id))
		}
	}
	if g.Status.Live() {
		for _, id := range g.OrderIDs {
			s.memberships[memberKey(factoryID, id)] = g.GroupID
		}
	}

	g.FactoryID = factoryID
	g.Version = expectedVersion + 1
	s.groups[key] = copyGroup(g)
	return nil
}

func (s *MemoryStore) ExpireGroups(ctx context.Context, factoryID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := FactoryPrefix(factoryID, ResourceGroup)
	count := 0
	for key, g := range s.groups {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if g.Status != GroupPending || !g.ExpiredAt(now) {
			continue
		}
		g.Status = GroupExpired
		g.Version++
		for _, id := range g.OrderIDs {
			if s.memberships[memberKey(factoryID, id)] == g.GroupID {
				delete(s.memberships, memberKey(factoryID, id))
			}
		}
		count++
	}
	return count, nil
}

// --- Rule Operations ---

func (s *MemoryStore) UpsertRule(ctx context.Context, factoryID string, r *MixedBatchRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.FactoryID = factoryID
	cp := *r
	s.rules[factoryID+"/"+string(r.RuleType)] = &cp
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context, factoryID string) ([]*MixedBatchRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*MixedBatchRule, 0)
	for key, r := range s.rules {
		if strings.HasPrefix(key, factoryID+"/") {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RuleType < result[j].RuleType })
	return result, nil
}

func (s *MemoryStore) ToggleRule(ctx context.Context, factoryID string, t RuleType, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[factoryID+"/"+string(t)]
	if !ok {
		return fmt.Errorf("%w: rule %s", ErrNotFound, t)
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now()
	return nil
}

// --- Insert-Slot Operations ---

func (s *MemoryStore) UpsertInsertSlot(ctx context.Context, factoryID string, slot *InsertSlot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wk := windowKey(factoryID, slot)
	if _, exists := s.slotWindows[wk]; exists {
		return false, nil
	}
	slot.FactoryID = factoryID
	if slot.Version == 0 {
		slot.Version = 1
	}
	s.insertSlots[FactoryKey(factoryID, ResourceSlot, slot.SlotID)] = copyInsertSlot(slot)
	s.slotWindows[wk] = slot.SlotID
	return true, nil
}

func (s *MemoryStore) GetInsertSlot(ctx context.Context, factoryID string, slotID string) (*InsertSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.insertSlots[FactoryKey(factoryID, ResourceSlot, slotID)]
	if !ok {
		return nil, nil
	}
	return copyInsertSlot(slot), nil
}

func (s *MemoryStore) ListInsertSlots(ctx context.Context, factoryID string, state SlotState) ([]*InsertSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := FactoryPrefix(factoryID, ResourceSlot)
	result := make([]*InsertSlot, 0)
	for key, slot := range s.insertSlots {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if state != "" && slot.State != state {
			continue
		}
		result = append(result, copyInsertSlot(slot))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WindowStart.Before(result[j].WindowStart) })
	return result, nil
}

func (s *MemoryStore) CASInsertSlot(ctx context.Context, factoryID string, slot *InsertSlot, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := FactoryKey(factoryID, ResourceSlot, slot.SlotID)
	existing, ok := s.insertSlots[key]
	if !ok {
		return fmt.Errorf("%w: slot %s", ErrNotFound, slot.SlotID)
	}
	if existing.Version != expectedVersion {
		return Conflictf("slot %s version moved (%d != %d)", slot.SlotID, existing.Version, expectedVersion)
	}
	slot.FactoryID = factoryID
	slot.Version = expectedVersion + 1
	s.insertSlots[key] = copyInsertSlot(slot)
	return nil
}

func (s *MemoryStore) ExpireInsertSlots(ctx context.Context, factoryID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := FactoryPrefix(factoryID, ResourceSlot)
	count := 0
	for key, slot := range s.insertSlots {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		switch {
		case slot.ClaimLapsed(now):
			slot.State = SlotFree
			slot.SelectedBy = ""
			slot.SelectedUntil = time.Time{}
			slot.Version++
			count++
		case slot.State == SlotFree && now.After(slot.WindowStart):
			slot.State = SlotExpired
			slot.Version++
			count++
		}
	}
	return count, nil
}

// --- Committed Schedule Operations ---

func (s *MemoryStore) CreateProductionSlot(ctx context.Context, factoryID string, slot *ProductionSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot.FactoryID = factoryID
	if slot.Version == 0 {
		slot.Version = 1
	}
	s.prodSlots[factoryID+"/"+slot.SlotID] = copyProdSlot(slot)
	return nil
}

func (s *MemoryStore) DeleteProductionSlot(ctx context.Context, factoryID string, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prodSlots, factoryID+"/"+slotID)
	return nil
}

func (s *MemoryStore) ListProductionSlots(ctx context.Context, factoryID string, from, to time.Time) ([]*ProductionSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*ProductionSlot, 0)
	for key, slot := range s.prodSlots {
		if !strings.HasPrefix(key, factoryID+"/") {
			continue
		}
		if !from.IsZero() && slot.WindowEnd.Before(from) {
			continue
		}
		if !to.IsZero() && slot.WindowStart.After(to) {
			continue
		}
		result = append(result, copyProdSlot(slot))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WindowStart.Before(result[j].WindowStart) })
	return result, nil
}

func (s *MemoryStore) ReplaceProductionSlot(ctx context.Context, factoryID string, slot *ProductionSlot, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := factoryID + "/" + slot.SlotID
	existing, ok := s.prodSlots[key]
	if !ok {
		return fmt.Errorf("%w: production slot %s", ErrNotFound, slot.SlotID)
	}
	if existing.Version != expectedVersion {
		return Conflictf("production slot %s version moved", slot.SlotID)
	}
	slot.FactoryID = factoryID
	slot.Version = expectedVersion + 1
	s.prodSlots[key] = copyProdSlot(slot)
	return nil
}

// --- Weight Operations ---

func (s *MemoryStore) GetWeights(ctx context.Context, factoryID string) (*StrategyWeightSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.weights[factoryID]
	if !ok {
		return nil, nil
	}
	return w.Clone(), nil
}

func (s *MemoryStore) CASWeights(ctx context.Context, factoryID string, w *StrategyWeightSet, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.weights[factoryID]
	if !ok {
		if expectedVersion != 0 {
			return fmt.Errorf("%w: weights for %s", ErrNotFound, factoryID)
		}
	} else if existing.Version != expectedVersion {
		return Conflictf("weights for %s version moved (%d != %d)", factoryID, existing.Version, expectedVersion)
	}
	w.FactoryID = factoryID
	w.Version = expectedVersion + 1
	s.weights[factoryID] = w.Clone()
	return nil
}

func (s *MemoryStore) AppendAdjustment(ctx context.Context, factoryID string, r *WeightAdjustmentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.FactoryID = factoryID
	s.adjustments[factoryID] = append(s.adjustments[factoryID], copyAdjustment(r))
	return nil
}

func (s *MemoryStore) ListAdjustments(ctx context.Context, factoryID string, since time.Time) ([]*WeightAdjustmentResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*WeightAdjustmentResult, 0)
	for _, r := range s.adjustments[factoryID] {
		if r.CreatedAt.Before(since) {
			continue
		}
		result = append(result, copyAdjustment(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// --- Performance Metric Operations ---

func (s *MemoryStore) UpsertMetric(ctx context.Context, factoryID string, m *PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.FactoryID = factoryID
	cp := *m
	s.metrics[factoryID] = append(s.metrics[factoryID], &cp)
	return nil
}

func (s *MemoryStore) ListMetrics(ctx context.Context, factoryID string, from, to time.Time) ([]*PerformanceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*PerformanceMetric, 0)
	for _, m := range s.metrics[factoryID] {
		if !from.IsZero() && m.WindowTo.Before(from) {
			continue
		}
		if !to.IsZero() && m.WindowFrom.After(to) {
			continue
		}
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

// --- Plan Operations ---

func (s *MemoryStore) CreatePlan(ctx context.Context, factoryID string, p *ProductionPlan) (*ProductionPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := factoryID + "/" + p.ConfirmationID
	if planID, exists := s.planConfirm[ck]; exists {
		return copyPlan(s.plans[FactoryKey(factoryID, ResourcePlan, planID)]), nil
	}
	p.FactoryID = factoryID
	s.plans[FactoryKey(factoryID, ResourcePlan, p.PlanID)] = copyPlan(p)
	s.planConfirm[ck] = p.PlanID
	return copyPlan(p), nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, factoryID string, planID string) (*ProductionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[FactoryKey(factoryID, ResourcePlan, planID)]
	if !ok {
		return nil, nil
	}
	return copyPlan(p), nil
}

// --- Factory Scopes ---

func (s *MemoryStore) ListFactories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, o := range s.orders {
		seen[o.FactoryID] = true
	}
	for _, g := range s.groups {
		seen[g.FactoryID] = true
	}
	for id := range s.weights {
		seen[id] = true
	}
	for _, r := range s.rules {
		seen[r.FactoryID] = true
	}
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result, nil
}

// --- Coordination Operations ---

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newEpoch := s.epochs[resourceID] + 1
	s.epochs[resourceID] = newEpoch
	return newEpoch, nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
