package store

import (
	"context"
	"time"
)

// Store defines the schedule-state storage contract. It abstracts over
// Postgres (durable) and the in-memory backend (single node, tests).
//
// Conventions, shared by every backend:
//   - Get* returns (nil, nil) when the entity does not exist.
//   - CAS* replaces the full row only when the stored version equals
//     expectedVersion, bumping the version by one; a moved version returns
//     ErrStateConflict. This is the only way live rows change.
//   - Expire* sweeps are idempotent: a second call right after the first
//     affects zero rows.
type Store interface {
	// Order Operations
	UpsertOrder(ctx context.Context, factoryID string, o *Order) error
	GetOrder(ctx context.Context, factoryID string, orderID string) (*Order, error)
	ListOpenOrders(ctx context.Context, factoryID string) ([]*Order, error)
	// MarkOrdersConsumed moves orders in or out of the free pool.
	MarkOrdersConsumed(ctx context.Context, factoryID string, orderIDs []string, consumed bool) error

	// Mixed-Batch Group Operations
	// CreateGroup atomically claims membership of every member order. If any
	// order already belongs to a live (PENDING/CONFIRMED) group the whole
	// create fails with ErrStateConflict and nothing is written.
	CreateGroup(ctx context.Context, factoryID string, g *MixedBatchGroup) error
	GetGroup(ctx context.Context, factoryID string, groupID string) (*MixedBatchGroup, error)
	// ListGroups filters by status and/or rule type when non-zero.
	ListGroups(ctx context.Context, factoryID string, status GroupStatus, ruleType RuleType, limit, offset int) ([]*MixedBatchGroup, error)
	// CASGroup replaces the group row and reconciles membership claims to
	// match the new member set and status.
	CASGroup(ctx context.Context, factoryID string, g *MixedBatchGroup, expectedVersion int) error
	// ExpireGroups transitions PENDING groups past their expiry to EXPIRED
	// and returns how many changed.
	ExpireGroups(ctx context.Context, factoryID string, now time.Time) (int, error)

	// Rule Operations
	UpsertRule(ctx context.Context, factoryID string, r *MixedBatchRule) error
	ListRules(ctx context.Context, factoryID string) ([]*MixedBatchRule, error)
	ToggleRule(ctx context.Context, factoryID string, t RuleType, enabled bool) error

	// Insert-Slot Operations
	// UpsertInsertSlot is keyed by (line, window); re-generating an existing
	// window is a no-op and reports created=false.
	UpsertInsertSlot(ctx context.Context, factoryID string, s *InsertSlot) (created bool, err error)
	GetInsertSlot(ctx context.Context, factoryID string, slotID string) (*InsertSlot, error)
	ListInsertSlots(ctx context.Context, factoryID string, state SlotState) ([]*InsertSlot, error)
	// CASInsertSlot is the claim primitive: SELECT/RELEASE/EXPIRE all go
	// through it.
	CASInsertSlot(ctx context.Context, factoryID string, s *InsertSlot, expectedVersion int) error
	// ExpireInsertSlots lapses stale SELECTED claims back to FREE and
	// retires FREE slots whose window has started. Returns rows changed.
	ExpireInsertSlots(ctx context.Context, factoryID string, now time.Time) (int, error)

	// Committed Schedule Operations
	CreateProductionSlot(ctx context.Context, factoryID string, s *ProductionSlot) error
	DeleteProductionSlot(ctx context.Context, factoryID string, slotID string) error
	ListProductionSlots(ctx context.Context, factoryID string, from, to time.Time) ([]*ProductionSlot, error)
	ReplaceProductionSlot(ctx context.Context, factoryID string, s *ProductionSlot, expectedVersion int) error

	// Weight Operations
	GetWeights(ctx context.Context, factoryID string) (*StrategyWeightSet, error)
	// CASWeights with expectedVersion 0 creates the vector.
	CASWeights(ctx context.Context, factoryID string, w *StrategyWeightSet, expectedVersion int) error
	AppendAdjustment(ctx context.Context, factoryID string, r *WeightAdjustmentResult) error
	// ListAdjustments returns results at or after since, newest first.
	ListAdjustments(ctx context.Context, factoryID string, since time.Time) ([]*WeightAdjustmentResult, error)

	// Performance Metric Operations (computed externally, consumed here)
	UpsertMetric(ctx context.Context, factoryID string, m *PerformanceMetric) error
	ListMetrics(ctx context.Context, factoryID string, from, to time.Time) ([]*PerformanceMetric, error)

	// Plan Operations
	// CreatePlan is idempotent on ConfirmationID: a retry returns the plan
	// created by the first call without writing a duplicate.
	CreatePlan(ctx context.Context, factoryID string, p *ProductionPlan) (*ProductionPlan, error)
	GetPlan(ctx context.Context, factoryID string, planID string) (*ProductionPlan, error)

	// ListFactories returns every factory scope with any stored state.
	ListFactories(ctx context.Context) ([]string, error)

	// Coordination Operations
	// IncrementDurableEpoch increments the fencing epoch for a resource
	// (e.g. "sweeper") and returns the new epoch. Atomic and durable.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}
