package store

import (
	"time"
)

// Strategy identifies one of the six scoring heuristics the scheduler blends.
type Strategy string

const (
	StrategyEarliestDeadline Strategy = "earliest_deadline"
	StrategyMinChangeover    Strategy = "min_changeover"
	StrategyCapacityMatch    Strategy = "capacity_match"
	StrategyShortestProcess  Strategy = "shortest_process"
	StrategyMaterialReady    Strategy = "material_ready"
	StrategyUrgencyFirst     Strategy = "urgency_first"
)

// Strategies lists every strategy in canonical order.
var Strategies = []Strategy{
	StrategyEarliestDeadline,
	StrategyMinChangeover,
	StrategyCapacityMatch,
	StrategyShortestProcess,
	StrategyMaterialReady,
	StrategyUrgencyFirst,
}

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyEarliestDeadline, StrategyMinChangeover, StrategyCapacityMatch,
		StrategyShortestProcess, StrategyMaterialReady, StrategyUrgencyFirst:
		return true
	}
	return false
}

// GroupStatus represents the lifecycle state of a mixed-batch group.
type GroupStatus string

const (
	GroupPending   GroupStatus = "PENDING"
	GroupConfirmed GroupStatus = "CONFIRMED"
	GroupRejected  GroupStatus = "REJECTED"
	GroupExpired   GroupStatus = "EXPIRED"
)

func (s GroupStatus) String() string { return string(s) }

func (s GroupStatus) IsValid() bool {
	switch s {
	case GroupPending, GroupConfirmed, GroupRejected, GroupExpired:
		return true
	}
	return false
}

// Live reports whether a group in this status still holds its member orders.
func (s GroupStatus) Live() bool {
	return s == GroupPending || s == GroupConfirmed
}

// RuleType tags why a set of orders merges. Closed enumeration; every switch
// over it must be exhaustive.
type RuleType string

const (
	RuleSameProduct       RuleType = "same_product"
	RuleCompatibleProcess RuleType = "compatible_process"
	RuleLineProximity     RuleType = "line_proximity"
	RuleDeadlineWindow    RuleType = "deadline_window"
)

func (t RuleType) IsValid() bool {
	switch t {
	case RuleSameProduct, RuleCompatibleProcess, RuleLineProximity, RuleDeadlineWindow:
		return true
	}
	return false
}

// SlotState represents the selection state of an insert-slot candidate.
type SlotState string

const (
	SlotFree     SlotState = "FREE"
	SlotSelected SlotState = "SELECTED"
	SlotExpired  SlotState = "EXPIRED"
)

func (s SlotState) IsValid() bool {
	switch s {
	case SlotFree, SlotSelected, SlotExpired:
		return true
	}
	return false
}

// PlanStatus marks whether a production plan is bound into the schedule or
// parked behind the approval chain.
type PlanStatus string

const (
	PlanBound           PlanStatus = "BOUND"
	PlanPendingApproval PlanStatus = "PENDING_APPROVAL"
)

// Order is a unit of demand. Immutable once referenced by a committed slot.
type Order struct {
	OrderID       string    `json:"order_id" db:"order_id"`
	FactoryID     string    `json:"factory_id" db:"factory_id"`
	ProductType   string    `json:"product_type" db:"product_type"`
	Quantity      int       `json:"quantity" db:"quantity"`
	Deadline      time.Time `json:"deadline" db:"deadline"`
	ProcessTags   []string  `json:"process_tags" db:"process_tags"`
	MaterialReady bool      `json:"material_ready" db:"material_ready"`
	Priority      int       `json:"priority" db:"priority"` // 0 (urgent) .. 10 (background)
	Consumed      bool      `json:"consumed" db:"consumed"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ProductionSlot is a committed unit of scheduled work. Updates never mutate
// in place; a replacement row carries a bumped Version.
type ProductionSlot struct {
	SlotID       string    `json:"slot_id" db:"slot_id"`
	FactoryID    string    `json:"factory_id" db:"factory_id"`
	LineID       string    `json:"line_id" db:"line_id"`
	ProductType  string    `json:"product_type" db:"product_type"`
	Process      string    `json:"process" db:"process"`
	WindowStart  time.Time `json:"window_start" db:"window_start"`
	WindowEnd    time.Time `json:"window_end" db:"window_end"`
	OrderIDs     []string  `json:"order_ids" db:"order_ids"`
	Capacity     int       `json:"capacity" db:"capacity"`
	CapacityUsed int       `json:"capacity_used" db:"capacity_used"`
	Version      int       `json:"version" db:"version"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Headroom returns the remaining capacity in the slot window.
func (s *ProductionSlot) Headroom() int {
	return s.Capacity - s.CapacityUsed
}

// MixedBatchGroup is a candidate (or confirmed) merge of 2+ orders.
type MixedBatchGroup struct {
	GroupID      string      `json:"group_id" db:"group_id"`
	FactoryID    string      `json:"factory_id" db:"factory_id"`
	OrderIDs     []string    `json:"order_ids" db:"order_ids"`
	Type         RuleType    `json:"type" db:"type"`
	Score        float64     `json:"score" db:"score"` // 0-100
	Status       GroupStatus `json:"status" db:"status"`
	RejectReason string      `json:"reject_reason,omitempty" db:"reject_reason"`
	ActorID      string      `json:"actor_id,omitempty" db:"actor_id"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at" db:"expires_at"`
	ConfirmedAt  *time.Time  `json:"confirmed_at,omitempty" db:"confirmed_at"`
	Version      int         `json:"version" db:"version"`
}

// ExpiredAt reports whether the group's pending window has lapsed.
func (g *MixedBatchGroup) ExpiredAt(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// MixedBatchRule configures one merge predicate for a factory.
type MixedBatchRule struct {
	RuleType       RuleType          `json:"rule_type" db:"rule_type"`
	FactoryID      string            `json:"factory_id" db:"factory_id"`
	Enabled        bool              `json:"enabled" db:"enabled"`
	MaxSpreadHours int               `json:"max_spread_hours" db:"max_spread_hours"`
	MaxQuantity    int               `json:"max_quantity" db:"max_quantity"`
	MinGroupSize   int               `json:"min_group_size" db:"min_group_size"`
	Params         map[string]string `json:"params,omitempty" db:"params"` // JSONB in Postgres
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// OrderImpact describes how one committed order shifts if an urgent order is
// inserted into a given window.
type OrderImpact struct {
	OrderID     string        `json:"order_id"`
	SlotID      string        `json:"slot_id"`
	Delay       time.Duration `json:"delay_ns"`
	Deliverable bool          `json:"deliverable"` // deadline still met after the shift
}

// InsertSlot is a candidate time window for an urgent order. Selection is an
// exclusive claim with TTL, enforced by version CAS at the storage layer.
type InsertSlot struct {
	SlotID        string        `json:"slot_id" db:"slot_id"`
	FactoryID     string        `json:"factory_id" db:"factory_id"`
	LineID        string        `json:"line_id" db:"line_id"`
	Process       string        `json:"process" db:"process"`
	WindowStart   time.Time     `json:"window_start" db:"window_start"`
	WindowEnd     time.Time     `json:"window_end" db:"window_end"`
	Capacity      int           `json:"capacity" db:"capacity"` // free units in the window
	FitScore      float64       `json:"fit_score" db:"fit_score"`
	Impact        []OrderImpact `json:"impact" db:"impact"`
	State         SlotState     `json:"state" db:"state"`
	SelectedBy    string        `json:"selected_by,omitempty" db:"selected_by"`
	SelectedUntil time.Time     `json:"selected_until,omitempty" db:"selected_until"`
	Version       int           `json:"version" db:"version"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// ClaimLapsed reports whether a SELECTED claim has outlived its TTL.
func (s *InsertSlot) ClaimLapsed(now time.Time) bool {
	return s.State == SlotSelected && now.After(s.SelectedUntil)
}

// StrategyWeightSet is the active 6-dimensional weight vector for a factory.
// Weights sum to 1.0 within 1e-6 and never drop below the configured floor;
// both are enforced on write.
type StrategyWeightSet struct {
	FactoryID string               `json:"factory_id" db:"factory_id"`
	Weights   map[Strategy]float64 `json:"weights" db:"weights"`
	Version   int                  `json:"version" db:"version"`
	UpdatedAt time.Time            `json:"updated_at" db:"updated_at"`
}

// Sum returns the total mass of the vector.
func (w *StrategyWeightSet) Sum() float64 {
	total := 0.0
	for _, v := range w.Weights {
		total += v
	}
	return total
}

// Clone returns a deep copy so callers can mutate freely.
func (w *StrategyWeightSet) Clone() *StrategyWeightSet {
	cp := *w
	cp.Weights = make(map[Strategy]float64, len(w.Weights))
	for k, v := range w.Weights {
		cp.Weights[k] = v
	}
	return &cp
}

// WeightAdjustmentResult records one adaptation step, applied or simulated.
type WeightAdjustmentResult struct {
	ResultID      string               `json:"result_id" db:"result_id"`
	FactoryID     string               `json:"factory_id" db:"factory_id"`
	Previous      map[Strategy]float64 `json:"previous" db:"previous"`
	New           map[Strategy]float64 `json:"new" db:"new"`
	Effectiveness map[Strategy]float64 `json:"effectiveness,omitempty" db:"effectiveness"`
	Reason        string               `json:"reason" db:"reason"`
	Baseline      string               `json:"baseline,omitempty" db:"baseline"` // current | default
	Applied       bool                 `json:"applied" db:"applied"`
	Normalized    bool                 `json:"normalized" db:"normalized"` // input was renormalized on manual set
	WindowFrom    time.Time            `json:"window_from,omitempty" db:"window_from"`
	WindowTo      time.Time            `json:"window_to,omitempty" db:"window_to"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
}

// PerformanceMetric is the externally computed outcome record for one
// strategy over a trailing window. Read-only input to adaptation.
type PerformanceMetric struct {
	FactoryID           string    `json:"factory_id" db:"factory_id"`
	Strategy            Strategy  `json:"strategy" db:"strategy"`
	WindowFrom          time.Time `json:"window_from" db:"window_from"`
	WindowTo            time.Time `json:"window_to" db:"window_to"`
	OnTimeRate          float64   `json:"on_time_rate" db:"on_time_rate"`                 // 0-1
	ChangeoverOverhead  float64   `json:"changeover_overhead" db:"changeover_overhead"`   // 0-1
	UtilizationVariance float64   `json:"utilization_variance" db:"utilization_variance"` // 0-1
	DecisionCount       int       `json:"decision_count" db:"decision_count"`
}

// ProductionPlan is the record handed to downstream execution. CreatePlan is
// idempotent per ConfirmationID.
type ProductionPlan struct {
	PlanID         string     `json:"plan_id" db:"plan_id"`
	FactoryID      string     `json:"factory_id" db:"factory_id"`
	ConfirmationID string     `json:"confirmation_id" db:"confirmation_id"`
	OrderIDs       []string   `json:"order_ids" db:"order_ids"`
	SlotID         string     `json:"slot_id" db:"slot_id"`
	Status         PlanStatus `json:"status" db:"status"`
	Warnings       []string   `json:"warnings,omitempty" db:"warnings"`
	ActorID        string     `json:"actor_id" db:"actor_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
