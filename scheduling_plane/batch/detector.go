// Package batch detects mergeable pending orders and manages mixed-batch
// group lifecycle.
package batch

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

// DefaultPendingTTL is how long a proposed group waits for a planner decision
// before expiring.
const DefaultPendingTTL = 24 * time.Hour

// Detector proposes mixed-batch groups from a pool of pending orders and
// drives the PENDING -> CONFIRMED/REJECTED/EXPIRED lifecycle.
type Detector struct {
	store      store.Store
	issuer     plan.Issuer
	events     streaming.Publisher
	trail      *timeline.Store
	pendingTTL time.Duration
}

func NewDetector(s store.Store, issuer plan.Issuer, events streaming.Publisher, trail *timeline.Store, pendingTTL time.Duration) *Detector {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &Detector{
		store:      s,
		issuer:     issuer,
		events:     events,
		trail:      trail,
		pendingTTL: pendingTTL,
	}
}

// Detect partitions the caller-supplied order pool into merge candidates
// using every enabled rule, persists each emitted group as PENDING with an
// expiry, and returns them ranked by score. Detection with no enabled rules
// is a configuration error, not an empty result. Orders already held by a
// live group are skipped.
func (d *Detector) Detect(ctx context.Context, factoryID string, orders []*store.Order) ([]*store.MixedBatchGroup, error) {
	started := time.Now()
	defer func() {
		observability.DetectionDuration.Observe(time.Since(started).Seconds())
	}()

	pool := make([]*store.Order, 0, len(orders))
	for _, o := range orders {
		if o.OrderID == "" {
			return nil, store.Validationf("order with empty id in pool")
		}
		if o.Quantity <= 0 {
			return nil, store.Validationf("order %s has non-positive quantity %d", o.OrderID, o.Quantity)
		}
		if o.Consumed {
			continue
		}
		pool = append(pool, o)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Deadline.Before(pool[j].Deadline) })

	rules, err := d.enabledRules(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, store.Validationf("no enabled mixed-batch rule for factory %s", factoryID)
	}

	weightSet, err := d.currentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	var emitted []*store.MixedBatchGroup
	claimed := make(map[string]bool)
	now := time.Now()

	for _, rule := range rules {
		free := make([]*store.Order, 0, len(pool))
		for _, o := range pool {
			if !claimed[o.OrderID] {
				free = append(free, o)
			}
		}

		for _, cluster := range buildClusters(rule, free) {
			ids := make([]string, len(cluster))
			for i, o := range cluster {
				ids[i] = o.OrderID
			}
			g := &store.MixedBatchGroup{
				GroupID:   plan.NewID("grp"),
				OrderIDs:  ids,
				Type:      rule.RuleType,
				Score:     scoreGroup(cluster, rule, weightSet),
				Status:    store.GroupPending,
				CreatedAt: now,
				ExpiresAt: now.Add(d.pendingTTL),
			}
			if err := d.store.CreateGroup(ctx, factoryID, g); err != nil {
				if errors.Is(err, store.ErrStateConflict) {
					// A member is already held by a live group. Skip the
					// cluster, keep detecting.
					log.Printf("Detector: skipping cluster under rule %s: %v", rule.RuleType, err)
					continue
				}
				return nil, err
			}
			for _, id := range ids {
				claimed[id] = true
			}
			emitted = append(emitted, g)
			observability.GroupsDetected.WithLabelValues(factoryID, string(rule.RuleType)).Inc()
			d.record(factoryID, g.GroupID, "DETECTED", "", map[string]string{"rule_type": string(rule.RuleType)})
		}
	}

	sort.Slice(emitted, func(i, j int) bool {
		if emitted[i].Score != emitted[j].Score {
			return emitted[i].Score > emitted[j].Score
		}
		return groupDeadline(emitted[i], pool).Before(groupDeadline(emitted[j], pool))
	})

	d.publish(ctx, "groups_detected", map[string]interface{}{
		"factory_id": factoryID,
		"count":      len(emitted),
	})
	return emitted, nil
}

// Confirm atomically transitions a PENDING group to CONFIRMED, consumes its
// member orders and issues the production plan. On partial failure the
// transition is compensated so no half-confirmed state stays observable.
func (d *Detector) Confirm(ctx context.Context, factoryID, groupID, actorID string) (*store.ProductionPlan, error) {
	g, err := d.store.GetGroup(ctx, factoryID, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, groupID)
	}
	if g.Status != store.GroupPending {
		return nil, store.Conflictf("group %s is %s, not PENDING", groupID, g.Status)
	}
	now := time.Now()
	if g.ExpiredAt(now) {
		// Lazy expiry: the sweep has not caught it yet.
		expired := *g
		expired.Status = store.GroupExpired
		if casErr := d.store.CASGroup(ctx, factoryID, &expired, g.Version); casErr != nil {
			log.Printf("Detector: lazy expiry of group %s failed: %v", groupID, casErr)
		}
		return nil, store.Conflictf("group %s expired at %s", groupID, g.ExpiresAt.Format(time.RFC3339))
	}

	confirmed := *g
	confirmed.Status = store.GroupConfirmed
	confirmed.ActorID = actorID
	confirmed.ConfirmedAt = &now
	if err := d.store.CASGroup(ctx, factoryID, &confirmed, g.Version); err != nil {
		return nil, err
	}

	if err := d.store.MarkOrdersConsumed(ctx, factoryID, g.OrderIDs, true); err != nil {
		d.compensateConfirm(ctx, factoryID, &confirmed, g)
		return nil, fmt.Errorf("consume member orders: %w", err)
	}

	p, err := d.issuer.IssueGroupPlan(ctx, factoryID, &confirmed, actorID)
	if err != nil {
		d.compensateConfirm(ctx, factoryID, &confirmed, g)
		return nil, err
	}

	observability.GroupTransitions.WithLabelValues(factoryID, string(store.GroupConfirmed)).Inc()
	d.record(factoryID, groupID, "CONFIRMED", actorID, map[string]string{"plan_id": p.PlanID})
	d.publish(ctx, "group_confirmed", map[string]interface{}{
		"factory_id": factoryID,
		"group_id":   groupID,
		"plan_id":    p.PlanID,
	})
	return p, nil
}

// compensateConfirm rolls a half-applied confirmation back to PENDING. The
// un-consume always runs: a failed MarkOrdersConsumed may still have flipped
// some members, and marking an already-unconsumed order is idempotent.
func (d *Detector) compensateConfirm(ctx context.Context, factoryID string, confirmed, original *store.MixedBatchGroup) {
	if err := d.store.MarkOrdersConsumed(ctx, factoryID, original.OrderIDs, false); err != nil {
		log.Printf("Detector: rollback of order consumption for group %s failed: %v", original.GroupID, err)
	}
	rollback := *original
	rollback.Status = store.GroupPending
	rollback.ActorID = ""
	rollback.ConfirmedAt = nil
	if err := d.store.CASGroup(ctx, factoryID, &rollback, confirmed.Version); err != nil {
		log.Printf("Detector: rollback of group %s to PENDING failed: %v", original.GroupID, err)
	}
}

// Reject terminally rejects a PENDING group. The reason is mandatory.
func (d *Detector) Reject(ctx context.Context, factoryID, groupID, actorID, reason string) error {
	if reason == "" {
		return store.Validationf("a rejection reason is required")
	}
	g, err := d.store.GetGroup(ctx, factoryID, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("%w: group %s", store.ErrNotFound, groupID)
	}
	if g.Status != store.GroupPending {
		return store.Conflictf("group %s is %s, not PENDING", groupID, g.Status)
	}

	rejected := *g
	rejected.Status = store.GroupRejected
	rejected.RejectReason = reason
	rejected.ActorID = actorID
	if err := d.store.CASGroup(ctx, factoryID, &rejected, g.Version); err != nil {
		return err
	}

	observability.GroupTransitions.WithLabelValues(factoryID, string(store.GroupRejected)).Inc()
	d.record(factoryID, groupID, "REJECTED", actorID, map[string]string{"reason": reason})
	return nil
}

// UpdateOrders replaces a PENDING group's membership. The full new set is
// re-validated against the group's rule and rescored; membership uniqueness
// is enforced by the store.
func (d *Detector) UpdateOrders(ctx context.Context, factoryID, groupID string, orderIDs []string) (*store.MixedBatchGroup, error) {
	ids := dedupe(orderIDs)
	if len(ids) < defaultMinGroupSize {
		return nil, store.Validationf("a group needs at least %d distinct orders, got %d", defaultMinGroupSize, len(ids))
	}

	g, err := d.store.GetGroup(ctx, factoryID, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, groupID)
	}
	if g.Status != store.GroupPending {
		return nil, store.Conflictf("group %s is %s, not PENDING", groupID, g.Status)
	}

	members := make([]*store.Order, 0, len(ids))
	for _, id := range ids {
		o, err := d.store.GetOrder(ctx, factoryID, id)
		if err != nil {
			return nil, err
		}
		if o == nil {
			return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
		}
		if o.Consumed {
			return nil, store.Conflictf("order %s is already consumed", id)
		}
		members = append(members, o)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Deadline.Before(members[j].Deadline) })

	// Validation uses the rule's stored configuration whether or not the
	// rule is currently enabled: disabling a rule never retroactively
	// invalidates pending groups.
	rule, err := d.ruleOfType(ctx, factoryID, g.Type)
	if err != nil {
		return nil, err
	}
	if !ruleAccepts(rule, members) {
		return nil, store.Validationf("new membership violates rule %s", g.Type)
	}

	weightSet, err := d.currentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	updated := *g
	updated.OrderIDs = ids
	updated.Score = scoreGroup(members, rule, weightSet)
	if err := d.store.CASGroup(ctx, factoryID, &updated, g.Version); err != nil {
		return nil, err
	}

	d.record(factoryID, groupID, "UPDATED", "", map[string]string{"members": fmt.Sprintf("%d", len(ids))})
	return &updated, nil
}

// Get returns a group by id.
func (d *Detector) Get(ctx context.Context, factoryID, groupID string) (*store.MixedBatchGroup, error) {
	g, err := d.store.GetGroup(ctx, factoryID, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: group %s", store.ErrNotFound, groupID)
	}
	return g, nil
}

// List returns groups filtered by status and rule type.
func (d *Detector) List(ctx context.Context, factoryID string, status store.GroupStatus, ruleType store.RuleType, limit, offset int) ([]*store.MixedBatchGroup, error) {
	if status != "" && !status.IsValid() {
		return nil, store.Validationf("unknown group status %q", status)
	}
	if ruleType != "" && !ruleType.IsValid() {
		return nil, store.Validationf("unknown rule type %q", ruleType)
	}
	return d.store.ListGroups(ctx, factoryID, status, ruleType, limit, offset)
}

// CleanupExpired sweeps PENDING groups past expiry to EXPIRED. Idempotent.
func (d *Detector) CleanupExpired(ctx context.Context, factoryID string) (int, error) {
	count, err := d.store.ExpireGroups(ctx, factoryID, time.Now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.GroupTransitions.WithLabelValues(factoryID, string(store.GroupExpired)).Add(float64(count))
		observability.SweepExpired.WithLabelValues(factoryID, "group").Add(float64(count))
	}
	return count, nil
}

// --- Rule Management ---

func (d *Detector) UpsertRule(ctx context.Context, factoryID string, r *store.MixedBatchRule) (*store.MixedBatchRule, error) {
	if !r.RuleType.IsValid() {
		return nil, store.Validationf("unknown rule type %q", r.RuleType)
	}
	if r.MaxQuantity < 0 || r.MaxSpreadHours < 0 {
		return nil, store.Validationf("rule limits must be non-negative")
	}
	if r.MinGroupSize == 0 {
		r.MinGroupSize = defaultMinGroupSize
	}
	if r.MinGroupSize < defaultMinGroupSize {
		return nil, store.Validationf("min group size must be at least %d", defaultMinGroupSize)
	}
	r.UpdatedAt = time.Now()
	if err := d.store.UpsertRule(ctx, factoryID, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *Detector) ListRules(ctx context.Context, factoryID string) ([]*store.MixedBatchRule, error) {
	return d.store.ListRules(ctx, factoryID)
}

func (d *Detector) ToggleRule(ctx context.Context, factoryID string, t store.RuleType, enabled bool) error {
	if !t.IsValid() {
		return store.Validationf("unknown rule type %q", t)
	}
	return d.store.ToggleRule(ctx, factoryID, t, enabled)
}

// --- helpers ---

func (d *Detector) enabledRules(ctx context.Context, factoryID string) ([]*store.MixedBatchRule, error) {
	all, err := d.store.ListRules(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	enabled := make([]*store.MixedBatchRule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (d *Detector) ruleOfType(ctx context.Context, factoryID string, t store.RuleType) (*store.MixedBatchRule, error) {
	all, err := d.store.ListRules(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.RuleType == t {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: rule %s", store.ErrNotFound, t)
}

func (d *Detector) currentWeights(ctx context.Context, factoryID string) (map[store.Strategy]float64, error) {
	w, err := d.store.GetWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return weights.Defaults(), nil
	}
	return w.Weights, nil
}

func (d *Detector) record(factoryID, groupID, stage, actorID string, meta map[string]string) {
	if d.trail == nil {
		return
	}
	d.trail.Record(timeline.DecisionEvent{
		RefID:     groupID,
		Stage:     stage,
		FactoryID: factoryID,
		ActorID:   actorID,
		Metadata:  meta,
	})
}

func (d *Detector) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if d.events == nil {
		return
	}
	payload["event_type"] = eventType
	if err := d.events.Publish(ctx, streaming.TopicGroups, payload); err != nil {
		observability.EventPublishFailures.WithLabelValues(eventType, "publish_error").Inc()
	}
}

func groupDeadline(g *store.MixedBatchGroup, pool []*store.Order) time.Time {
	byID := make(map[string]*store.Order, len(pool))
	for _, o := range pool {
		byID[o.OrderID] = o
	}
	var members []*store.Order
	for _, id := range g.OrderIDs {
		if o, ok := byID[id]; ok {
			members = append(members, o)
		}
	}
	if len(members) == 0 {
		return g.ExpiresAt
	}
	return earliestDeadline(members)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
