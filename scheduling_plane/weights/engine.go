// Package weights adapts the six strategy weights that drive schedule
// scoring, based on observed per-strategy outcomes.
package weights

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/observability"
	"github.com/apexfab/planforge/scheduling_plane/plan"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/streaming"
)

const (
	// StepBound caps how far one adaptation run can move a single weight.
	StepBound = 0.10
	// Floor is the minimum weight any strategy may hold. A starved strategy
	// never reaches exactly zero, so it can recover.
	Floor = 0.05
	// Epsilon is the tolerance on the sum-to-one invariant.
	Epsilon = 1e-6

	// NeutralEffectiveness is assumed for a strategy with no attributable
	// decisions in the window.
	NeutralEffectiveness = 0.5
)

// Baseline selects what AdjustWeights steps from.
const (
	BaselineCurrent = "current" // compound on the live vector
	BaselineDefault = "default" // step from the fixed default vector
)

// Defaults returns the fixed default weight vector.
func Defaults() map[store.Strategy]float64 {
	return map[store.Strategy]float64{
		store.StrategyEarliestDeadline: 0.25,
		store.StrategyMinChangeover:    0.20,
		store.StrategyCapacityMatch:    0.15,
		store.StrategyShortestProcess:  0.10,
		store.StrategyMaterialReady:    0.15,
		store.StrategyUrgencyFirst:     0.15,
	}
}

// Engine is the weight adaptation component. All mutations go through
// versioned CAS on the stored vector.
type Engine struct {
	store  store.Store
	events streaming.Publisher
}

func NewEngine(s store.Store, events streaming.Publisher) *Engine {
	return &Engine{store: s, events: events}
}

// GetCurrentWeights returns the active vector for a factory. When none has
// been stored yet the default vector is returned with version 0; the first
// write creates it.
func (e *Engine) GetCurrentWeights(ctx context.Context, factoryID string) (*store.StrategyWeightSet, error) {
	w, err := e.store.GetWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return &store.StrategyWeightSet{
			FactoryID: factoryID,
			Weights:   Defaults(),
			Version:   0,
		}, nil
	}
	return w, nil
}

// EvaluateEffectiveness computes a 0-1 effectiveness score per strategy over
// the window. Pure with respect to stored state.
func (e *Engine) EvaluateEffectiveness(ctx context.Context, factoryID string, from, to time.Time) (map[store.Strategy]float64, error) {
	metrics, err := e.store.ListMetrics(ctx, factoryID, from, to)
	if err != nil {
		return nil, err
	}

	type agg struct {
		weighted  float64
		decisions int
	}
	byStrategy := make(map[store.Strategy]*agg)
	for _, m := range metrics {
		if m.DecisionCount <= 0 {
			continue
		}
		a := byStrategy[m.Strategy]
		if a == nil {
			a = &agg{}
			byStrategy[m.Strategy] = a
		}
		score := effectivenessOf(m)
		a.weighted += score * float64(m.DecisionCount)
		a.decisions += m.DecisionCount
	}

	result := make(map[store.Strategy]float64, len(store.Strategies))
	for _, s := range store.Strategies {
		if a, ok := byStrategy[s]; ok && a.decisions > 0 {
			result[s] = clamp01(a.weighted / float64(a.decisions))
		} else {
			result[s] = NeutralEffectiveness
		}
	}
	return result, nil
}

// effectivenessOf scores one metric record: on-time delivery dominates, with
// changeover overhead and utilization variance as drag terms.
func effectivenessOf(m *store.PerformanceMetric) float64 {
	score := 0.5*m.OnTimeRate + 0.3*(1-m.ChangeoverOverhead) + 0.2*(1-m.UtilizationVariance)
	return clamp01(score)
}

// AdjustWeights runs one adaptation step over the window and persists the new
// vector. baseline chooses whether the step compounds on the live vector
// ("current") or restarts from the default vector ("default"); empty means
// current.
func (e *Engine) AdjustWeights(ctx context.Context, factoryID string, from, to time.Time, baseline string) (*store.WeightAdjustmentResult, error) {
	if baseline == "" {
		baseline = BaselineCurrent
	}
	if baseline != BaselineCurrent && baseline != BaselineDefault {
		return nil, store.Validationf("unknown baseline %q", baseline)
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.Add(-7 * 24 * time.Hour)
	}
	if !from.Before(to) {
		return nil, store.Validationf("window from %s is not before to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	current, err := e.GetCurrentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	base := current.Weights
	if baseline == BaselineDefault {
		base = Defaults()
	}

	effectiveness, err := e.EvaluateEffectiveness(ctx, factoryID, from, to)
	if err != nil {
		return nil, err
	}

	next := step(base, effectiveness)

	result := &store.WeightAdjustmentResult{
		ResultID:      plan.NewID("adj"),
		FactoryID:     factoryID,
		Previous:      cloneVector(current.Weights),
		New:           cloneVector(next),
		Effectiveness: cloneVector(effectiveness),
		Reason:        fmt.Sprintf("adaptive adjustment over %s..%s (baseline %s)", from.Format(time.RFC3339), to.Format(time.RFC3339), baseline),
		Baseline:      baseline,
		Applied:       true,
		WindowFrom:    from,
		WindowTo:      to,
		CreatedAt:     time.Now(),
	}

	updated := &store.StrategyWeightSet{FactoryID: factoryID, Weights: cloneVector(next)}
	if err := e.store.CASWeights(ctx, factoryID, updated, current.Version); err != nil {
		observability.VersionedWriteConflict.Inc()
		return nil, err
	}
	observability.VersionedWriteSuccess.Inc()

	if err := e.store.AppendAdjustment(ctx, factoryID, result); err != nil {
		log.Printf("WeightEngine: failed to record adjustment for %s: %v", factoryID, err)
	}

	e.export(factoryID, next, effectiveness)
	observability.WeightAdjustments.WithLabelValues(factoryID, "applied").Inc()
	e.publish(ctx, factoryID, result)
	return result, nil
}

// Simulate runs the same algorithm as AdjustWeights over the trailing default
// window but never touches the live vector. The unapplied result still lands
// in history for auditability.
func (e *Engine) Simulate(ctx context.Context, factoryID string) (*store.WeightAdjustmentResult, error) {
	to := time.Now()
	from := to.Add(-7 * 24 * time.Hour)

	current, err := e.GetCurrentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	effectiveness, err := e.EvaluateEffectiveness(ctx, factoryID, from, to)
	if err != nil {
		return nil, err
	}

	next := step(current.Weights, effectiveness)

	result := &store.WeightAdjustmentResult{
		ResultID:      plan.NewID("adj"),
		FactoryID:     factoryID,
		Previous:      cloneVector(current.Weights),
		New:           cloneVector(next),
		Effectiveness: cloneVector(effectiveness),
		Reason:        "simulation (dry run, not applied)",
		Baseline:      BaselineCurrent,
		Applied:       false,
		WindowFrom:    from,
		WindowTo:      to,
		CreatedAt:     time.Now(),
	}
	if err := e.store.AppendAdjustment(ctx, factoryID, result); err != nil {
		log.Printf("WeightEngine: failed to record simulation for %s: %v", factoryID, err)
	}
	observability.WeightAdjustments.WithLabelValues(factoryID, "simulated").Inc()
	return result, nil
}

// SetWeights is the manual override. Inputs that do not sum to 1.0 are
// renormalized rather than rejected, and the normalization is recorded.
func (e *Engine) SetWeights(ctx context.Context, factoryID string, input map[store.Strategy]float64, reason string) (*store.WeightAdjustmentResult, error) {
	if reason == "" {
		return nil, store.Validationf("reason is required for a manual weight override")
	}
	if len(input) != len(store.Strategies) {
		return nil, store.Validationf("expected %d weights, got %d", len(store.Strategies), len(input))
	}
	total := 0.0
	for _, s := range store.Strategies {
		v, ok := input[s]
		if !ok {
			return nil, store.Validationf("missing weight for strategy %s", s)
		}
		if v < 0 {
			return nil, store.Validationf("weight for %s is negative", s)
		}
		total += v
	}
	if total <= 0 {
		return nil, store.Validationf("weights sum to zero")
	}

	normalized := total < 1.0-Epsilon || total > 1.0+Epsilon
	next := make(map[store.Strategy]float64, len(input))
	for s, v := range input {
		next[s] = v / total
	}
	next = applyFloor(next)

	current, err := e.GetCurrentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	result := &store.WeightAdjustmentResult{
		ResultID:   plan.NewID("adj"),
		FactoryID:  factoryID,
		Previous:   cloneVector(current.Weights),
		New:        cloneVector(next),
		Reason:     reason,
		Applied:    true,
		Normalized: normalized,
		CreatedAt:  time.Now(),
	}

	updated := &store.StrategyWeightSet{FactoryID: factoryID, Weights: cloneVector(next)}
	if err := e.store.CASWeights(ctx, factoryID, updated, current.Version); err != nil {
		observability.VersionedWriteConflict.Inc()
		return nil, err
	}
	observability.VersionedWriteSuccess.Inc()

	if err := e.store.AppendAdjustment(ctx, factoryID, result); err != nil {
		log.Printf("WeightEngine: failed to record override for %s: %v", factoryID, err)
	}
	e.export(factoryID, next, nil)
	observability.WeightAdjustments.WithLabelValues(factoryID, "manual").Inc()
	e.publish(ctx, factoryID, result)
	return result, nil
}

// Reset restores the fixed default vector.
func (e *Engine) Reset(ctx context.Context, factoryID string) (*store.WeightAdjustmentResult, error) {
	current, err := e.GetCurrentWeights(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	next := Defaults()
	result := &store.WeightAdjustmentResult{
		ResultID:  plan.NewID("adj"),
		FactoryID: factoryID,
		Previous:  cloneVector(current.Weights),
		New:       cloneVector(next),
		Reason:    "reset to default weights",
		Applied:   true,
		CreatedAt: time.Now(),
	}

	updated := &store.StrategyWeightSet{FactoryID: factoryID, Weights: cloneVector(next)}
	if err := e.store.CASWeights(ctx, factoryID, updated, current.Version); err != nil {
		observability.VersionedWriteConflict.Inc()
		return nil, err
	}
	observability.VersionedWriteSuccess.Inc()

	if err := e.store.AppendAdjustment(ctx, factoryID, result); err != nil {
		log.Printf("WeightEngine: failed to record reset for %s: %v", factoryID, err)
	}
	e.export(factoryID, next, nil)
	observability.WeightAdjustments.WithLabelValues(factoryID, "reset").Inc()
	e.publish(ctx, factoryID, result)
	return result, nil
}

// History returns adjustment results from the trailing number of days,
// newest first.
func (e *Engine) History(ctx context.Context, factoryID string, days int) ([]*store.WeightAdjustmentResult, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return e.store.ListAdjustments(ctx, factoryID, since)
}

// step moves each weight toward its relative effectiveness with a bounded
// step, clamps to the floor and renormalizes.
func step(base, effectiveness map[store.Strategy]float64) map[store.Strategy]float64 {
	mean := 0.0
	for _, s := range store.Strategies {
		mean += effectiveness[s]
	}
	mean /= float64(len(store.Strategies))

	next := make(map[store.Strategy]float64, len(store.Strategies))
	for _, s := range store.Strategies {
		delta := StepBound * (effectiveness[s] - mean)
		next[s] = base[s] + delta
	}
	return applyFloor(next)
}

// applyFloor clamps every weight to the floor and rescales the mass above
// the floor so the vector sums to 1.0 without re-violating the floor.
func applyFloor(w map[store.Strategy]float64) map[store.Strategy]float64 {
	n := float64(len(store.Strategies))
	reserved := Floor * n

	surplus := 0.0
	clamped := make(map[store.Strategy]float64, len(store.Strategies))
	for _, s := range store.Strategies {
		v := w[s]
		if v < Floor {
			v = Floor
		}
		clamped[s] = v
		surplus += v - Floor
	}

	out := make(map[store.Strategy]float64, len(store.Strategies))
	if surplus <= 0 {
		// Degenerate input: everything at or below the floor. Uniform.
		for _, s := range store.Strategies {
			out[s] = 1.0 / n
		}
		return out
	}

	scale := (1.0 - reserved) / surplus
	for _, s := range store.Strategies {
		out[s] = Floor + (clamped[s]-Floor)*scale
	}
	return out
}

func (e *Engine) export(factoryID string, weights, effectiveness map[store.Strategy]float64) {
	for s, v := range weights {
		observability.StrategyWeight.WithLabelValues(factoryID, string(s)).Set(v)
	}
	for s, v := range effectiveness {
		observability.StrategyEffectiveness.WithLabelValues(factoryID, string(s)).Set(v)
	}
}

func (e *Engine) publish(ctx context.Context, factoryID string, result *store.WeightAdjustmentResult) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, streaming.TopicWeights, result); err != nil {
		observability.EventPublishFailures.WithLabelValues("weight_adjustment", "publish_error").Inc()
	}
}

func cloneVector(in map[store.Strategy]float64) map[store.Strategy]float64 {
	if in == nil {
		return nil
	}
	out := make(map[store.Strategy]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
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
