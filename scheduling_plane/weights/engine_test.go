package weights

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/store"
)

const testFactory = "factory-osaka"

func newTestEngine() (*Engine, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewEngine(s, nil), s
}

func seedMetric(t *testing.T, s *store.MemoryStore, strategy store.Strategy, onTime, changeover, variance float64, decisions int) {
	t.Helper()
	now := time.Now()
	err := s.UpsertMetric(context.Background(), testFactory, &store.PerformanceMetric{
		Strategy:            strategy,
		WindowFrom:          now.Add(-24 * time.Hour),
		WindowTo:            now,
		OnTimeRate:          onTime,
		ChangeoverOverhead:  changeover,
		UtilizationVariance: variance,
		DecisionCount:       decisions,
	})
	if err != nil {
		t.Fatalf("seed metric: %v", err)
	}
}

func assertNormalized(t *testing.T, w map[store.Strategy]float64) {
	t.Helper()
	sum := 0.0
	for _, s := range store.Strategies {
		v, ok := w[s]
		if !ok {
			t.Fatalf("missing strategy %s", s)
		}
		if v < Floor-Epsilon {
			t.Fatalf("weight for %s below floor: %f", s, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > Epsilon {
		t.Fatalf("weights sum to %f, want 1.0", sum)
	}
}

func TestDefaultsNormalized(t *testing.T) {
	assertNormalized(t, Defaults())
}

func TestGetCurrentWeightsUnsetReturnsDefaults(t *testing.T) {
	e, _ := newTestEngine()
	w, err := e.GetCurrentWeights(context.Background(), testFactory)
	if err != nil {
		t.Fatalf("GetCurrentWeights: %v", err)
	}
	if w.Version != 0 {
		t.Fatalf("unset vector should carry version 0, got %d", w.Version)
	}
	assertNormalized(t, w.Weights)
}

func TestAdjustWeightsFavorsEffectiveStrategy(t *testing.T) {
	e, s := newTestEngine()
	ctx := context.Background()

	// Seed the vector from the spec example via manual override.
	initial := map[store.Strategy]float64{
		store.StrategyEarliestDeadline: 0.30,
		store.StrategyMinChangeover:    0.20,
		store.StrategyCapacityMatch:    0.15,
		store.StrategyShortestProcess:  0.15,
		store.StrategyMaterialReady:    0.10,
		store.StrategyUrgencyFirst:     0.10,
	}
	if _, err := e.SetWeights(ctx, testFactory, initial, "seed"); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}

	// urgency_first performed far better than everything else.
	seedMetric(t, s, store.StrategyUrgencyFirst, 0.95, 0.1, 0.1, 40)
	for _, strat := range store.Strategies {
		if strat == store.StrategyUrgencyFirst {
			continue
		}
		seedMetric(t, s, strat, 0.3, 0.7, 0.7, 40)
	}

	result, err := e.AdjustWeights(ctx, testFactory, time.Now().Add(-48*time.Hour), time.Now(), "")
	if err != nil {
		t.Fatalf("AdjustWeights: %v", err)
	}
	if !result.Applied {
		t.Fatal("expected an applied result")
	}
	assertNormalized(t, result.New)

	if result.New[store.StrategyUrgencyFirst] <= result.Previous[store.StrategyUrgencyFirst] {
		t.Fatalf("urgency_first did not increase: %f -> %f",
			result.Previous[store.StrategyUrgencyFirst], result.New[store.StrategyUrgencyFirst])
	}

	// Bounded step.
	for _, strat := range store.Strategies {
		move := math.Abs(result.New[strat] - result.Previous[strat])
		if move > StepBound+Epsilon {
			t.Fatalf("strategy %s moved %f, beyond the step bound", strat, move)
		}
	}

	// The applied vector is what GetCurrentWeights now serves.
	current, _ := e.GetCurrentWeights(ctx, testFactory)
	if math.Abs(current.Weights[store.StrategyUrgencyFirst]-result.New[store.StrategyUrgencyFirst]) > Epsilon {
		t.Fatal("stored vector does not match the adjustment result")
	}
}

func TestAdjustWeightsNeutralWithoutMetrics(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	result, err := e.AdjustWeights(ctx, testFactory, time.Now().Add(-48*time.Hour), time.Now(), "")
	if err != nil {
		t.Fatalf("AdjustWeights: %v", err)
	}
	// Every strategy scores neutral, so the vector must not move.
	for _, strat := range store.Strategies {
		if math.Abs(result.New[strat]-result.Previous[strat]) > Epsilon {
			t.Fatalf("weights moved without metrics: %s %f -> %f", strat, result.Previous[strat], result.New[strat])
		}
	}
}

func TestAdjustWeightsOscillationBounded(t *testing.T) {
	e, s := newTestEngine()
	ctx := context.Background()
	from := time.Now().Add(-48 * time.Hour)

	// One strategy strongly up.
	seedMetric(t, s, store.StrategyMinChangeover, 0.95, 0.05, 0.1, 30)
	first, err := e.AdjustWeights(ctx, testFactory, from, time.Now(), "")
	if err != nil {
		t.Fatalf("first adjust: %v", err)
	}

	// Then strongly down. Opposite-signed evaluations must not swing the
	// weight by more than the step bound per run.
	seedMetric(t, s, store.StrategyMinChangeover, 0.05, 0.95, 0.9, 300)
	second, err := e.AdjustWeights(ctx, testFactory, from, time.Now(), "")
	if err != nil {
		t.Fatalf("second adjust: %v", err)
	}

	swing := math.Abs(second.New[store.StrategyMinChangeover] - first.New[store.StrategyMinChangeover])
	if swing > StepBound+Epsilon {
		t.Fatalf("oscillation %f exceeds step bound %f", swing, StepBound)
	}
	assertNormalized(t, second.New)
}

func TestAdjustWeightsBaselineDefault(t *testing.T) {
	e, s := newTestEngine()
	ctx := context.Background()
	from := time.Now().Add(-48 * time.Hour)

	seedMetric(t, s, store.StrategyCapacityMatch, 0.9, 0.1, 0.1, 50)

	// Two runs over the same window from the default baseline land on the
	// same vector: no compounding.
	first, err := e.AdjustWeights(ctx, testFactory, from, time.Now(), BaselineDefault)
	if err != nil {
		t.Fatalf("first adjust: %v", err)
	}
	second, err := e.AdjustWeights(ctx, testFactory, from, time.Now(), BaselineDefault)
	if err != nil {
		t.Fatalf("second adjust: %v", err)
	}
	for _, strat := range store.Strategies {
		if math.Abs(first.New[strat]-second.New[strat]) > Epsilon {
			t.Fatalf("default baseline compounded: %s %f vs %f", strat, first.New[strat], second.New[strat])
		}
	}

	if _, err := e.AdjustWeights(ctx, testFactory, from, time.Now(), "midpoint"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown baseline, got %v", err)
	}
}

func TestSimulateDoesNotTouchLiveVector(t *testing.T) {
	e, s := newTestEngine()
	ctx := context.Background()

	seedMetric(t, s, store.StrategyEarliestDeadline, 0.95, 0.05, 0.05, 60)

	before, _ := e.GetCurrentWeights(ctx, testFactory)
	result, err := e.Simulate(ctx, testFactory)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if result.Applied {
		t.Fatal("simulation marked applied")
	}
	after, _ := e.GetCurrentWeights(ctx, testFactory)
	for _, strat := range store.Strategies {
		if math.Abs(before.Weights[strat]-after.Weights[strat]) > Epsilon {
			t.Fatalf("simulation mutated live weights for %s", strat)
		}
	}

	// The dry run still shows up in history.
	history, err := e.History(ctx, testFactory, 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("history after simulate: n=%d err=%v", len(history), err)
	}
}

func TestSetWeightsRenormalizes(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	input := map[store.Strategy]float64{
		store.StrategyEarliestDeadline: 3,
		store.StrategyMinChangeover:    2,
		store.StrategyCapacityMatch:    2,
		store.StrategyShortestProcess:  1,
		store.StrategyMaterialReady:    1,
		store.StrategyUrgencyFirst:     1,
	}
	result, err := e.SetWeights(ctx, testFactory, input, "operator rebalance")
	if err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	if !result.Normalized {
		t.Fatal("normalization was not recorded")
	}
	assertNormalized(t, result.New)
	if result.New[store.StrategyEarliestDeadline] <= result.New[store.StrategyMinChangeover] {
		t.Fatal("relative proportions lost in normalization")
	}
}

func TestSetWeightsValidation(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	valid := Defaults()
	if _, err := e.SetWeights(ctx, testFactory, valid, ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("missing reason: got %v", err)
	}

	missing := Defaults()
	delete(missing, store.StrategyUrgencyFirst)
	if _, err := e.SetWeights(ctx, testFactory, missing, "x"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("missing strategy: got %v", err)
	}

	negative := Defaults()
	negative[store.StrategyUrgencyFirst] = -0.1
	if _, err := e.SetWeights(ctx, testFactory, negative, "x"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("negative weight: got %v", err)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	skewed := map[store.Strategy]float64{
		store.StrategyEarliestDeadline: 0.5,
		store.StrategyMinChangeover:    0.1,
		store.StrategyCapacityMatch:    0.1,
		store.StrategyShortestProcess:  0.1,
		store.StrategyMaterialReady:    0.1,
		store.StrategyUrgencyFirst:     0.1,
	}
	if _, err := e.SetWeights(ctx, testFactory, skewed, "skew"); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}

	result, err := e.Reset(ctx, testFactory)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	defaults := Defaults()
	for _, strat := range store.Strategies {
		if math.Abs(result.New[strat]-defaults[strat]) > Epsilon {
			t.Fatalf("reset missed default for %s: %f", strat, result.New[strat])
		}
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	if _, err := e.SetWeights(ctx, testFactory, Defaults(), "first"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := e.Reset(ctx, testFactory); err != nil {
		t.Fatalf("reset: %v", err)
	}

	history, err := e.History(ctx, testFactory, 7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Reason != "reset to default weights" {
		t.Fatalf("not newest-first: first entry %q", history[0].Reason)
	}
}

func TestApplyFloorDegenerate(t *testing.T) {
	w := map[store.Strategy]float64{}
	for _, s := range store.Strategies {
		w[s] = 0.0
	}
	assertNormalized(t, applyFloor(w))
}
