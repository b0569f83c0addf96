package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/batch"
	"github.com/apexfab/planforge/scheduling_plane/idempotency"
	"github.com/apexfab/planforge/scheduling_plane/insert"
	"github.com/apexfab/planforge/scheduling_plane/middleware"
	"github.com/apexfab/planforge/scheduling_plane/plan"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/sweep"
	"github.com/apexfab/planforge/scheduling_plane/timeline"
	"github.com/apexfab/planforge/scheduling_plane/weights"
)

const testFactory = "factory-osaka"

type testEnv struct {
	api   *API
	store *store.MemoryStore
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s := store.NewMemoryStore()
	coord := store.NewMemoryCoordinator()
	trail := timeline.NewStore(0)
	issuer := plan.NewStoreIssuer(s)
	approval := plan.NewHMACApprovalChain("test-secret")

	detector := batch.NewDetector(s, issuer, nil, trail, 0)
	planner := insert.NewPlanner(s, issuer, approval, nil, trail, time.Minute)
	engine := weights.NewEngine(s, nil)
	sweeper := sweep.NewWorker(detector, planner, engine, s, trail, sweep.DefaultConfig())

	api := NewAPI(s, detector, planner, engine, sweeper, nil, trail, idempotency.NewStore(coord, time.Hour))

	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.FactoryMiddleware(h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /orders", protected(api.handleUpsertOrder))
	mux.Handle("PUT /rules", protected(api.handleUpsertRule))
	mux.Handle("POST /groups/detect", protected(api.withIdempotency(api.handleDetectGroups)))
	mux.Handle("GET /groups/{id}", protected(api.handleGetGroup))
	mux.Handle("POST /groups/{id}/confirm", protected(api.withIdempotency(api.handleConfirmGroup)))
	mux.Handle("POST /slots/{id}/select", protected(api.handleSelectSlot))
	mux.Handle("POST /slots/{id}/confirm", protected(api.withIdempotency(api.handleConfirmSlot)))
	mux.Handle("POST /performance-metrics", protected(api.handleIngestMetric))
	mux.Handle("POST /weights/adjust", protected(api.withIdempotency(api.handleAdjustWeights)))
	mux.Handle("GET /scheduler/status", protected(api.handleSchedulerStatus))

	return &testEnv{api: api, store: s, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(middleware.FactoryHeader, testFactory)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	deadline := time.Now().Add(24 * time.Hour)

	rec := env.do(t, http.MethodPut, "/rules", map[string]interface{}{
		"rule_type":        "same_product",
		"enabled":          true,
		"max_quantity":     100,
		"max_spread_hours": 48,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rule upsert: %d %s", rec.Code, rec.Body)
	}

	for _, id := range []string{"ord-a", "ord-b"} {
		rec = env.do(t, http.MethodPost, "/orders", map[string]interface{}{
			"order_id":     id,
			"product_type": "product-x",
			"quantity":     40,
			"deadline":     deadline,
		}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("order upsert %s: %d %s", id, rec.Code, rec.Body)
		}
	}

	rec = env.do(t, http.MethodPost, "/groups/detect", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detect: %d %s", rec.Code, rec.Body)
	}
	var groups []*store.MixedBatchGroup
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	if len(groups) != 1 || len(groups[0].OrderIDs) != 2 {
		t.Fatalf("expected one group of two orders, got %+v", groups)
	}
	groupID := groups[0].GroupID

	// Confirm with an idempotency key; the replay must return the same plan
	// without a second confirmation attempt.
	key := map[string]string{IdempotencyHeader: "confirm-1"}
	rec = env.do(t, http.MethodPost, "/groups/"+groupID+"/confirm", nil, key)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body)
	}
	first := rec.Body.String()

	rec = env.do(t, http.MethodPost, "/groups/"+groupID+"/confirm", nil, key)
	if rec.Code != http.StatusOK || rec.Body.String() != first {
		t.Fatalf("idempotent replay diverged: %d %s", rec.Code, rec.Body)
	}

	// Without the key the double confirm is a state conflict.
	rec = env.do(t, http.MethodPost, "/groups/"+groupID+"/confirm", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double confirm, got %d", rec.Code)
	}
}

func TestErrorTaxonomyMapsToStatusCodes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/groups/group-missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing group: %d", rec.Code)
	}

	// Detection with no enabled rule is a validation failure.
	env.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"order_id": "ord-a", "product_type": "product-x", "quantity": 10,
		"deadline": time.Now().Add(time.Hour),
	}, nil)
	env.do(t, http.MethodPost, "/orders", map[string]interface{}{
		"order_id": "ord-b", "product_type": "product-x", "quantity": 10,
		"deadline": time.Now().Add(time.Hour),
	}, nil)
	rec = env.do(t, http.MethodPost, "/groups/detect", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("detect without rules: %d %s", rec.Code, rec.Body)
	}
}

func TestSlotConfirmOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	now := time.Now()

	slot := &store.InsertSlot{
		SlotID:      "slot-1",
		LineID:      "line-a",
		WindowStart: now.Add(2 * time.Hour),
		WindowEnd:   now.Add(6 * time.Hour),
		Capacity:    80,
		State:       store.SlotFree,
	}
	if _, err := env.store.UpsertInsertSlot(ctx, testFactory, slot); err != nil {
		t.Fatalf("seed slot: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/slots/slot-1/select", nil,
		map[string]string{middleware.ActorHeader: "planner-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("select: %d %s", rec.Code, rec.Body)
	}

	spec := map[string]interface{}{
		"order_id":     "ord-urgent",
		"product_type": "product-x",
		"quantity":     50,
		"deadline":     now.Add(8 * time.Hour),
		"priority":     1,
	}

	// A different actor holds no claim on the slot.
	rec = env.do(t, http.MethodPost, "/slots/slot-1/confirm", spec,
		map[string]string{middleware.ActorHeader: "planner-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("wrong-actor confirm: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodPost, "/slots/slot-1/confirm", spec,
		map[string]string{middleware.ActorHeader: "planner-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body)
	}
	var confirmed store.ProductionPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &confirmed); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if confirmed.Status != store.PlanBound {
		t.Fatalf("plan status %s", confirmed.Status)
	}
}

func TestWeightAdjustOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	for _, s := range store.Strategies {
		rec := env.do(t, http.MethodPost, "/performance-metrics", map[string]interface{}{
			"strategy":             s,
			"window_from":          now.Add(-24 * time.Hour),
			"window_to":            now,
			"on_time_rate":         0.8,
			"changeover_overhead":  0.2,
			"utilization_variance": 0.1,
			"decision_count":       10,
		}, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("metric ingest %s: %d %s", s, rec.Code, rec.Body)
		}
	}

	rec := env.do(t, http.MethodPost, "/weights/adjust", map[string]interface{}{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust: %d %s", rec.Code, rec.Body)
	}
	var result store.WeightAdjustmentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Applied {
		t.Fatalf("adjustment not applied: %+v", result)
	}

	rec = env.do(t, http.MethodPost, "/weights/adjust", map[string]interface{}{
		"baseline": "bogus",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus baseline: %d", rec.Code)
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/scheduler/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var status sweep.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.CircuitState != "closed" || status.MaxConcurrency == 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}
