package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/apexfab/planforge/scheduling_plane/batch"
	"github.com/apexfab/planforge/scheduling_plane/coordination"
	"github.com/apexfab/planforge/scheduling_plane/idempotency"
	"github.com/apexfab/planforge/scheduling_plane/insert"
	"github.com/apexfab/planforge/scheduling_plane/middleware"
	"github.com/apexfab/planforge/scheduling_plane/observability"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/sweep"
	"github.com/apexfab/planforge/scheduling_plane/timeline"
	"github.com/apexfab/planforge/scheduling_plane/weights"
)

// IdempotencyHeader carries the caller-chosen key that makes confirmations
// safe to retry.
const IdempotencyHeader = "X-Planforge-Idempotency-Key"

type API struct {
	store    store.Store
	detector *batch.Detector
	planner  *insert.Planner
	engine   *weights.Engine
	sweeper  *sweep.Worker
	elector  *coordination.Elector
	trail    *timeline.Store

	dashboardService *DashboardService
	wsHub            *ScheduleHub

	idempotency *idempotency.Store

	// Storm protection on the expensive analytical endpoints.
	detectLimiter *rate.Limiter
	findLimiter   *rate.Limiter
	adjustLimiter *rate.Limiter
}

func NewAPI(s store.Store, detector *batch.Detector, planner *insert.Planner, engine *weights.Engine, sweeper *sweep.Worker, elector *coordination.Elector, trail *timeline.Store, idemStore *idempotency.Store) *API {
	api := &API{
		store:       s,
		detector:    detector,
		planner:     planner,
		engine:      engine,
		sweeper:     sweeper,
		elector:     elector,
		trail:       trail,
		idempotency: idemStore,
		// 10 detection passes/sec, burst 20
		detectLimiter: rate.NewLimiter(rate.Limit(10), 20),
		// 50 slot searches/sec, burst 100
		findLimiter: rate.NewLimiter(rate.Limit(50), 100),
		// 5 adaptation runs/sec, burst 10
		adjustLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}

	api.dashboardService = NewDashboardService(s, sweeper, elector)
	api.wsHub = NewScheduleHub(api)

	return api
}

// scope resolves the factory and actor for a request. Every domain endpoint
// is factory-scoped.
func (a *API) scope(r *http.Request) (factoryID, actorID string, err error) {
	factoryID, err = middleware.GetFactoryFromContext(r.Context())
	if err != nil {
		return "", "", err
	}
	return factoryID, middleware.GetActorFromRequest(r), nil
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrStateConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrCapacityInfeasible):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		log.Printf("[api] internal error: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// responseRecorder captures a handler's output so it can be replayed from the
// idempotency cache.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			observability.IdempotencyReplays.Inc()
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// -- Order pool --

func (a *API) handleUpsertOrder(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var order store.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if order.OrderID == "" || order.Quantity <= 0 {
		http.Error(w, "order_id and a positive quantity are required", http.StatusBadRequest)
		return
	}

	if err := a.store.UpsertOrder(r.Context(), factoryID, &order); err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	orders, err := a.store.ListOpenOrders(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

// -- Performance metrics ingestion --

func (a *API) handleIngestMetric(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var metric store.PerformanceMetric
	if err := json.NewDecoder(r.Body).Decode(&metric); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !metric.Strategy.IsValid() {
		http.Error(w, "unknown strategy", http.StatusBadRequest)
		return
	}
	if metric.WindowTo.IsZero() {
		metric.WindowTo = time.Now()
	}
	if metric.WindowFrom.IsZero() {
		metric.WindowFrom = metric.WindowTo.Add(-24 * time.Hour)
	}

	if err := a.store.UpsertMetric(r.Context(), factoryID, &metric); err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// -- Decision timeline --

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if refID := r.URL.Query().Get("ref_id"); refID != "" {
		respondJSON(w, http.StatusOK, a.trail.GetEvents(refID))
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		fmt.Sscanf(s, "%d", &limit)
	}
	respondJSON(w, http.StatusOK, a.trail.GetFactoryEvents(factoryID, limit))
}
