package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/sweep"
)

func (a *API) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	current, err := a.engine.GetCurrentWeights(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, current)
}

func (a *API) handleEvaluateEffectiveness(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	from, to := parseWindow(r)
	eff, err := a.engine.EvaluateEffectiveness(r.Context(), factoryID, from, to)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, eff)
}

// handleAdjustWeights runs one adaptation step over the evaluation window.
func (a *API) handleAdjustWeights(w http.ResponseWriter, r *http.Request) {
	if !a.adjustLimiter.Allow() {
		a.writeRateLimitError(w, "adjust")
		return
	}

	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		From     time.Time `json:"from"`
		To       time.Time `json:"to"`
		Baseline string    `json:"baseline"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	result, err := a.engine.AdjustWeights(r.Context(), factoryID, req.From, req.To, req.Baseline)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleSimulateWeights(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := a.engine.Simulate(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Weights map[store.Strategy]float64 `json:"weights"`
		Reason  string                     `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := a.engine.SetWeights(r.Context(), factoryID, req.Weights, req.Reason)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleResetWeights(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := a.engine.Reset(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) handleWeightHistory(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	days := 0
	if s := r.URL.Query().Get("days"); s != "" {
		fmt.Sscanf(s, "%d", &days)
	}

	history, err := a.engine.History(r.Context(), factoryID, days)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

// -- Background scheduler surface --

func (a *API) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status := a.sweeper.Status()
	if a.elector != nil {
		status.Leader = a.elector.IsLeader()
	}
	respondJSON(w, http.StatusOK, status)
}

// handleTriggerAdjustment queues an immediate adaptation pass for one factory
// or, with all=true, for every known factory.
func (a *API) handleTriggerAdjustment(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	targets := []string{factoryID}
	if r.URL.Query().Get("all") == "true" {
		ids, err := a.store.ListFactories(r.Context())
		if err != nil {
			a.writeError(w, err)
			return
		}
		targets = ids
	}

	queued := 0
	for _, id := range targets {
		if err := a.sweeper.TriggerAdjust(id); err != nil {
			log.Printf("[api] trigger adjust for %s rejected: %v", id, err)
			continue
		}
		queued++
	}
	if queued == 0 {
		http.Error(w, "Service Overloaded", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// handleSetSweeperMode is the operator kill switch for background sweeps.
func (a *API) handleSetSweeperMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"` // NORMAL, DEGRADED, PAUSED
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	switch mode := sweep.Mode(req.Mode); mode {
	case sweep.ModeNormal, sweep.ModeDegraded, sweep.ModePaused:
		a.sweeper.SetMode(mode)
		log.Printf("[admin] sweeper mode set to %s", mode)
		respondJSON(w, http.StatusOK, map[string]string{"status": "updated", "mode": req.Mode})
	default:
		http.Error(w, "Invalid mode. Use: NORMAL, DEGRADED, PAUSED", http.StatusBadRequest)
	}
}

func parseWindow(r *http.Request) (from, to time.Time) {
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		from, _ = time.Parse(time.RFC3339, s)
	}
	if s := q.Get("to"); s != "" {
		to, _ = time.Parse(time.RFC3339, s)
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.Add(-7 * 24 * time.Hour)
	}
	return from, to
}
