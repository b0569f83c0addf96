package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apexfab/planforge/scheduling_plane/insert"
	"github.com/apexfab/planforge/scheduling_plane/store"
)

func decodeUrgentSpec(r *http.Request) (*insert.UrgentOrderSpec, error) {
	var spec insert.UrgentOrderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// handleFindSlots searches deliverable insertion windows for an urgent order.
func (a *API) handleFindSlots(w http.ResponseWriter, r *http.Request) {
	if !a.findLimiter.Allow() {
		a.writeRateLimitError(w, "find_slots")
		return
	}

	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	spec, err := decodeUrgentSpec(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	slots, err := a.planner.FindSlots(r.Context(), factoryID, spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, slots)
}

func (a *API) handleListSlots(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	state := store.SlotState(r.URL.Query().Get("state"))
	slots, err := a.store.ListInsertSlots(r.Context(), factoryID, state)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, slots)
}

func (a *API) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	slot, err := a.planner.Get(r.Context(), factoryID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, slot)
}

// handleAnalyzeSlot reports the displacement impact of inserting into one
// window without touching any state.
func (a *API) handleAnalyzeSlot(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	spec, err := decodeUrgentSpec(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := a.planner.AnalyzeImpact(r.Context(), factoryID, r.PathValue("id"), spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (a *API) handleSelectSlot(w http.ResponseWriter, r *http.Request) {
	factoryID, actorID, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	slot, err := a.planner.Select(r.Context(), factoryID, r.PathValue("id"), actorID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, slot)
}

func (a *API) handleReleaseSlot(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := a.planner.Release(r.Context(), factoryID, r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleConfirmSlot binds the urgent order into the schedule through the
// caller's live claim.
func (a *API) handleConfirmSlot(w http.ResponseWriter, r *http.Request) {
	factoryID, actorID, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	spec, err := decodeUrgentSpec(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	plan, err := a.planner.ConfirmInsert(r.Context(), factoryID, r.PathValue("id"), actorID, spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// handleForceInsert takes the displacing path: the plan is parked behind the
// approval chain and the schedule stays untouched until it clears.
func (a *API) handleForceInsert(w http.ResponseWriter, r *http.Request) {
	factoryID, actorID, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	spec, err := decodeUrgentSpec(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	plan, ticket, err := a.planner.ForceInsert(r.Context(), factoryID, actorID, spec)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"plan":   plan,
		"ticket": ticket,
	})
}

func (a *API) handleGenerateSlots(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	horizon := 24
	if s := r.URL.Query().Get("horizon_hours"); s != "" {
		fmt.Sscanf(s, "%d", &horizon)
	}

	created, err := a.planner.GenerateSlots(r.Context(), factoryID, horizon)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (a *API) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	plan, err := a.store.GetPlan(r.Context(), factoryID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if plan == nil {
		http.Error(w, "Plan not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}
