package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apexfab/planforge/scheduling_plane/store"
)

// handleDetectGroups runs one detection pass over the factory's open order
// pool. Orders supplied in the body are registered first, so a caller can
// seed and detect in one shot.
func (a *API) handleDetectGroups(w http.ResponseWriter, r *http.Request) {
	if !a.detectLimiter.Allow() {
		a.writeRateLimitError(w, "detect")
		return
	}

	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Orders []*store.Order `json:"orders"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	for _, o := range req.Orders {
		if o.OrderID == "" || o.Quantity <= 0 {
			http.Error(w, "every order needs an order_id and a positive quantity", http.StatusBadRequest)
			return
		}
		if err := a.store.UpsertOrder(r.Context(), factoryID, o); err != nil {
			a.writeError(w, err)
			return
		}
	}

	pool, err := a.store.ListOpenOrders(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	groups, err := a.detector.Detect(r.Context(), factoryID, pool)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	limit, offset := 50, 0
	if s := q.Get("limit"); s != "" {
		fmt.Sscanf(s, "%d", &limit)
	}
	if s := q.Get("offset"); s != "" {
		fmt.Sscanf(s, "%d", &offset)
	}

	groups, err := a.detector.List(r.Context(), factoryID,
		store.GroupStatus(q.Get("status")), store.RuleType(q.Get("rule_type")), limit, offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, groups)
}

func (a *API) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	group, err := a.detector.Get(r.Context(), factoryID, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, group)
}

func (a *API) handleConfirmGroup(w http.ResponseWriter, r *http.Request) {
	factoryID, actorID, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	plan, err := a.detector.Confirm(r.Context(), factoryID, r.PathValue("id"), actorID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (a *API) handleRejectGroup(w http.ResponseWriter, r *http.Request) {
	factoryID, actorID, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.detector.Reject(r.Context(), factoryID, r.PathValue("id"), actorID, req.Reason); err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// handleUpdateGroupOrders replaces a pending group's membership.
func (a *API) handleUpdateGroupOrders(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		OrderIDs []string `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := a.detector.UpdateOrders(r.Context(), factoryID, r.PathValue("id"), req.OrderIDs)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, group)
}

// -- Merge rule configuration --

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rules, err := a.detector.ListRules(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

func (a *API) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var rule store.MixedBatchRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	saved, err := a.detector.UpsertRule(r.Context(), factoryID, &rule)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (a *API) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ruleType := store.RuleType(r.PathValue("type"))
	if err := a.detector.ToggleRule(r.Context(), factoryID, ruleType, req.Enabled); err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"rule_type": ruleType,
		"enabled":   req.Enabled,
	})
}
