package main

import (
	"net/http"
)

// DashboardSnapshot is the aggregated view pushed to the dashboard.
type DashboardSnapshot struct {
	FactoryID     string `json:"factory_id"`
	PendingGroups int    `json:"pending_groups"`
	FreeSlots     int    `json:"free_slots"`
	OpenOrders    int    `json:"open_orders"`
	WeightVersion int    `json:"weight_version"`

	// Sweeper
	QueueDepth       int     `json:"queue_depth"`
	ActiveTasks      int     `json:"active_tasks"`
	MaxConcurrency   int     `json:"max_concurrency"`
	WorkerSaturation float64 `json:"worker_saturation"`
	CircuitState     string  `json:"circuit_breaker_state"`
	SweeperMode      string  `json:"sweeper_mode"`

	// Leadership
	IsLeader          bool   `json:"is_leader"`
	CurrentEpoch      int64  `json:"current_epoch"`
	LeaderTransitions int64  `json:"leader_transitions"`
	NodeID            string `json:"node_id"`

	Timestamp int64 `json:"timestamp"`
}

// handleGetDashboard returns the current dashboard snapshot.
func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	factoryID, _, err := a.scope(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	snapshot, err := a.dashboardService.GetDashboardSnapshot(r.Context(), factoryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}
