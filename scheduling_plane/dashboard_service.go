package main

import (
	"context"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/coordination"
	"github.com/apexfab/planforge/scheduling_plane/observability"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/sweep"
)

// DashboardService aggregates the factory's live scheduling picture for the
// dashboard endpoint and the websocket stream.
type DashboardService struct {
	store   store.Store
	sweeper *sweep.Worker
	elector *coordination.Elector
}

func NewDashboardService(s store.Store, sweeper *sweep.Worker, elector *coordination.Elector) *DashboardService {
	return &DashboardService{
		store:   s,
		sweeper: sweeper,
		elector: elector,
	}
}

// GetDashboardSnapshot collects the scheduling state for one factory.
func (s *DashboardService) GetDashboardSnapshot(ctx context.Context, factoryID string) (DashboardSnapshot, error) {
	sweeperStatus := s.sweeper.Status()

	var electorState coordination.ElectorState
	if s.elector != nil {
		electorState = s.elector.GetState()
	}

	pending, err := s.store.ListGroups(ctx, factoryID, store.GroupPending, "", 0, 0)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	freeSlots, err := s.store.ListInsertSlots(ctx, factoryID, store.SlotFree)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	openOrders, err := s.store.ListOpenOrders(ctx, factoryID)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	weightSet, err := s.store.GetWeights(ctx, factoryID)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	weightVersion := 0
	if weightSet != nil {
		weightVersion = weightSet.Version
	}

	observability.PendingGroups.WithLabelValues(factoryID).Set(float64(len(pending)))
	observability.FreeInsertSlots.WithLabelValues(factoryID).Set(float64(len(freeSlots)))

	return DashboardSnapshot{
		FactoryID:     factoryID,
		PendingGroups: len(pending),
		FreeSlots:     len(freeSlots),
		OpenOrders:    len(openOrders),
		WeightVersion: weightVersion,

		QueueDepth:       sweeperStatus.QueueDepth,
		ActiveTasks:      sweeperStatus.ActiveTasks,
		MaxConcurrency:   sweeperStatus.MaxConcurrency,
		WorkerSaturation: sweeperStatus.WorkerSaturation,
		CircuitState:     sweeperStatus.CircuitState,
		SweeperMode:      string(sweeperStatus.Mode),

		IsLeader:          electorState.IsLeader,
		CurrentEpoch:      electorState.CurrentEpoch,
		LeaderTransitions: electorState.Transitions,
		NodeID:            electorState.NodeID,

		Timestamp: time.Now().Unix(),
	}, nil
}
