// Package plan issues production plans to downstream execution. Issuance is
// idempotent per confirmation: retrying a confirm returns the plan the first
// attempt created.
package plan

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/store"
)

// Issuer hands confirmed decisions to downstream execution.
type Issuer interface {
	// IssueGroupPlan binds a confirmed mixed-batch group into a plan.
	IssueGroupPlan(ctx context.Context, factoryID string, g *store.MixedBatchGroup, actorID string) (*store.ProductionPlan, error)

	// IssueInsertPlan binds a confirmed slot insertion into a plan. Forced
	// insertions with undeliverable impacts arrive as PENDING_APPROVAL with
	// warnings attached.
	IssueInsertPlan(ctx context.Context, factoryID string, slot *store.InsertSlot, orderID, actorID string, status store.PlanStatus, warnings []string) (*store.ProductionPlan, error)
}

// StoreIssuer is the production Issuer: plans are rows in the schedule store,
// deduplicated on ConfirmationID.
type StoreIssuer struct {
	store store.Store
}

func NewStoreIssuer(s store.Store) *StoreIssuer {
	return &StoreIssuer{store: s}
}

func (i *StoreIssuer) IssueGroupPlan(ctx context.Context, factoryID string, g *store.MixedBatchGroup, actorID string) (*store.ProductionPlan, error) {
	p := &store.ProductionPlan{
		PlanID:         NewID("plan"),
		ConfirmationID: "group:" + g.GroupID,
		OrderIDs:       append([]string(nil), g.OrderIDs...),
		Status:         store.PlanBound,
		ActorID:        actorID,
		CreatedAt:      time.Now(),
	}
	out, err := i.store.CreatePlan(ctx, factoryID, p)
	if err != nil {
		return nil, fmt.Errorf("issue group plan: %w", err)
	}
	return out, nil
}

func (i *StoreIssuer) IssueInsertPlan(ctx context.Context, factoryID string, slot *store.InsertSlot, orderID, actorID string, status store.PlanStatus, warnings []string) (*store.ProductionPlan, error) {
	p := &store.ProductionPlan{
		PlanID:         NewID("plan"),
		ConfirmationID: "slot:" + slot.SlotID,
		OrderIDs:       []string{orderID},
		SlotID:         slot.SlotID,
		Status:         status,
		Warnings:       append([]string(nil), warnings...),
		ActorID:        actorID,
		CreatedAt:      time.Now(),
	}
	out, err := i.store.CreatePlan(ctx, factoryID, p)
	if err != nil {
		return nil, fmt.Errorf("issue insert plan: %w", err)
	}
	return out, nil
}

// NewID returns a prefixed random identifier.
func NewID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}
