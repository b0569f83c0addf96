package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/observability"
	"github.com/apexfab/planforge/scheduling_plane/store"
)

// LockMetadata is the JSON value held in the sweeper lease. The epoch comes
// from the durable store, so fencing tokens stay monotonic even if Redis is
// flushed.
type LockMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Elector runs lease-based single-runner election for the background sweeper.
// Exactly one node per deployment runs the sweep loop at a time.
type Elector struct {
	coordinator store.Coordinator
	store       store.Store // durable store for epochs
	nodeID      string
	lockKey     string
	ttl         time.Duration

	leaderCtx    context.Context // valid only while leader
	leaderCancel context.CancelFunc

	mu           sync.RWMutex
	isLeader     bool
	currentValue string // the exact JSON string for the held lease
	currentEpoch int64
	transitions  int64

	onElected func(context.Context)
	onLost    func()

	ctx    context.Context
	cancel context.CancelFunc
}

// ElectorState is the snapshot exposed on the dashboard.
type ElectorState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

func NewElector(c store.Coordinator, s store.Store, nodeID string, ttl time.Duration) *Elector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Elector{
		coordinator: c,
		store:       s,
		nodeID:      nodeID,
		lockKey:     "planforge:lock:sweeper",
		ttl:         ttl,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (e *Elector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

// FencedContext returns a context cancelled when leadership is lost. It
// carries the current fencing epoch.
func (e *Elector) FencedContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leaderCtx
}

// GetEpochFromContext extracts the fencing epoch from a context.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	val := ctx.Value(fencingEpochKey)
	if val == nil {
		return 0, false
	}
	epoch, ok := val.(int64)
	return epoch, ok
}

func (e *Elector) GetState() ElectorState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ElectorState{
		IsLeader:     e.isLeader,
		CurrentEpoch: e.currentEpoch,
		Transitions:  e.transitions,
		NodeID:       e.nodeID,
	}
}

func (e *Elector) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Elector) Stop() {
	e.cancel()
	if e.IsLeader() {
		e.release()
	}
}

func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

func (e *Elector) loop(ctx context.Context) {
	interval := e.ttl / 3
	minInterval := e.ttl / 3
	maxInterval := 10 * e.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
			}
			return
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						e.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("Elector: renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("Elector: too many renew failures, stepping down for safety")
						e.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					e.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				// Exponential backoff while the coordinator is unhealthy.
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("Elector: error encountered, backing off for %v", interval)
			} else {
				interval = minInterval
			}

			timer.Reset(interval)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	// The epoch comes from the durable store so it survives a Redis flush.
	epoch, err := e.store.IncrementDurableEpoch(ctx, "sweeper_election")
	if err != nil {
		log.Printf("Elector: failed to increment durable epoch: %v", err)
		return false, err
	}
	e.mu.Lock()
	if e.currentEpoch > 0 && epoch > e.currentEpoch+1 {
		log.Printf("Elector: epoch drift detected, jumped from %d to %d", e.currentEpoch, epoch)
		observability.LeadershipTransitions.WithLabelValues(e.nodeID, "epoch_drift").Inc()
	}
	e.currentEpoch = epoch
	e.mu.Unlock()

	meta := LockMetadata{
		OwnerNode: e.nodeID,
		Epoch:     epoch,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(e.ttl),
	}
	valBytes, _ := json.Marshal(meta)
	val := string(valBytes)

	acquired, err := e.coordinator.AcquireLease(ctx, e.lockKey, val, e.ttl)
	if err != nil {
		log.Printf("Elector: failed to acquire lease: %v", err)
		return false, err
	}

	if acquired {
		e.mu.Lock()
		e.currentValue = val
		e.mu.Unlock()
	}
	return acquired, nil
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	e.mu.RLock()
	val := e.currentValue
	e.mu.RUnlock()

	if val == "" {
		return false, nil
	}

	renewed, err := e.coordinator.RenewLease(ctx, e.lockKey, val, e.ttl)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return renewed, nil
}

func (e *Elector) release() {
	e.mu.RLock()
	val := e.currentValue
	e.mu.RUnlock()

	if val == "" {
		return
	}

	// Outer context may already be cancelled during shutdown.
	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.coordinator.ReleaseLease(ctxt, e.lockKey, val)
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	e.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	e.leaderCancel = cancel
	e.transitions++
	e.leaderCtx = context.WithValue(ctx, fencingEpochKey, e.currentEpoch)
	log.Printf("Elector: acquired leadership, node=%s epoch=%d", e.nodeID, e.currentEpoch)
	e.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(e.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(e.nodeID).Set(float64(e.currentEpoch))
	observability.LeaderStatus.Set(1)

	if e.onElected != nil {
		go e.onElected(e.leaderCtx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}

	observability.LeaderStatus.Set(0)
	e.isLeader = false
	e.transitions++

	if e.leaderCancel != nil {
		e.leaderCancel()
	}
	e.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(e.nodeID, "lost").Inc()

	log.Printf("Elector: lost leadership, node=%s", e.nodeID)
	if e.onLost != nil {
		e.onLost()
	}
}
