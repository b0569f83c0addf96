package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GroupsDetected tracks mixed-batch candidates produced per detection run.
	GroupsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_groups_detected_total",
		Help: "Total mixed-batch group candidates produced by detection",
	}, []string{"factory", "rule_type"})

	// GroupTransitions tracks group lifecycle transitions.
	GroupTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_group_transitions_total",
		Help: "Total group status transitions",
	}, []string{"factory", "to_status"})

	// PendingGroups tracks groups currently awaiting a planner decision.
	PendingGroups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planforge_pending_groups",
		Help: "Current number of PENDING mixed-batch groups",
	}, []string{"factory"})

	// DetectionDuration tracks the duration of one detection pass.
	DetectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planforge_detection_duration_seconds",
		Help:    "Duration of a mixed-batch detection pass",
		Buckets: prometheus.DefBuckets,
	})

	// SlotClaims tracks claim attempts on insert slots.
	SlotClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_slot_claims_total",
		Help: "Insert-slot claim attempts by outcome",
	}, []string{"factory", "outcome"}) // claimed, conflict, lapsed, released

	// SlotConfirmations tracks confirmed insertions, split by approval path.
	SlotConfirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_slot_confirmations_total",
		Help: "Confirmed slot insertions",
	}, []string{"factory", "path"}) // default, forced

	// FreeInsertSlots tracks offerable slots per factory.
	FreeInsertSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planforge_free_insert_slots",
		Help: "Current number of FREE insert slots",
	}, []string{"factory"})

	// WeightAdjustments tracks adaptation runs by outcome.
	WeightAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_weight_adjustments_total",
		Help: "Weight adaptation runs",
	}, []string{"factory", "outcome"}) // applied, skipped, simulated, manual, reset

	// StrategyWeight exports the live weight vector.
	StrategyWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planforge_strategy_weight",
		Help: "Current weight per scoring strategy",
	}, []string{"factory", "strategy"})

	// StrategyEffectiveness exports the last computed effectiveness per strategy.
	StrategyEffectiveness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planforge_strategy_effectiveness",
		Help: "Last computed effectiveness score per strategy (0-1)",
	}, []string{"factory", "strategy"})

	// SweepDuration tracks the duration of one sweep cycle.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planforge_sweep_duration_seconds",
		Help:    "Duration of one background sweep cycle",
		Buckets: prometheus.DefBuckets,
	})

	// SweepExpired tracks rows expired by the sweeper.
	SweepExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_sweep_expired_total",
		Help: "Rows expired by the background sweeper",
	}, []string{"factory", "kind"}) // group, slot

	// SweepQueueDepth tracks pending sweep tasks (circuit breaker signal).
	SweepQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planforge_sweep_queue_depth",
		Help: "Current number of tasks in the sweep queue",
	})

	// SweepRejections tracks sweep tasks rejected by admission control.
	SweepRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_sweep_rejections_total",
		Help: "Sweep tasks rejected by admission control",
	}, []string{"reason"}) // circuit_open, not_leader, rate_limited

	// SweepCircuitState tracks the sweep circuit breaker state.
	SweepCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planforge_sweep_circuit_state",
		Help: "Sweep circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	// LeadershipEpoch tracks the current fencing epoch of the sweep leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "planforge_leader_epoch",
		Help: "Current fencing epoch of the sweep leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeaderStatus tracks current leader status.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planforge_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// VersionedWriteSuccess tracks successful CAS writes.
	VersionedWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planforge_versioned_write_success_total",
		Help: "Total number of successful versioned writes",
	})

	// VersionedWriteConflict tracks version conflicts detected.
	VersionedWriteConflict = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planforge_versioned_write_conflict_total",
		Help: "Total number of version conflicts detected",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"}) // detect, find_slots, adjust

	// IdempotencyReplays tracks confirm requests answered from the idempotency cache.
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "planforge_idempotency_replays_total",
		Help: "Confirm requests answered from the idempotency cache",
	})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type", "reason"})

	// ConnectedStreamClients tracks live websocket dashboard clients.
	ConnectedStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planforge_connected_stream_clients",
		Help: "Current number of connected schedule-stream clients",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})
)
