package sweep

import (
	"time"
)

// TaskKind names the maintenance work a sweep task carries.
type TaskKind string

const (
	KindExpireGroups  TaskKind = "expire_groups"
	KindExpireSlots   TaskKind = "expire_slots"
	KindGenerateSlots TaskKind = "generate_slots"
	KindAdjustWeights TaskKind = "adjust_weights"
)

// Task is one unit of background maintenance for a single factory.
type Task struct {
	TaskID     string
	FactoryID  string
	Kind       TaskKind
	Priority   int // 0 (urgent trigger) to 10 (routine sweep)
	Attempt    int
	SubmitTime time.Time // for priority aging
}

// Mode is the sweeper operating mode.
type Mode string

const (
	ModeNormal Mode = "NORMAL"
	// ModeDegraded sheds routine sweeps and keeps only high priority work.
	ModeDegraded Mode = "DEGRADED"
	// ModePaused accepts nothing; the queue drains.
	ModePaused Mode = "PAUSED"
)

// Config holds the sweeper cadence and admission settings.
type Config struct {
	// SweepInterval is the cadence of expiry and slot-generation passes.
	SweepInterval time.Duration
	// AdjustInterval is the cadence of scheduled weight adaptation.
	AdjustInterval time.Duration
	// SlotHorizonHours is how far ahead GenerateSlots fills windows.
	SlotHorizonHours int
	// MaxConcurrency bounds in-flight tasks.
	MaxConcurrency int
	// QueueThreshold is the depth that trips the circuit breaker.
	QueueThreshold int
	// FactoryRate and FactoryBurst bound per-factory task dispatch.
	FactoryRate  float64
	FactoryBurst int
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Minute,
		AdjustInterval:   time.Hour,
		SlotHorizonHours: 24,
		MaxConcurrency:   8,
		QueueThreshold:   500,
		FactoryRate:      2,
		FactoryBurst:     4,
	}
}

// Status is the snapshot exposed on the scheduler-status endpoint.
type Status struct {
	Running          bool                 `json:"running"`
	Leader           bool                 `json:"leader"`
	Mode             Mode                 `json:"mode"`
	QueueDepth       int                  `json:"queue_depth"`
	ActiveTasks      int                  `json:"active_tasks"`
	MaxConcurrency   int                  `json:"max_concurrency"`
	WorkerSaturation float64              `json:"worker_saturation"`
	CircuitState     string               `json:"circuit_breaker_state"`
	SweepInterval    string               `json:"sweep_interval"`
	AdjustInterval   string               `json:"adjust_interval"`
	LastSweep        map[string]time.Time `json:"last_sweep_per_factory"`
	LastAdjust       map[string]time.Time `json:"last_adjust_per_factory"`
	CompletedTasks   uint64               `json:"completed_tasks"`
	FailedTasks      uint64               `json:"failed_tasks"`
}
