package sweep

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/observability"
	"github.com/apexfab/planforge/scheduling_plane/plan"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/timeline"
	"github.com/apexfab/planforge/scheduling_plane/weights"
)

// GroupSweeper expires lapsed mixed-batch groups.
type GroupSweeper interface {
	CleanupExpired(ctx context.Context, factoryID string) (int, error)
}

// SlotSweeper expires stale insert slots and tops up the slot inventory.
type SlotSweeper interface {
	CleanupExpired(ctx context.Context, factoryID string) (int, error)
	GenerateSlots(ctx context.Context, factoryID string, horizonHours int) (int, error)
}

// WeightAdjuster runs one adaptation pass for a factory.
type WeightAdjuster interface {
	AdjustWeights(ctx context.Context, factoryID string, from, to time.Time, baseline string) (*store.WeightAdjustmentResult, error)
}

// FactoryLister enumerates factory scopes to sweep.
type FactoryLister interface {
	ListFactories(ctx context.Context) ([]string, error)
}

var ErrQueueFull = errors.New("sweep queue is full")
var ErrNotAccepting = errors.New("sweeper is not accepting tasks")

// Worker runs schedule maintenance in the background: group and slot expiry,
// slot-window generation, and scheduled weight adaptation. Exactly one node
// should run it at a time; the leader gate keeps followers idle.
type Worker struct {
	queue     *TaskQueue
	limiter   *FactoryLimiter
	breaker   *CircuitBreaker
	groups    GroupSweeper
	slots     SlotSweeper
	adjuster  WeightAdjuster
	factories FactoryLister
	trail     *timeline.Store
	cfg       Config

	isLeader func() bool

	mu         sync.RWMutex
	mode       Mode
	running    bool
	lastSweep  map[string]time.Time
	lastAdjust map[string]time.Time

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancel    context.CancelFunc
}

func NewWorker(groups GroupSweeper, slots SlotSweeper, adjuster WeightAdjuster, factories FactoryLister, trail *timeline.Store, cfg Config) *Worker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = DefaultConfig().AdjustInterval
	}
	if cfg.SlotHorizonHours <= 0 {
		cfg.SlotHorizonHours = DefaultConfig().SlotHorizonHours
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = DefaultConfig().QueueThreshold
	}
	if cfg.FactoryRate <= 0 {
		cfg.FactoryRate = DefaultConfig().FactoryRate
	}
	if cfg.FactoryBurst <= 0 {
		cfg.FactoryBurst = DefaultConfig().FactoryBurst
	}
	return &Worker{
		queue:      NewTaskQueue(),
		limiter:    NewFactoryLimiter(cfg.FactoryRate, cfg.FactoryBurst),
		breaker:    NewCircuitBreaker(cfg.QueueThreshold),
		groups:     groups,
		slots:      slots,
		adjuster:   adjuster,
		factories:  factories,
		trail:      trail,
		cfg:        cfg,
		isLeader:   func() bool { return true },
		mode:       ModeNormal,
		lastSweep:  make(map[string]time.Time),
		lastAdjust: make(map[string]time.Time),
	}
}

// SetLeaderCheck installs the gate consulted before scheduled sweeps run.
func (w *Worker) SetLeaderCheck(f func() bool) {
	if f != nil {
		w.isLeader = f
	}
}

// SetMode switches the sweeper operating mode.
func (w *Worker) SetMode(mode Mode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = mode
	log.Printf("[sweep] switched to %s mode", mode)
}

// Submit admits a task through the circuit breaker and queue cap.
func (w *Worker) Submit(task *Task) error {
	w.mu.RLock()
	mode := w.mode
	w.mu.RUnlock()

	if mode == ModePaused {
		observability.SweepRejections.WithLabelValues("paused").Inc()
		return ErrNotAccepting
	}
	if mode == ModeDegraded && task.Priority > 5 {
		observability.SweepRejections.WithLabelValues("degraded").Inc()
		return ErrNotAccepting
	}

	if !w.breaker.ShouldAdmit(w.queue.Len(), w.saturation()) {
		observability.SweepRejections.WithLabelValues("circuit_open").Inc()
		return ErrQueueFull
	}

	if task.TaskID == "" {
		task.TaskID = plan.NewID("task")
	}
	if task.SubmitTime.IsZero() {
		task.SubmitTime = time.Now()
	}
	w.queue.Push(task)
	observability.SweepQueueDepth.Set(float64(w.queue.Len()))
	return nil
}

// TriggerAdjust queues an immediate weight adaptation pass for one factory.
func (w *Worker) TriggerAdjust(factoryID string) error {
	return w.Submit(&Task{FactoryID: factoryID, Kind: KindAdjustWeights, Priority: 0})
}

// Start launches the dispatch and scheduling loops.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()

	go w.dispatchLoop(ctx)
	go w.scheduleLoop(ctx)
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
}

// dispatchLoop drains the queue within the concurrency bound.
func (w *Worker) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.dispatchNext(ctx)
			observability.SweepQueueDepth.Set(float64(w.queue.Len()))
			w.exportCircuitState()
		}
	}
}

// scheduleLoop enqueues routine maintenance for every known factory. Only the
// leader enqueues; followers keep their loops warm but idle.
func (w *Worker) scheduleLoop(ctx context.Context) {
	sweepTicker := time.NewTicker(w.cfg.SweepInterval)
	adjustTicker := time.NewTicker(w.cfg.AdjustInterval)
	defer sweepTicker.Stop()
	defer adjustTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			w.enqueueForAll(ctx, KindExpireGroups, KindExpireSlots, KindGenerateSlots)
		case <-adjustTicker.C:
			w.enqueueForAll(ctx, KindAdjustWeights)
		}
	}
}

func (w *Worker) enqueueForAll(ctx context.Context, kinds ...TaskKind) {
	if !w.isLeader() {
		observability.SweepRejections.WithLabelValues("not_leader").Inc()
		return
	}
	ids, err := w.factories.ListFactories(ctx)
	if err != nil {
		log.Printf("[sweep] list factories: %v", err)
		return
	}
	for _, factoryID := range ids {
		for _, kind := range kinds {
			task := &Task{FactoryID: factoryID, Kind: kind, Priority: 8}
			if err := w.Submit(task); err != nil {
				log.Printf("[sweep] enqueue %s for %s: %v", kind, factoryID, err)
			}
		}
	}
}

func (w *Worker) dispatchNext(ctx context.Context) {
	if w.queue.Len() == 0 {
		return
	}
	if int(w.active.Load()) >= w.cfg.MaxConcurrency {
		return
	}

	task := w.queue.Pop()
	if task == nil {
		return
	}

	if !w.limiter.Allow(task.FactoryID) {
		observability.SweepRejections.WithLabelValues("rate_limited").Inc()
		w.queue.PushDelayed(task, time.Second)
		return
	}

	w.active.Add(1)
	go func() {
		defer w.active.Add(-1)
		w.runTask(ctx, task)
	}()
}

func (w *Worker) runTask(ctx context.Context, task *Task) {
	start := time.Now()
	err := w.execute(ctx, task)
	observability.SweepDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.failed.Add(1)
		w.breaker.RecordFailure()
		log.Printf("[sweep] %s for %s failed (attempt %d): %v", task.Kind, task.FactoryID, task.Attempt, err)
		if task.Attempt < 3 {
			task.Attempt++
			w.queue.PushDelayed(task, time.Duration(task.Attempt)*5*time.Second)
		}
		return
	}

	w.completed.Add(1)
	w.breaker.RecordSuccess()
	w.markDone(task)
}

func (w *Worker) execute(ctx context.Context, task *Task) error {
	switch task.Kind {
	case KindExpireGroups:
		n, err := w.groups.CleanupExpired(ctx, task.FactoryID)
		if err != nil {
			return err
		}
		if n > 0 {
			observability.SweepExpired.WithLabelValues(task.FactoryID, "group").Add(float64(n))
			log.Printf("[sweep] expired %d groups in %s", n, task.FactoryID)
		}
		return nil
	case KindExpireSlots:
		n, err := w.slots.CleanupExpired(ctx, task.FactoryID)
		if err != nil {
			return err
		}
		if n > 0 {
			observability.SweepExpired.WithLabelValues(task.FactoryID, "slot").Add(float64(n))
			log.Printf("[sweep] expired %d insert slots in %s", n, task.FactoryID)
		}
		return nil
	case KindGenerateSlots:
		n, err := w.slots.GenerateSlots(ctx, task.FactoryID, w.cfg.SlotHorizonHours)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("[sweep] generated %d insert slots in %s", n, task.FactoryID)
		}
		return nil
	case KindAdjustWeights:
		res, err := w.adjuster.AdjustWeights(ctx, task.FactoryID, time.Time{}, time.Time{}, weights.BaselineCurrent)
		if err != nil {
			// Nothing to adapt yet is routine, not a failure.
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		w.recordAdjust(task, res)
		return nil
	}
	return store.Validationf("unknown sweep task kind %q", task.Kind)
}

func (w *Worker) recordAdjust(task *Task, res *store.WeightAdjustmentResult) {
	if w.trail == nil {
		return
	}
	w.trail.Record(timeline.DecisionEvent{
		RefID:     task.TaskID,
		Stage:     "ADJUSTED",
		FactoryID: task.FactoryID,
		ActorID:   "sweeper",
		Metadata:  map[string]string{"reason": res.Reason},
	})
}

func (w *Worker) markDone(task *Task) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch task.Kind {
	case KindAdjustWeights:
		w.lastAdjust[task.FactoryID] = time.Now()
	default:
		w.lastSweep[task.FactoryID] = time.Now()
	}
}

func (w *Worker) saturation() float64 {
	return float64(w.active.Load()) / float64(w.cfg.MaxConcurrency)
}

func (w *Worker) exportCircuitState() {
	state := w.breaker.GetState()
	for _, s := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		observability.SweepCircuitState.WithLabelValues(s.String()).Set(v)
	}
}

// Status snapshots the sweeper for the scheduler-status endpoint.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	lastSweep := make(map[string]time.Time, len(w.lastSweep))
	for k, v := range w.lastSweep {
		lastSweep[k] = v
	}
	lastAdjust := make(map[string]time.Time, len(w.lastAdjust))
	for k, v := range w.lastAdjust {
		lastAdjust[k] = v
	}

	return Status{
		Running:          w.running,
		Leader:           w.isLeader(),
		Mode:             w.mode,
		QueueDepth:       w.queue.Len(),
		ActiveTasks:      int(w.active.Load()),
		MaxConcurrency:   w.cfg.MaxConcurrency,
		WorkerSaturation: w.saturation(),
		CircuitState:     w.breaker.GetState().String(),
		SweepInterval:    w.cfg.SweepInterval.String(),
		AdjustInterval:   w.cfg.AdjustInterval.String(),
		LastSweep:        lastSweep,
		LastAdjust:       lastAdjust,
		CompletedTasks:   w.completed.Load(),
		FailedTasks:      w.failed.Load(),
	}
}
