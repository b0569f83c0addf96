package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexfab/planforge/scheduling_plane/batch"
	"github.com/apexfab/planforge/scheduling_plane/coordination"
	"github.com/apexfab/planforge/scheduling_plane/idempotency"
	"github.com/apexfab/planforge/scheduling_plane/insert"
	"github.com/apexfab/planforge/scheduling_plane/middleware"
	"github.com/apexfab/planforge/scheduling_plane/plan"
	"github.com/apexfab/planforge/scheduling_plane/store"
	"github.com/apexfab/planforge/scheduling_plane/streaming"
	"github.com/apexfab/planforge/scheduling_plane/sweep"
	"github.com/apexfab/planforge/scheduling_plane/timeline"
	"github.com/apexfab/planforge/scheduling_plane/weights"
)

func nodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func envDuration(name string, unit, def time.Duration) time.Duration {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * unit
}

func main() {
	ctx := context.Background()

	// Durable schedule state: Postgres in production, memory for single-node
	// development.
	var s store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("postgres connection failed: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("using Postgres schedule store")
	} else {
		s = store.NewMemoryStore()
		log.Println("DATABASE_URL unset, using in-memory schedule store (single node only)")
	}

	// Coordination spine: leases and idempotency records live in Redis so
	// claims survive across nodes. Memory fallback is single-node only.
	var coord store.Coordinator
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rc, err := store.NewRedisCoordinator(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer rc.Close()
		coord = rc
		log.Printf("using Redis coordinator at %s", redisAddr)
	} else {
		coord = store.NewMemoryCoordinator()
		log.Println("REDIS_ADDR unset, using in-memory coordinator (single node only)")
	}

	approvalSecret := os.Getenv("APPROVAL_SECRET")
	if approvalSecret == "" {
		approvalSecret = "dev-approval-secret"
		log.Println("APPROVAL_SECRET unset, forced insertions use the dev secret")
	}

	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	trail := timeline.NewStore(0)
	issuer := plan.NewStoreIssuer(s)
	approval := plan.NewHMACApprovalChain(approvalSecret)

	groupTTL := envDuration("GROUP_TTL_HOURS", time.Hour, batch.DefaultPendingTTL)
	selectTTL := envDuration("SELECT_TTL_SECONDS", time.Second, insert.DefaultSelectTTL)

	detector := batch.NewDetector(s, issuer, publisher, trail, groupTTL)
	planner := insert.NewPlanner(s, issuer, approval, publisher, trail, selectTTL)
	engine := weights.NewEngine(s, publisher)

	sweepCfg := sweep.DefaultConfig()
	sweepCfg.SweepInterval = envDuration("SWEEP_INTERVAL_SECONDS", time.Second, sweepCfg.SweepInterval)
	sweepCfg.AdjustInterval = envDuration("ADJUST_INTERVAL_SECONDS", time.Second, sweepCfg.AdjustInterval)
	if h := envDuration("SLOT_HORIZON_HOURS", time.Hour, 0); h > 0 {
		sweepCfg.SlotHorizonHours = int(h / time.Hour)
	}
	sweeper := sweep.NewWorker(detector, planner, engine, s, trail, sweepCfg)

	// Leader election gates the scheduled sweeps so only one node per
	// deployment expires, generates and adapts.
	elector := coordination.NewElector(coord, s, "node-"+nodeID(), 30*time.Second)
	elector.SetCallbacks(
		func(ctx context.Context) {
			log.Println("[main] elected sweep leader")
		},
		func() {
			log.Println("[main] lost sweep leadership")
		},
	)
	sweeper.SetLeaderCheck(elector.IsLeader)
	elector.Start(ctx)
	sweeper.Start(ctx)

	idemStore := idempotency.NewStore(coord, time.Hour)

	api := NewAPI(s, detector, planner, engine, sweeper, elector, trail, idemStore)
	go api.wsHub.Run(ctx)

	authToken := os.Getenv("AUTH_TOKEN")
	if authToken == "" {
		log.Println("AUTH_TOKEN unset, API authentication disabled")
	}

	// protected wires the auth and factory-scope middleware in front of a
	// handler.
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware(authToken, middleware.FactoryMiddleware(h))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Order pool and outcome metrics
	mux.Handle("POST /orders", protected(api.handleUpsertOrder))
	mux.Handle("GET /orders", protected(api.handleListOrders))
	mux.Handle("POST /performance-metrics", protected(api.handleIngestMetric))

	// Mixed-batch groups
	mux.Handle("POST /groups/detect", protected(api.withIdempotency(api.handleDetectGroups)))
	mux.Handle("GET /groups", protected(api.handleListGroups))
	mux.Handle("GET /groups/{id}", protected(api.handleGetGroup))
	mux.Handle("POST /groups/{id}/confirm", protected(api.withIdempotency(api.handleConfirmGroup)))
	mux.Handle("POST /groups/{id}/reject", protected(api.handleRejectGroup))
	mux.Handle("PUT /groups/{id}/orders", protected(api.handleUpdateGroupOrders))

	// Merge rules
	mux.Handle("GET /rules", protected(api.handleListRules))
	mux.Handle("PUT /rules", protected(api.handleUpsertRule))
	mux.Handle("POST /rules/{type}/toggle", protected(api.handleToggleRule))

	// Insert slots
	mux.Handle("POST /slots/find", protected(api.handleFindSlots))
	mux.Handle("GET /slots", protected(api.handleListSlots))
	mux.Handle("POST /slots/generate", protected(api.handleGenerateSlots))
	mux.Handle("POST /slots/force", protected(api.withIdempotency(api.handleForceInsert)))
	mux.Handle("GET /slots/{id}", protected(api.handleGetSlot))
	mux.Handle("POST /slots/{id}/analyze", protected(api.handleAnalyzeSlot))
	mux.Handle("POST /slots/{id}/select", protected(api.handleSelectSlot))
	mux.Handle("POST /slots/{id}/release", protected(api.handleReleaseSlot))
	mux.Handle("POST /slots/{id}/confirm", protected(api.withIdempotency(api.handleConfirmSlot)))

	// Production plans
	mux.Handle("GET /plans/{id}", protected(api.handleGetPlan))

	// Strategy weights
	mux.Handle("GET /weights", protected(api.handleGetWeights))
	mux.Handle("PUT /weights", protected(api.handleSetWeights))
	mux.Handle("GET /weights/effectiveness", protected(api.handleEvaluateEffectiveness))
	mux.Handle("POST /weights/adjust", protected(api.withIdempotency(api.handleAdjustWeights)))
	mux.Handle("POST /weights/simulate", protected(api.handleSimulateWeights))
	mux.Handle("POST /weights/reset", protected(api.handleResetWeights))
	mux.Handle("GET /weights/history", protected(api.handleWeightHistory))

	// Background scheduler surface
	mux.Handle("GET /scheduler/status", protected(api.handleSchedulerStatus))
	mux.Handle("POST /scheduler/trigger", protected(api.handleTriggerAdjustment))
	mux.Handle("POST /admin/sweeper-mode", protected(api.handleSetSweeperMode))

	// Dashboard
	mux.Handle("GET /dashboard", protected(api.handleGetDashboard))
	mux.Handle("GET /dashboard/stream", protected(api.handleScheduleStream))
	mux.Handle("GET /timeline", protected(api.handleTimeline))

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	handler := middleware.CORSMiddleware(mux)

	log.Printf("planforge scheduling plane listening on %s", listenAddr)
	log.Fatal(http.ListenAndServe(listenAddr, handler))
}
