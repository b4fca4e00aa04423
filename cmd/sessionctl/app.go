package main

import (
	"fmt"
	"log"
	"time"

	"github.com/waypoint-labs/sessionctl/internal/config"
	"github.com/waypoint-labs/sessionctl/internal/eventbus"
	"github.com/waypoint-labs/sessionctl/internal/metrics"
	"github.com/waypoint-labs/sessionctl/internal/model"
	"github.com/waypoint-labs/sessionctl/internal/orchestrator"
	"github.com/waypoint-labs/sessionctl/internal/reaper"
	"github.com/waypoint-labs/sessionctl/internal/registry"
	"github.com/waypoint-labs/sessionctl/internal/runner"
	"github.com/waypoint-labs/sessionctl/internal/scheduler"
	"github.com/waypoint-labs/sessionctl/internal/store"
)

// app is the composition root wired once per CLI invocation: Store,
// Registry, EventBus, Scheduler, Reaper, Metrics, and Orchestrator.
// Every subcommand builds one of these and closes its store when done.
type app struct {
	cfg     *config.Config
	db      *store.DB
	orch    *orchestrator.Orchestrator
	reaper  *reaper.Reaper
	metrics *metrics.Metrics
}

// newApp loads configuration, opens the database, and wires every
// collaborator together. Callers must call Close when finished.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dbPath := cfg.Store.Path
	if dbPathFlag != "" {
		dbPath = dbPathFlag
	}
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}

	db, err := store.Open(dbPath, store.PoolConfig{
		MaxOpenConns: cfg.Store.PoolMax,
		MaxIdleConns: cfg.Store.PoolIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	db.SetGateConfig(cfg.Gate.CriticalEpicKeywords, cfg.Gate.AutoFailureTolerance, cfg.Gate.RetestStride)

	m := metrics.New()
	db.SetMetrics(m)

	reg := registry.New()
	reg.SetMetrics(m)
	bus := eventbus.New(cfg.EventBus.BufferPerSubscriber)
	bus.SetMetrics(m)

	// The real SessionRunner is an external agent driver. The CLI wires
	// the in-memory Fake so `serve`/`project init`/`project code` have
	// something to drive end to end without a live LLM; an embedder
	// replaces this with a real driver that satisfies
	// runner.SessionRunner — and needs the Anthropic key checked below,
	// so a missing or malformed key is surfaced at startup rather than
	// at session time.
	if key, err := config.GetAPIKey(cfg); err != nil {
		log.Printf("[app] %v; coding sessions use the built-in fake runner", err)
	} else if err := config.ValidateAPIKey(key); err != nil {
		log.Printf("[app] anthropic api key %s: %v", config.MaskAPIKey(key), err)
	}
	run := &runner.Fake{
		InitScripts: []runner.Script{{Result: runner.Result{Status: runner.ResultCompleted}}},
		CodeScripts: []runner.Script{{Result: runner.Result{Status: runner.ResultCompleted}}},
	}

	sched := scheduler.New(db, reg, bus, run)
	sched.CancelGrace = time.Duration(cfg.Scheduler.CancelGraceSeconds) * time.Second

	rp := reaper.New(db, reg, bus, cfg.ReaperInterval(), map[model.SessionType]time.Duration{
		model.SessionInitializer: cfg.InitStaleAfter(),
		model.SessionCoding:      cfg.CodingStaleAfter(),
	})
	rp.SetMetrics(m)

	orch := orchestrator.New(db, reg, bus, sched)

	return &app{cfg: cfg, db: db, orch: orch, reaper: rp, metrics: m}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
