// Command pipecore-demo assembles one RunConfig, builds a small flow, and
// runs it end to end against real backends, exercising every component
// SPEC_FULL.md names: a run-state server (C/E), an IPC channel to a local
// engine (A/K), a Postgres-backed store (I), and an operator's choice of
// Postgres or Redis lock manager (J). Structured the way the teacher's
// cmd/main.go bootstraps its own app: an env-toggled mode, a deferred
// close, and a blocking run.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pipeforge/pipecore/config"
	"github.com/pipeforge/pipecore/engine"
	"github.com/pipeforge/pipecore/engine/localengine"
	"github.com/pipeforge/pipecore/engine/temporalengine"
	"github.com/pipeforge/pipecore/flow"
	db "github.com/pipeforge/pipecore/internal/data/db"
	"github.com/pipeforge/pipecore/internal/observability"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/lock"
	"github.com/pipeforge/pipecore/lock/pglock"
	"github.com/pipeforge/pipecore/lock/redislock"
	"github.com/pipeforge/pipecore/runstate"
	"github.com/pipeforge/pipecore/store"
	"github.com/pipeforge/pipecore/store/pgstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("pipecore-demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	observability.Init(log)
	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "pipecore-demo",
		Environment: os.Getenv("ENVIRONMENT"),
		Version:     "dev",
	})
	defer shutdownOtel(context.Background())

	demoCfg, err := config.LoadDemoConfig()
	if err != nil {
		return fmt.Errorf("load demo config: %w", err)
	}
	runID := config.NewRunID()
	log.Info("starting run", "run_id", runID, "lock_backend", demoCfg.LockBackend, "engine", demoCfg.Engine)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	st := pgstore.New(log, pg.DB())
	if err := st.Open(context.Background()); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close(context.Background())

	lockMgr, closeLock, err := buildLockManager(log, demoCfg, pg, runID)
	if err != nil {
		return fmt.Errorf("build lock manager: %w", err)
	}
	defer closeLock()

	f := buildDemoFlow(st)

	srv, err := runstate.New(log, lockMgr, f, demoCfg.NetworkInterface)
	if err != nil {
		return fmt.Errorf("start run-state server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	eng, err := buildEngine(log, demoCfg, srv.Endpoint(), st)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// rc is the assembled ConfigContext (SPEC_FULL.md §6): it is never
	// threaded into runstate.New/engine.Open directly (those already took
	// their store/lock/engine collaborators above), but it is the value a
	// caller embedding pipecore as a library holds onto for the run's
	// lifetime, so its fields drive this run end to end.
	rc := &config.RunConfig{
		Store:            st,
		LockManager:      lockMgr,
		Engine:           eng,
		NetworkInterface: demoCfg.NetworkInterface,
		IgnoreFreshInput: demoCfg.IgnoreFreshInput,
		RunID:            runID,
	}

	if err := rc.Engine.Open(ctx); err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer rc.Engine.Close(ctx)

	runErr := rc.Engine.Run(ctx, f)

	if err := srv.Stop(ctx); err != nil {
		log.Warn("stop run-state server", "error", err)
	}
	cancel()
	<-serveErr

	if runErr != nil {
		return fmt.Errorf("run flow: %w", runErr)
	}
	log.Info("run complete", "run_id", runID)
	return nil
}

func buildLockManager(log *logger.Logger, cfg *config.DemoConfig, pg *db.PostgresService, runID string) (lock.Manager, func(), error) {
	switch cfg.LockBackend {
	case "redis":
		m, err := redislock.New(log, cfg.Redis.Addr, runID)
		if err != nil {
			return nil, func() {}, err
		}
		return m, func() { _ = m.Close() }, nil
	default:
		sqlDB, err := pg.DB().DB()
		if err != nil {
			return nil, func() {}, fmt.Errorf("unwrap sql.DB: %w", err)
		}
		m := pglock.New(log, sqlDB, runID)
		return m, func() {}, nil
	}
}

func buildEngine(log *logger.Logger, cfg *config.DemoConfig, addr string, st store.Store) (engine.Engine, error) {
	switch cfg.Engine {
	case "temporal":
		return temporalengine.New(log, addr, st, cfg.IgnoreFreshInput), nil
	default:
		return localengine.New(log, addr, st, cfg.Workers, cfg.IgnoreFreshInput), nil
	}
}

// buildDemoFlow builds the literal-memo scenario from SPEC_FULL.md's S1
// seed: a producer task in stage_1 and a downstream child in stage_2
// declaring stage_1 as upstream, so did_finish_task's ref-count drain and
// the memo table both get exercised end to end. A task can never declare
// its own stage as upstream: a stage only reaches COMMITTED once every
// task inside it (including that one) has finished, so such a task could
// never become ready — the child therefore lives in its own stage. Task
// bodies in this demo do not thread a materialized Table between calls
// (the bundled engines dispatch by readiness, not by wiring one task's
// return value into another's args — see DESIGN.md); a real deployment
// wires argument passing at the flow-builder layer atop the same
// materialize.Wrapper.Call contract.
func buildDemoFlow(st store.Store) *flow.Flow {
	f := flow.New("pipecore-demo")
	stage1 := f.Stage("stage_1")
	stage2 := f.Stage("stage_2")

	stage1.Task("out", func(ctx context.Context, args []any) (any, error) {
		return &store.Table{Rows: []map[string]any{{"x": 0}}}, nil
	})

	stage2.Task("child", func(ctx context.Context, args []any) (any, error) {
		return 0, nil
	}, flow.WithUpstream(stage1.StageValue()))

	return f
}
