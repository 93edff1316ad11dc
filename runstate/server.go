// Package runstate implements components C (run-state server) and E
// (stage lifecycle coordinator, embedded here and exposed through the
// client proxy in client.go). It is the authoritative in-memory store of
// stage states, reference counts, memo table, and per-stage name sets for
// one run, serving RPC requests over an ipc.Server.
//
// Grounded on a job orchestrator's struct-of-arrays stage state and DAG
// dependency bookkeeping, generalized from a single persisted job's stage
// map to the per-run, in-memory, four-mutex model this system's
// stage-coordination model requires.
package runstate

import (
	"context"
	"sync"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/ipc"
	"github.com/pipeforge/pipecore/lock"
)

// setupMu is the process-wide analogue of the original's
// "_pipedag_setup_" lock manager lock: held while a new Server acquires
// locks on every stage of its flow, so two concurrently starting runs
// cannot deadlock by acquiring overlapping stage sets in different
// orders (SPEC_FULL.md §5, "Initialization lock-order invariant").
var setupMu sync.Mutex

type transition struct {
	from, transitional, target flow.StageState
}

var (
	initTransition   = transition{flow.StageUninitialized, flow.StageInitializing, flow.StageReady}
	commitTransition = transition{flow.StageReady, flow.StageCommitting, flow.StageCommitted}
)

type memoKey struct {
	Stage int
	Key   string
}

type memoEntry struct {
	waiting bool
	failed  bool
	stored  bool
	value   any
}

// Server is the run's single authoritative state holder. Four independent
// mutexes guard disjoint state (stage state, ref counts, name sets, memo
// table); when more than one is needed in the same call the fixed
// acquisition order is state -> ref-count -> names -> memo
// (SPEC_FULL.md §5). No code path here holds two at once in practice —
// each operation releases one before entering another.
type Server struct {
	log     *logger.Logger
	lockMgr lock.Manager
	ipc     *ipc.Server

	stateMu    sync.Mutex
	stateCond  *sync.Cond
	stageState []flow.StageState

	refMu    sync.Mutex
	refCount []int32

	namesMu    sync.Mutex
	tableNames []map[string]bool
	blobNames  []map[string]bool

	memoMu   sync.Mutex
	memoCond *sync.Cond
	memo     map[memoKey]*memoEntry
}

// New constructs a run-state server for f, acquiring a distributed lock on
// every stage before returning (the flow's stages are locked for the
// lifetime of the run) and binding an IPC listener on iface.
func New(log *logger.Logger, lockMgr lock.Manager, f *flow.Flow, iface string) (*Server, error) {
	s := &Server{
		log:        log.With("component", "RunStateServer"),
		lockMgr:    lockMgr,
		stageState: make([]flow.StageState, len(f.Stages)),
		refCount:   f.RefCounts(),
		tableNames: make([]map[string]bool, len(f.Stages)),
		blobNames:  make([]map[string]bool, len(f.Stages)),
		memo:       map[memoKey]*memoEntry{},
	}
	for i := range f.Stages {
		s.tableNames[i] = map[string]bool{}
		s.blobNames[i] = map[string]bool{}
	}
	s.stateCond = sync.NewCond(&s.stateMu)
	s.memoCond = sync.NewCond(&s.memoMu)

	setupMu.Lock()
	defer setupMu.Unlock()
	for _, st := range f.Stages {
		if err := lockMgr.Acquire(context.Background(), st.ID); err != nil {
			return nil, err
		}
	}

	ipcSrv, err := ipc.NewServer(log, iface)
	if err != nil {
		return nil, err
	}
	s.ipc = ipcSrv
	s.registerHandlers()
	return s, nil
}

// Endpoint returns the bound RPC address, the state client.Client needs to
// connect.
func (s *Server) Endpoint() string { return s.ipc.Addr() }

// Serve runs the IPC accept loop until ctx is canceled or Stop is called.
func (s *Server) Serve(ctx context.Context) error { return s.ipc.Serve(ctx) }

// Stop halts the IPC listener and releases every remaining stage lock,
// per SPEC_FULL.md §5's shutdown semantics.
func (s *Server) Stop(ctx context.Context) error {
	s.ipc.Stop()
	return s.lockMgr.ReleaseAll(ctx)
}

// GetStageRefCount returns ref_count[s].
func (s *Server) GetStageRefCount(stage int) int32 {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refCount[stage]
}

// GetStageState returns the stage's current lifecycle state.
func (s *Server) GetStageState(stage int) flow.StageState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.stageState[stage]
}

// EnterInitStage implements the enter_init_stage RPC: the
// stage-transition algorithm from SPEC_FULL.md §4.C applied to the
// UNINITIALIZED -> INITIALIZING -> READY transition.
func (s *Server) EnterInitStage(ctx context.Context, stage int) (bool, error) {
	return s.enterTransition(stage, initTransition)
}

// ExitInitStage implements exit_init_stage.
func (s *Server) ExitInitStage(stage int, success bool) error {
	return s.exitTransition(stage, initTransition, success)
}

// EnterCommitStage implements enter_commit_stage: READY -> COMMITTING ->
// COMMITTED.
func (s *Server) EnterCommitStage(ctx context.Context, stage int) (bool, error) {
	return s.enterTransition(stage, commitTransition)
}

// ExitCommitStage implements exit_commit_stage.
func (s *Server) ExitCommitStage(stage int, success bool) error {
	return s.exitTransition(stage, commitTransition, success)
}

func (s *Server) enterTransition(stage int, tr transition) (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.stageState[stage] == tr.target {
		return false, nil
	}
	if s.stageState[stage] == tr.from {
		s.stageState[stage] = tr.transitional
		return true, nil
	}
	for s.stageState[stage] == tr.transitional {
		s.stateCond.Wait()
	}
	if s.stageState[stage] == tr.target {
		return false, nil
	}
	if s.stageState[stage] == flow.StageFailed {
		return false, errs.NewStageError(stage, "peer transition failed", nil)
	}
	if s.stageState[stage] == tr.from {
		s.stageState[stage] = tr.transitional
		return true, nil
	}
	return false, nil
}

func (s *Server) exitTransition(stage int, tr transition, success bool) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.stageState[stage] != tr.transitional {
		return errs.NewStageError(stage, "exit called without matching transitional state", nil)
	}
	if success {
		s.stageState[stage] = tr.target
	} else {
		s.stageState[stage] = flow.StageFailed
	}
	s.stateCond.Broadcast()
	return nil
}

// AcquireStageLock, ReleaseStageLock, and ValidateStageLock forward to the
// lock manager. They are never called while a state/ref-count/names/memo
// mutex is held (SPEC_FULL.md §5, "the external lock-manager is never
// called while any C mutex is held").
func (s *Server) AcquireStageLock(ctx context.Context, stage int) error {
	return s.lockMgr.Acquire(ctx, stage)
}

func (s *Server) ReleaseStageLock(ctx context.Context, stage int) error {
	return s.lockMgr.Release(ctx, stage)
}

func (s *Server) ValidateStageLock(ctx context.Context, stage int) error {
	return s.lockMgr.Validate(ctx, stage)
}

// DidFinishTask decrements ref_count[s] for every upstream stage of the
// finished task. Stages whose counter reaches zero have their locks
// released outside the ref-count mutex, so the lock manager is never
// invoked while it is held. Never returns an error: a negative counter is
// logged, not treated as a hard invariant violation (SPEC_FULL.md §9 open
// question resolution).
func (s *Server) DidFinishTask(ctx context.Context, upstream []int, final flow.FinalTaskState) {
	s.refMu.Lock()
	var toRelease []int
	for _, stage := range upstream {
		s.refCount[stage]--
		if s.refCount[stage] < 0 {
			s.log.Error("ref count went negative", "stage", stage, "count", s.refCount[stage])
		}
		if s.refCount[stage] == 0 {
			toRelease = append(toRelease, stage)
		}
	}
	s.refMu.Unlock()

	for _, stage := range toRelease {
		if err := s.lockMgr.Release(ctx, stage); err != nil {
			s.log.Error("failed to release stage lock on ref-count drain", "stage", stage, "error", err)
		}
	}
}

// EnterTaskMemo implements the memo protocol of SPEC_FULL.md §4.C: the
// first caller for a given key becomes the computing party (returns
// hit=false and must eventually call StoreTaskMemo); later callers block
// until the entry resolves and receive a semi-deep copy of the stored
// value, or an error if the computing party failed.
func (s *Server) EnterTaskMemo(stage int, key string) (bool, any, error) {
	s.memoMu.Lock()
	mk := memoKey{Stage: stage, Key: key}
	e, ok := s.memo[mk]
	if !ok {
		s.memo[mk] = &memoEntry{waiting: true}
		s.memoMu.Unlock()
		return false, nil, nil
	}
	for e.waiting {
		s.memoCond.Wait()
	}
	defer s.memoMu.Unlock()
	if e.failed {
		return false, nil, errs.NewStageError(stage, "peer failed with identical inputs", nil)
	}
	return true, semiDeepCopy(e.value), nil
}

// StoreTaskMemo replaces a WAITING entry with its concrete value and wakes
// every waiter.
func (s *Server) StoreTaskMemo(stage int, key string, value any) error {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	mk := memoKey{Stage: stage, Key: key}
	e, ok := s.memo[mk]
	if !ok || !e.waiting {
		return errs.NewStageError(stage, "store_task_memo called without a WAITING entry", nil)
	}
	e.value = value
	e.stored = true
	e.waiting = false
	s.memoCond.Broadcast()
	return nil
}

// ExitTaskMemo finalizes the computing party's turn. success=false moves
// WAITING -> FAILED. success=true is a checked postcondition: the
// computing party must already have called StoreTaskMemo, or the entry
// would otherwise be left WAITING forever (SPEC_FULL.md §9 open-question
// resolution — promoted from an unchecked assumption to a returned error).
func (s *Server) ExitTaskMemo(stage int, key string, success bool) error {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	mk := memoKey{Stage: stage, Key: key}
	e, ok := s.memo[mk]
	if !ok {
		return errs.NewStageError(stage, "exit_task_memo called without an entry", nil)
	}
	if !success {
		e.failed = true
		e.waiting = false
		s.memoCond.Broadcast()
		return nil
	}
	if !e.stored {
		return errs.NewStageError(stage, "exit_task_memo(success=true)", errs.ErrMemoNotStored)
	}
	return nil
}

func semiDeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = semiDeepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = semiDeepCopy(vv)
		}
		return out
	default:
		// Leaf artifacts are references into the store and therefore safe
		// to share without copying (SPEC_FULL.md §9).
		return v
	}
}

// AddNames reserves tables/blobs in stage's name sets atomically: either
// every name is newly present afterward, or none is, and the duplicates
// found are reported back.
func (s *Server) AddNames(stage int, tables, blobs []string) (success bool, tableDups, blobDups []string) {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()

	for _, t := range tables {
		if s.tableNames[stage][t] {
			tableDups = append(tableDups, t)
		}
	}
	for _, b := range blobs {
		if s.blobNames[stage][b] {
			blobDups = append(blobDups, b)
		}
	}
	if len(tableDups) > 0 || len(blobDups) > 0 {
		return false, tableDups, blobDups
	}
	for _, t := range tables {
		s.tableNames[stage][t] = true
	}
	for _, b := range blobs {
		s.blobNames[stage][b] = true
	}
	return true, nil, nil
}

// RemoveNames is AddNames's inverse, used on rollback.
func (s *Server) RemoveNames(stage int, tables, blobs []string) {
	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	for _, t := range tables {
		delete(s.tableNames[stage], t)
	}
	for _, b := range blobs {
		delete(s.blobNames[stage], b)
	}
}
