package localengine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/lock"
	"github.com/pipeforge/pipecore/runstate"
	"github.com/pipeforge/pipecore/store"
)

type fakeLockManager struct{}

func (fakeLockManager) Acquire(ctx context.Context, stage int) error  { return nil }
func (fakeLockManager) Release(ctx context.Context, stage int) error  { return nil }
func (fakeLockManager) GetState(stage int) lock.State                 { return lock.Locked }
func (fakeLockManager) Validate(ctx context.Context, stage int) error { return nil }
func (fakeLockManager) AddListener(fn lock.Listener)                  {}
func (fakeLockManager) ReleaseAll(ctx context.Context) error          { return nil }

type fakeStore struct{}

func (fakeStore) Open(ctx context.Context) error  { return nil }
func (fakeStore) Close(ctx context.Context) error { return nil }
func (fakeStore) EnsureStageIsReady(ctx context.Context, stage store.StageRef) error {
	return nil
}
func (fakeStore) RetrieveCachedOutput(ctx context.Context, key store.CacheKey) (store.MaterializedValue, error) {
	return store.MaterializedValue{}, errs.NewCacheError("no entry", nil)
}
func (fakeStore) CopyCachedOutputToTransaction(ctx context.Context, stage store.StageRef, v store.MaterializedValue) error {
	return nil
}
func (fakeStore) DematerializeTaskInputs(ctx context.Context, args []any) ([]any, error) {
	return args, nil
}
func (fakeStore) MaterializeTask(ctx context.Context, stage store.StageRef, result any) (store.MaterializedValue, error) {
	return store.MaterializedValue{Value: result}, nil
}
func (fakeStore) ComputeTaskCacheKey(task store.TaskIdentity, inputFingerprint []byte, cacheFnOutput []byte) store.CacheKey {
	return store.CacheKey(task.Name + string(inputFingerprint))
}
func (fakeStore) JSONEncode(v any) ([]byte, error) { return json.Marshal(v) }

func startRunStateServer(t *testing.T, f *flow.Flow) string {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)

	srv, err := runstate.New(log, fakeLockManager{}, f, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return srv.Endpoint()
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	return log
}

// TestRunCompletesUpstreamStageBeforeDownstream exercises the core
// readiness-gating contract: a downstream task must not start until every
// upstream stage it declares has committed.
func TestRunCompletesUpstreamStageBeforeDownstream(t *testing.T) {
	f := flow.New("t")
	stage1 := f.Stage("s1")
	stage2 := f.Stage("s2")

	var stage1Done int32
	var stage2SawStage1Done int32

	stage1.Task("a", func(ctx context.Context, args []any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&stage1Done, 1)
		return "a-out", nil
	})
	stage2.Task("b", func(ctx context.Context, args []any) (any, error) {
		if atomic.LoadInt32(&stage1Done) == 1 {
			atomic.StoreInt32(&stage2SawStage1Done, 1)
		}
		return "b-out", nil
	}, flow.WithUpstream(stage1.StageValue()))

	addr := startRunStateServer(t, f)
	eng := New(testLogger(t), addr, fakeStore{}, 4, false)
	require.NoError(t, eng.Open(context.Background()))
	defer eng.Close(context.Background())

	err := eng.Run(context.Background(), f)
	require.NoError(t, err)
	require.EqualValues(t, 1, stage2SawStage1Done)
}

// TestRunFailsFastOnTaskError ensures a failing task body surfaces as the
// run's returned error while in-flight siblings still drain cleanly.
func TestRunFailsFastOnTaskError(t *testing.T) {
	f := flow.New("t")
	stage1 := f.Stage("s1")
	boom := errors.New("task exploded")
	stage1.Task("a", func(ctx context.Context, args []any) (any, error) {
		return nil, boom
	})
	stage1.Task("b", func(ctx context.Context, args []any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	})

	addr := startRunStateServer(t, f)
	eng := New(testLogger(t), addr, fakeStore{}, 4, false)
	require.NoError(t, eng.Open(context.Background()))
	defer eng.Close(context.Background())

	err := eng.Run(context.Background(), f)
	require.Error(t, err)
}

// TestRunCommitsStageOnlyOnceEveryTaskFinishes guards the exact invariant
// the reviewer flagged in engine/temporalengine: a multi-task stage's
// commit_stage transition must not fire until every task it owns has
// completed, never on the first one to finish.
func TestRunCommitsStageOnlyOnceEveryTaskFinishes(t *testing.T) {
	f := flow.New("t")
	stage1 := f.Stage("s1")
	stage2 := f.Stage("s2")

	release := make(chan struct{})
	stage1.Task("fast", func(ctx context.Context, args []any) (any, error) {
		return "fast-out", nil
	})
	stage1.Task("slow", func(ctx context.Context, args []any) (any, error) {
		<-release
		return "slow-out", nil
	})
	stage2.Task("downstream", func(ctx context.Context, args []any) (any, error) {
		return "downstream-out", nil
	}, flow.WithUpstream(stage1.StageValue()))

	addr := startRunStateServer(t, f)
	eng := New(testLogger(t), addr, fakeStore{}, 4, false)
	require.NoError(t, eng.Open(context.Background()))
	defer eng.Close(context.Background())

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), f) }()

	time.Sleep(50 * time.Millisecond)
	state, err := eng.client.GetStageState(context.Background(), stage1.StageValue().ID)
	require.NoError(t, err)
	require.NotEqual(t, flow.StageCommitted, state, "stage must not commit while \"slow\" is still running")

	close(release)
	require.NoError(t, <-done)
}
