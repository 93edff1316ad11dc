package materialize

import (
	"context"
	"encoding/json"
	"sync"
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

// fakeLockManager mirrors runstate's own test double: every call succeeds
// immediately, since materialize's decision tree never touches the lock
// manager directly (only through runstate.Client's init/commit RPCs).
type fakeLockManager struct{}

func (fakeLockManager) Acquire(ctx context.Context, stage int) error  { return nil }
func (fakeLockManager) Release(ctx context.Context, stage int) error  { return nil }
func (fakeLockManager) GetState(stage int) lock.State                 { return lock.Locked }
func (fakeLockManager) Validate(ctx context.Context, stage int) error { return nil }
func (fakeLockManager) AddListener(fn lock.Listener)                  {}
func (fakeLockManager) ReleaseAll(ctx context.Context) error          { return nil }

// fakeStore is an in-memory store.Store test double: cached outputs live in
// a map keyed by cache key, and JSONEncode/ComputeTaskCacheKey are real
// (not stubbed) so fingerprint-driven memo/cache keys behave like the real
// backend's.
type fakeStore struct {
	mu          sync.Mutex
	cached      map[store.CacheKey]store.MaterializedValue
	ensureCalls int32
	materializeN int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{cached: map[store.CacheKey]store.MaterializedValue{}}
}

func (s *fakeStore) Open(ctx context.Context) error  { return nil }
func (s *fakeStore) Close(ctx context.Context) error { return nil }

func (s *fakeStore) EnsureStageIsReady(ctx context.Context, stage store.StageRef) error {
	atomic.AddInt32(&s.ensureCalls, 1)
	return nil
}

func (s *fakeStore) RetrieveCachedOutput(ctx context.Context, key store.CacheKey) (store.MaterializedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cached[key]
	if !ok {
		return store.MaterializedValue{}, errs.NewCacheError("no entry", nil)
	}
	return v, nil
}

func (s *fakeStore) CopyCachedOutputToTransaction(ctx context.Context, stage store.StageRef, v store.MaterializedValue) error {
	return nil
}

func (s *fakeStore) DematerializeTaskInputs(ctx context.Context, args []any) ([]any, error) {
	return args, nil
}

func (s *fakeStore) MaterializeTask(ctx context.Context, stage store.StageRef, result any) (store.MaterializedValue, error) {
	atomic.AddInt32(&s.materializeN, 1)
	key, _ := store.CacheKeyFromContext(ctx)
	mv := store.MaterializedValue{Value: result}
	if key != "" {
		s.mu.Lock()
		s.cached[key] = mv
		s.mu.Unlock()
	}
	return mv, nil
}

func (s *fakeStore) ComputeTaskCacheKey(task store.TaskIdentity, inputFingerprint []byte, cacheFnOutput []byte) store.CacheKey {
	return store.CacheKey(task.Name + ":" + task.Version + ":" + string(inputFingerprint) + ":" + string(cacheFnOutput))
}

func (s *fakeStore) JSONEncode(v any) ([]byte, error) { return json.Marshal(v) }

func newTestRunstateServer(t *testing.T, f *flow.Flow) *runstate.Client {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)

	srv, err := runstate.New(log, fakeLockManager{}, f, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	client, err := runstate.Connect(srv.Endpoint())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func singleTaskFlow(name string, opts ...flow.TaskOption) (*flow.Flow, *flow.Task) {
	f := flow.New("test")
	sb := f.Stage("s0")
	task := sb.Task(name, func(ctx context.Context, args []any) (any, error) {
		return map[string]any{"out": "computed"}, nil
	}, opts...)
	return f, task
}

// TestCallComputesOnFirstCall exercises S1 of the decision tree: a memo
// miss and no prior cache entry falls all the way through to the task
// body, materializing its result and registering it as a computed outcome.
func TestCallComputesOnFirstCall(t *testing.T) {
	f, task := singleTaskFlow("t1")
	client := newTestRunstateServer(t, f)
	st := newFakeStore()
	w := New(mustLogger(t), client, st, f)

	result, err := w.Call(context.Background(), task, []any{1})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"out": "computed"}, result)
	require.EqualValues(t, 1, st.ensureCalls)
	require.EqualValues(t, 1, st.materializeN)
}

// TestCallMemoHitSkipsRecompute exercises S2: a second caller with an
// identical fingerprint after the first has stored its memo gets the
// stored value back without ever invoking the task body.
func TestCallMemoHitSkipsRecompute(t *testing.T) {
	var calls int32
	f := flow.New("test")
	sb := f.Stage("s0")
	task := sb.Task("t1", func(ctx context.Context, args []any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"out": "computed"}, nil
	})
	client := newTestRunstateServer(t, f)
	st := newFakeStore()
	w := New(mustLogger(t), client, st, f)

	_, err := w.Call(context.Background(), task, []any{"same"})
	require.NoError(t, err)
	_, err = w.Call(context.Background(), task, []any{"same"})
	require.NoError(t, err)

	require.EqualValues(t, 1, calls, "memo hit must not re-run the task body")
}

// TestCallMemoWaitBlocksUntilComputingPartyStores exercises the memo
// protocol's WAITING path: a second caller arriving while the first is
// still computing blocks until store_task_memo/exit_task_memo complete,
// then observes the same value rather than recomputing itself.
func TestCallMemoWaitBlocksUntilComputingPartyStores(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	f := flow.New("test")
	sb := f.Stage("s0")
	task := sb.Task("t1", func(ctx context.Context, args []any) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-release
		}
		return map[string]any{"out": "computed"}, nil
	})
	client := newTestRunstateServer(t, f)
	st := newFakeStore()
	w := New(mustLogger(t), client, st, f)

	var wg sync.WaitGroup
	results := make([]any, 2)
	errsOut := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errsOut[0] = w.Call(context.Background(), task, []any{"same"})
	}()
	time.Sleep(30 * time.Millisecond)
	go func() {
		defer wg.Done()
		results[1], errsOut[1] = w.Call(context.Background(), task, []any{"same"})
	}()

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errsOut[0])
	require.NoError(t, errsOut[1])
	require.Equal(t, results[0], results[1])
	require.EqualValues(t, 1, calls, "only the computing party runs the task body")
}

// TestCallLazyTaskAlwaysRunsBody exercises S3: a lazy task skips the cache
// lookup and runs its body even when a cache entry for the same key
// already exists.
func TestCallLazyTaskAlwaysRunsBody(t *testing.T) {
	var calls int32
	f := flow.New("test")
	sb := f.Stage("s0")
	task := sb.Task("t1", func(ctx context.Context, args []any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"out": "computed"}, nil
	}, flow.WithLazy())
	client := newTestRunstateServer(t, f)
	st := newFakeStore()
	w := New(mustLogger(t), client, st, f)

	key := st.ComputeTaskCacheKey(store.TaskIdentity{TaskID: task.ID, Name: task.Name}, mustJSON(t, []any{"x"}), nil)
	st.cached[key] = store.MaterializedValue{Value: "stale"}

	result, err := w.Call(context.Background(), task, []any{"x"})
	require.NoError(t, err)
	require.NotEqual(t, "stale", result)
	require.EqualValues(t, 1, calls, "lazy task body must run even with a cache entry present")
}

// TestCallCacheHitSkipsBodyButStillMemoizes covers the non-lazy cache-hit
// path of computeOrLoad: a pre-populated cache entry is returned without
// running the task body, and the outcome is still recorded through the
// memo protocol so a second identical call becomes a memo hit.
func TestCallCacheHitSkipsBodyButStillMemoizes(t *testing.T) {
	var calls int32
	f := flow.New("test")
	sb := f.Stage("s0")
	task := sb.Task("t1", func(ctx context.Context, args []any) (any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"out": "computed"}, nil
	})
	client := newTestRunstateServer(t, f)
	st := newFakeStore()
	w := New(mustLogger(t), client, st, f)

	key := st.ComputeTaskCacheKey(store.TaskIdentity{TaskID: task.ID, Name: task.Name}, mustJSON(t, []any{"x"}), nil)
	st.cached[key] = store.MaterializedValue{Value: "from-cache", TableNames: []string{"orders"}}

	result, err := w.Call(context.Background(), task, []any{"x"})
	require.NoError(t, err)
	require.Equal(t, "from-cache", result)
	require.EqualValues(t, 0, calls, "cache hit must not run the task body")
}

// TestCallFailurePropagatesAndPoisonsMemo covers invariant 3 on the
// failure path: a failing task body poisons its memo entry, so a later
// caller with the same fingerprint gets an error instead of hanging.
func TestCallFailurePropagatesAndPoisonsMemo(t *testing.T) {
	f := flow.New("test")
	sb := f.Stage("s0")
	boom := sb.Task("boom", func(ctx context.Context, args []any) (any, error) {
		return nil, context.DeadlineExceeded
	})
	client := newTestRunstateServer(t, f)
	st := newFakeStore()
	w := New(mustLogger(t), client, st, f)

	_, err := w.Call(context.Background(), boom, []any{1})
	require.Error(t, err)

	_, err = w.Call(context.Background(), boom, []any{1})
	require.Error(t, err, "a second caller with the same fingerprint must observe the poisoned memo, not hang")
}

func mustLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	return log
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
