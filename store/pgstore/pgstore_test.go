package pgstore

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/internal/platform/testutil"
	"github.com/pipeforge/pipecore/store"
)

var stageIDCounter int32

func newBackend(t *testing.T) *Backend {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)
	db := testutil.DB(t)
	b := New(log, db)
	require.NoError(t, b.Open(context.Background()))
	return b
}

func TestMaterializeThenDematerializeRoundTrips(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	stage := store.StageRef{ID: int(uniqueStageID()), Name: "s", TxName: "s__tmp"}

	require.NoError(t, b.EnsureStageIsReady(ctx, stage))

	result := &store.Table{Stage: stage.ID, Name: "orders", Rows: []map[string]any{{"id": float64(1)}}}
	mv, err := b.MaterializeTask(ctx, stage, result)
	require.NoError(t, err)
	require.Equal(t, []string{"orders"}, mv.TableNames)

	placeholder, ok := mv.Value.(*store.Table)
	require.True(t, ok)
	require.Empty(t, placeholder.Rows, "materialized placeholder must not carry rows back to the caller")

	loaded, err := b.DematerializeTaskInputs(ctx, []any{placeholder})
	require.NoError(t, err)
	tbl, ok := loaded[0].(*store.Table)
	require.True(t, ok)
	require.Equal(t, []map[string]any{{"id": float64(1)}}, tbl.Rows)
}

func TestRetrieveCachedOutputMissReturnsCacheError(t *testing.T) {
	b := newBackend(t)
	_, err := b.RetrieveCachedOutput(context.Background(), store.CacheKey("does-not-exist"))
	require.Error(t, err)
	var cacheErr *errs.CacheError
	require.ErrorAs(t, err, &cacheErr)
}

func TestMaterializeTaskIndexesCacheEntry(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	stage := store.StageRef{ID: int(uniqueStageID()), Name: "s", TxName: "s__tmp"}
	require.NoError(t, b.EnsureStageIsReady(ctx, stage))

	key := store.CacheKey(uuid.NewString())
	ctx = store.WithCacheKey(ctx, key)

	_, err := b.MaterializeTask(ctx, stage, &store.Table{Stage: stage.ID, Name: "widgets", Rows: []map[string]any{{"n": float64(1)}}})
	require.NoError(t, err)

	cached, err := b.RetrieveCachedOutput(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, []string{"widgets"}, cached.TableNames)
}

func TestComputeTaskCacheKeyIsDeterministic(t *testing.T) {
	b := newBackend(t)
	id := store.TaskIdentity{TaskID: 1, Name: "t", Version: "v1"}
	k1 := b.ComputeTaskCacheKey(id, []byte("fp"), nil)
	k2 := b.ComputeTaskCacheKey(id, []byte("fp"), nil)
	k3 := b.ComputeTaskCacheKey(id, []byte("other"), nil)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func uniqueStageID() int32 {
	return atomic.AddInt32(&stageIDCounter, 1) + 100000
}
