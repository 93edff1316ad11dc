package dematerialize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/store"
)

type fakeStore struct {
	dematerialized []any
	err            error
}

func (f *fakeStore) Open(ctx context.Context) error  { return nil }
func (f *fakeStore) Close(ctx context.Context) error { return nil }
func (f *fakeStore) EnsureStageIsReady(ctx context.Context, stage store.StageRef) error {
	return nil
}
func (f *fakeStore) RetrieveCachedOutput(ctx context.Context, key store.CacheKey) (store.MaterializedValue, error) {
	return store.MaterializedValue{}, nil
}
func (f *fakeStore) CopyCachedOutputToTransaction(ctx context.Context, stage store.StageRef, v store.MaterializedValue) error {
	return nil
}
func (f *fakeStore) DematerializeTaskInputs(ctx context.Context, args []any) ([]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.dematerialized = args
	out := make([]any, len(args))
	for i, a := range args {
		if tbl, ok := a.(store.Table); ok {
			tbl.Rows = []map[string]any{{"id": 1}}
			out[i] = tbl
			continue
		}
		out[i] = a
	}
	return out, nil
}
func (f *fakeStore) MaterializeTask(ctx context.Context, stage store.StageRef, result any) (store.MaterializedValue, error) {
	return store.MaterializedValue{}, nil
}
func (f *fakeStore) ComputeTaskCacheKey(task store.TaskIdentity, inputFingerprint []byte, cacheFnOutput []byte) store.CacheKey {
	return ""
}
func (f *fakeStore) JSONEncode(v any) ([]byte, error) { return nil, nil }

func TestGetStageStateAlwaysCommitted(t *testing.T) {
	c := New(&fakeStore{})
	require.Equal(t, flow.StageCommitted, c.GetStageState(0))
	require.Equal(t, flow.StageCommitted, c.GetStageState(7))
}

func TestValidateStageLockIsNoop(t *testing.T) {
	c := New(&fakeStore{})
	require.NoError(t, c.ValidateStageLock(context.Background(), 3))
}

func TestDematerializeResolvesSingleReference(t *testing.T) {
	st := &fakeStore{}
	c := New(st)

	ref := store.Table{Stage: 0, Name: "orders"}
	out, err := c.Dematerialize(context.Background(), ref)
	require.NoError(t, err)

	loaded, ok := out.(store.Table)
	require.True(t, ok)
	require.Equal(t, []map[string]any{{"id": 1}}, loaded.Rows)
	require.Equal(t, []any{ref}, st.dematerialized)
}

func TestDematerializePropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	c := New(&fakeStore{err: boom})

	_, err := c.Dematerialize(context.Background(), store.Blob{Name: "x"})
	require.ErrorIs(t, err, boom)
}
