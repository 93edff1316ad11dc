package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowBuildsDenseIDsAndRefCounts(t *testing.T) {
	f := New("demo")

	stage1 := f.Stage("stage_1")
	out := stage1.Task("out", func(ctx context.Context, args []any) (any, error) {
		return 0, nil
	})
	child := stage1.Task("child", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	}, WithUpstream(stage1.stage))

	require.Equal(t, 0, stage1.stage.ID)
	require.Equal(t, 0, out.ID)
	require.Equal(t, 1, child.ID)

	counts := f.RefCounts()
	require.Len(t, counts, 1)
	require.EqualValues(t, 1, counts[0])
}

func TestStageIsIdempotentByName(t *testing.T) {
	f := New("demo")
	a := f.Stage("a")
	b := f.Stage("a")
	require.Same(t, a.stage, b.stage)
	require.Len(t, f.Stages, 1)
}
