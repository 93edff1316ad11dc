package runstate

import (
	"context"
	"fmt"

	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/ipc"
)

// Client is component D: a proxy to a Server reachable only through its
// bound address. It carries no other state, so it can be handed to a
// worker process unchanged (SPEC_FULL.md §4.D).
type Client struct {
	rpc *ipc.Client
}

// Connect dials a run-state server at addr.
func Connect(addr string) (*Client, error) {
	c, err := ipc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: c}, nil
}

func (c *Client) Close() error { return c.rpc.Close() }

func (c *Client) GetStageRefCount(ctx context.Context, stage int) (int32, error) {
	res, err := c.rpc.Call(ctx, "get_stage_ref_count", stage)
	if err != nil {
		return 0, err
	}
	return int32(toInt(res)), nil
}

func (c *Client) GetStageState(ctx context.Context, stage int) (flow.StageState, error) {
	res, err := c.rpc.Call(ctx, "get_stage_state", stage)
	if err != nil {
		return 0, err
	}
	return flow.StageState(toInt(res)), nil
}

func (c *Client) AcquireStageLock(ctx context.Context, stage int) error {
	_, err := c.rpc.Call(ctx, "acquire_stage_lock", stage)
	return err
}

func (c *Client) ReleaseStageLock(ctx context.Context, stage int) error {
	_, err := c.rpc.Call(ctx, "release_stage_lock", stage)
	return err
}

func (c *Client) ValidateStageLock(ctx context.Context, stage int) error {
	_, err := c.rpc.Call(ctx, "validate_stage_lock", stage)
	return err
}

func (c *Client) DidFinishTask(ctx context.Context, upstream []int, final flow.FinalTaskState) error {
	args := make([]any, len(upstream))
	for i, s := range upstream {
		args[i] = s
	}
	_, err := c.rpc.Call(ctx, "did_finish_task", args, int(final))
	return err
}

// EnterTaskMemo returns (hit, value). hit=false means the caller is the
// computing party and must call StoreTaskMemo followed by ExitTaskMemo.
func (c *Client) EnterTaskMemo(ctx context.Context, stage int, key string) (bool, any, error) {
	res, err := c.rpc.Call(ctx, "enter_task_memo", stage, key)
	if err != nil {
		return false, nil, err
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return false, nil, fmt.Errorf("runstate: malformed enter_task_memo response")
	}
	hit, _ := pair[0].(bool)
	return hit, pair[1], nil
}

func (c *Client) StoreTaskMemo(ctx context.Context, stage int, key string, value any) error {
	_, err := c.rpc.Call(ctx, "store_task_memo", stage, key, value)
	return err
}

func (c *Client) ExitTaskMemo(ctx context.Context, stage int, key string, success bool) error {
	_, err := c.rpc.Call(ctx, "exit_task_memo", stage, key, success)
	return err
}

// AddNames reserves table/blob names in stage. success=false reports the
// colliding names back to the caller without reserving anything.
func (c *Client) AddNames(ctx context.Context, stage int, tables, blobs []string) (bool, []string, []string, error) {
	res, err := c.rpc.Call(ctx, "add_names", stage, toAnySlice(tables), toAnySlice(blobs))
	if err != nil {
		return false, nil, nil, err
	}
	triple, ok := res.([]any)
	if !ok || len(triple) != 3 {
		return false, nil, nil, fmt.Errorf("runstate: malformed add_names response")
	}
	ok2, _ := triple[0].(bool)
	return ok2, anyToStringSlice(triple[1]), anyToStringSlice(triple[2]), nil
}

func (c *Client) RemoveNames(ctx context.Context, stage int, tables, blobs []string) error {
	_, err := c.rpc.Call(ctx, "remove_names", stage, toAnySlice(tables), toAnySlice(blobs))
	return err
}

// Finish is returned by InitStage/CommitStage: the caller must invoke it
// exactly once, reporting whether the stage body completed successfully.
type Finish func(ctx context.Context, success bool) error

// InitStage is component E's first scoped operation: it blocks until the
// stage is UNINITIALIZED (entering INITIALIZING) or already READY, telling
// the caller whether it actually needs to run the stage's init body. When
// execute is false, finish is a no-op.
func (c *Client) InitStage(ctx context.Context, stage int) (execute bool, finish Finish, err error) {
	res, callErr := c.rpc.Call(ctx, "enter_init_stage", stage)
	if callErr != nil {
		return false, noopFinish, callErr
	}
	execute, _ = res.(bool)
	if !execute {
		return false, noopFinish, nil
	}
	return true, func(ctx context.Context, success bool) error {
		_, err := c.rpc.Call(ctx, "exit_init_stage", stage, success)
		return err
	}, nil
}

// CommitStage is component E's second scoped operation, analogous to
// InitStage for the READY -> COMMITTING -> COMMITTED transition.
func (c *Client) CommitStage(ctx context.Context, stage int) (execute bool, finish Finish, err error) {
	res, callErr := c.rpc.Call(ctx, "enter_commit_stage", stage)
	if callErr != nil {
		return false, noopFinish, callErr
	}
	execute, _ = res.(bool)
	if !execute {
		return false, noopFinish, nil
	}
	return true, func(ctx context.Context, success bool) error {
		_, err := c.rpc.Call(ctx, "exit_commit_stage", stage, success)
		return err
	}, nil
}

func noopFinish(ctx context.Context, success bool) error { return nil }

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func anyToStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, a := range arr {
		if s, ok := a.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
