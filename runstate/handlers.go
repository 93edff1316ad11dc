package runstate

import (
	"context"

	"github.com/pipeforge/pipecore/flow"
)

// registerHandlers binds every RPC op in SPEC_FULL.md §4.C's operation
// table to the corresponding Server method, adapting between the wire's
// untyped []any argument list and Go's typed method signatures.
func (s *Server) registerHandlers() {
	s.ipc.Register("get_stage_ref_count", func(ctx context.Context, args []any) (any, error) {
		return s.GetStageRefCount(toInt(args[0])), nil
	})

	s.ipc.Register("get_stage_state", func(ctx context.Context, args []any) (any, error) {
		return int(s.GetStageState(toInt(args[0]))), nil
	})

	s.ipc.Register("enter_init_stage", func(ctx context.Context, args []any) (any, error) {
		return s.EnterInitStage(ctx, toInt(args[0]))
	})
	s.ipc.Register("exit_init_stage", func(ctx context.Context, args []any) (any, error) {
		return nil, s.ExitInitStage(toInt(args[0]), toBool(args[1]))
	})

	s.ipc.Register("enter_commit_stage", func(ctx context.Context, args []any) (any, error) {
		return s.EnterCommitStage(ctx, toInt(args[0]))
	})
	s.ipc.Register("exit_commit_stage", func(ctx context.Context, args []any) (any, error) {
		return nil, s.ExitCommitStage(toInt(args[0]), toBool(args[1]))
	})

	s.ipc.Register("acquire_stage_lock", func(ctx context.Context, args []any) (any, error) {
		return nil, s.AcquireStageLock(ctx, toInt(args[0]))
	})
	s.ipc.Register("release_stage_lock", func(ctx context.Context, args []any) (any, error) {
		return nil, s.ReleaseStageLock(ctx, toInt(args[0]))
	})
	s.ipc.Register("validate_stage_lock", func(ctx context.Context, args []any) (any, error) {
		return nil, s.ValidateStageLock(ctx, toInt(args[0]))
	})

	s.ipc.Register("did_finish_task", func(ctx context.Context, args []any) (any, error) {
		upstream := toIntSlice(args[0])
		final := flow.FinalTaskState(toInt(args[1]))
		s.DidFinishTask(ctx, upstream, final)
		return nil, nil
	})

	s.ipc.Register("enter_task_memo", func(ctx context.Context, args []any) (any, error) {
		hit, value, err := s.EnterTaskMemo(toInt(args[0]), toStr(args[1]))
		if err != nil {
			return nil, err
		}
		return []any{hit, value}, nil
	})
	s.ipc.Register("store_task_memo", func(ctx context.Context, args []any) (any, error) {
		return nil, s.StoreTaskMemo(toInt(args[0]), toStr(args[1]), args[2])
	})
	s.ipc.Register("exit_task_memo", func(ctx context.Context, args []any) (any, error) {
		return nil, s.ExitTaskMemo(toInt(args[0]), toStr(args[1]), toBool(args[2]))
	})

	s.ipc.Register("add_names", func(ctx context.Context, args []any) (any, error) {
		tables := toStringSlice(args[1])
		blobs := toStringSlice(args[2])
		ok, tdup, bdup := s.AddNames(toInt(args[0]), tables, blobs)
		return []any{ok, tdup, bdup}, nil
	})
	s.ipc.Register("remove_names", func(ctx context.Context, args []any) (any, error) {
		s.RemoveNames(toInt(args[0]), toStringSlice(args[1]), toStringSlice(args[2]))
		return nil, nil
	})
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toIntSlice(v any) []int {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, len(arr))
	for i, a := range arr {
		out[i] = toInt(a)
	}
	return out
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func toStringSlice(v any) []string {
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
