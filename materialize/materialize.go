// Package materialize implements component F: the per-task-call decision
// tree deciding whether to return a memoized value, load a cache hit, or
// dematerialize inputs and run the task body, then materialize its output.
// Grounded directly on SPEC_FULL.md §4.F's algorithm, which is itself
// unchanged in meaning from spec.md.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/internal/observability"
	"github.com/pipeforge/pipecore/internal/platform/ctxutil"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/runstate"
	"github.com/pipeforge/pipecore/store"
)

// Wrapper drives the decision tree for every task call in one run. One
// Wrapper is constructed per worker process, bound to that worker's
// run-state client proxy and store handle — mirroring the client proxy's
// own "one proxy per worker" scoping (SPEC_FULL.md §4.D).
type Wrapper struct {
	log    *logger.Logger
	client *runstate.Client
	st     store.Store
	flow   *flow.Flow

	// IgnoreFreshInput omits the cache-fn contribution from the cache key
	// when set, so "fresh input" changes alone cannot invalidate an
	// otherwise-equal task (SPEC_FULL.md §4.F, run flag ignore_fresh_input).
	IgnoreFreshInput bool
}

// New constructs a Wrapper bound to f, a run-state client proxy, and a
// store backend.
func New(log *logger.Logger, client *runstate.Client, st store.Store, f *flow.Flow) *Wrapper {
	return &Wrapper{log: log.With("component", "MaterializationWrapper"), client: client, st: st, flow: f}
}

// Call executes task with args through the full memo/cache/compute decision
// tree and returns its (placeholder-substituted) result.
func (w *Wrapper) Call(ctx context.Context, task *flow.Task, args []any) (any, error) {
	ctx = ctxutil.Default(ctx)
	metrics := observability.Current()
	start := time.Now()

	stageRef := w.stageRef(task.Stage)

	execute, finish, err := w.client.InitStage(ctx, task.Stage)
	if err != nil {
		return nil, err
	}
	if execute {
		if err := w.st.EnsureStageIsReady(ctx, stageRef); err != nil {
			_ = finish(ctx, false)
			return nil, err
		}
		if err := finish(ctx, true); err != nil {
			return nil, err
		}
	}

	fingerprint, err := w.st.JSONEncode(args)
	if err != nil {
		return nil, errs.NewStageError(task.Stage, "encode bound arguments", err)
	}

	var cacheFnOutput []byte
	if task.Cache.CacheFn != nil && !w.IgnoreFreshInput {
		cacheFnOutput, err = task.Cache.CacheFn(args)
		if err != nil {
			return nil, errs.NewStageError(task.Stage, "cache function", err)
		}
	}

	identity := store.TaskIdentity{TaskID: task.ID, Name: task.Name, Version: task.Cache.Version}
	cacheKey := w.st.ComputeTaskCacheKey(identity, fingerprint, cacheFnOutput)

	hit, value, err := w.client.EnterTaskMemo(ctx, task.Stage, string(cacheKey))
	if err != nil {
		if metrics != nil {
			metrics.MaterializeTime.ObserveDuration(start, "error")
		}
		return nil, err
	}
	if hit {
		if metrics != nil {
			metrics.MemoHits.Inc()
			metrics.MaterializeTime.ObserveDuration(start, "memo_hit")
		}
		w.client.DidFinishTask(ctx, task.Upstream, flow.TaskCompleted)
		return value, nil
	}
	if metrics != nil {
		metrics.MemoMisses.Inc()
	}

	result, outcome, err := w.computeOrLoad(ctx, task, stageRef, args, cacheKey)
	if err != nil {
		_ = w.client.ExitTaskMemo(ctx, task.Stage, string(cacheKey), false)
		w.client.DidFinishTask(ctx, task.Upstream, flow.TaskFailed)
		if metrics != nil {
			metrics.MaterializeTime.ObserveDuration(start, "error")
		}
		return nil, err
	}

	if err := w.client.StoreTaskMemo(ctx, task.Stage, string(cacheKey), result); err != nil {
		return nil, err
	}
	if err := w.client.ExitTaskMemo(ctx, task.Stage, string(cacheKey), true); err != nil {
		return nil, err
	}
	w.client.DidFinishTask(ctx, task.Upstream, flow.TaskCompleted)

	if metrics != nil {
		metrics.MaterializeTime.ObserveDuration(start, outcome)
		if outcome == "cache_hit" {
			metrics.CacheHits.Inc()
		}
	}
	return result, nil
}

// computeOrLoad implements steps 4-5 of SPEC_FULL.md §4.F: a non-lazy task
// first tries a cache lookup; any failure (a genuine *errs.CacheError miss
// or otherwise) falls through to dematerialize+run+materialize. Lazy tasks
// always run their body.
func (w *Wrapper) computeOrLoad(ctx context.Context, task *flow.Task, stageRef store.StageRef, args []any, cacheKey store.CacheKey) (any, string, error) {
	if !task.Cache.Lazy {
		cached, err := w.st.RetrieveCachedOutput(ctx, cacheKey)
		if err == nil {
			if err := w.st.CopyCachedOutputToTransaction(ctx, stageRef, cached); err == nil {
				if _, _, _, err := w.client.AddNames(ctx, task.Stage, cached.TableNames, cached.BlobNames); err != nil {
					return nil, "", err
				}
				return cached.Value, "cache_hit", nil
			}
		} else {
			var cacheErr *errs.CacheError
			if !errors.As(err, &cacheErr) {
				w.log.Warn("cache lookup failed with a non-cache error; recomputing", "stage", task.Stage, "task", task.Name, "error", err)
			}
			if metrics := observability.Current(); metrics != nil {
				metrics.CacheMisses.Inc()
			}
		}
	}

	demArgs, err := w.st.DematerializeTaskInputs(ctx, args)
	if err != nil {
		return nil, "", err
	}

	result, err := task.Fn(ctx, demArgs)
	if err != nil {
		return nil, "", errs.NewStageError(task.Stage, "task body", err)
	}

	materializeCtx := store.WithCacheKey(ctx, cacheKey)
	mv, err := w.st.MaterializeTask(materializeCtx, stageRef, result)
	if err != nil {
		return nil, "", err
	}

	ok, tableDups, blobDups, err := w.client.AddNames(ctx, task.Stage, mv.TableNames, mv.BlobNames)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", errs.NewStageError(task.Stage, "duplicate artifact names", errDuplicateNames(tableDups, blobDups))
	}

	return mv.Value, "computed", nil
}

func (w *Wrapper) stageRef(stageID int) store.StageRef {
	s := w.flow.Stages[stageID]
	return store.StageRef{ID: s.ID, Name: s.Name, TxName: s.TxName}
}

func errDuplicateNames(tables, blobs []string) error {
	return fmt.Errorf("duplicate names: tables=%v blobs=%v", tables, blobs)
}
