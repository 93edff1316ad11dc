// Package localengine implements component K's in-process backend: a
// goroutine pool that rescans pending tasks each time a task finishes,
// dispatching a task as soon as every stage it depends on has committed; a
// per-stage count of unfinished tasks decides when a stage commits. Grounded on
// internal/modules/learning/steps/ingest_chunks.go's bounded-concurrency
// fan-out (golang.org/x/sync/errgroup with g.SetLimit), generalized here
// from a fixed file list to a readiness-gated task pool, and stripped of
// its retry/backoff/heartbeat machinery: this system's stage FSM has no
// automatic retry, FAILED is terminal (SPEC_FULL.md §4.K).
package localengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/materialize"
	"github.com/pipeforge/pipecore/runstate"
	"github.com/pipeforge/pipecore/store"
)

// Engine is an engine.Engine backed by an in-process worker pool.
type Engine struct {
	log              *logger.Logger
	addr             string
	st               store.Store
	workers          int
	ignoreFreshInput bool

	client *runstate.Client
}

// New constructs a local engine that will dial addr (a run-state server's
// bound endpoint) when opened, dispatching up to workers tasks
// concurrently.
func New(log *logger.Logger, addr string, st store.Store, workers int, ignoreFreshInput bool) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		log:              log.With("component", "LocalEngine"),
		addr:             addr,
		st:               st,
		workers:          workers,
		ignoreFreshInput: ignoreFreshInput,
	}
}

func (e *Engine) Open(ctx context.Context) error {
	c, err := runstate.Connect(e.addr)
	if err != nil {
		return err
	}
	e.client = c
	return nil
}

func (e *Engine) Close(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Run dispatches f's tasks: a task becomes eligible once every stage in its
// Upstream set has committed. A stage commits once every task declared in
// it has completed; the last such task to finish drives that stage's
// commit_stage transition. Workers share a bounded semaphore; the run
// fails fast on the first task error but still waits for in-flight
// goroutines to drain before returning.
func (e *Engine) Run(ctx context.Context, f *flow.Flow) error {
	wrapper := materialize.New(e.log, e.client, e.st, f)
	wrapper.IgnoreFreshInput = e.ignoreFreshInput

	remaining := make([]int32, len(f.Stages))
	for _, t := range f.Tasks {
		remaining[t.Stage]++
	}

	var mu sync.Mutex
	committed := make([]bool, len(f.Stages))
	started := make([]bool, len(f.Tasks))
	var firstErr error
	var left int32 = int32(len(f.Tasks))

	sem := make(chan struct{}, e.workers)
	wake := make(chan struct{}, len(f.Tasks)+1)
	wake <- struct{}{}
	var wg sync.WaitGroup

	isReady := func(t *flow.Task) bool {
		for _, s := range t.Upstream {
			if !committed[s] {
				return false
			}
		}
		return true
	}

	runTask := func(idx int, t *flow.Task) {
		defer wg.Done()
		sem <- struct{}{}
		_, err := wrapper.Call(ctx, t, nil)
		<-sem

		mu.Lock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			remaining[t.Stage]--
			if remaining[t.Stage] == 0 {
				if cerr := e.commitStage(ctx, t.Stage); cerr != nil {
					if firstErr == nil {
						firstErr = cerr
					}
				} else {
					committed[t.Stage] = true
				}
			}
		}
		mu.Unlock()
		atomic.AddInt32(&left, -1)

		select {
		case wake <- struct{}{}:
		default:
		}
	}

	for atomic.LoadInt32(&left) > 0 {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-wake:
		}

		mu.Lock()
		if firstErr != nil {
			mu.Unlock()
			break
		}
		for i, t := range f.Tasks {
			if started[i] || !isReady(t) {
				continue
			}
			started[i] = true
			wg.Add(1)
			go runTask(i, t)
		}
		mu.Unlock()
	}

	wg.Wait()
	return firstErr
}

// commitStage drives a stage's commit_stage transition once every task it
// owns has completed. Only one caller across the whole run actually
// executes the transition (CommitStage's own execute flag), matching the
// stage lifecycle coordinator's single-executor guarantee.
func (e *Engine) commitStage(ctx context.Context, stage int) error {
	execute, finish, err := e.client.CommitStage(ctx, stage)
	if err != nil {
		return err
	}
	if !execute {
		return nil
	}
	return finish(ctx, true)
}
