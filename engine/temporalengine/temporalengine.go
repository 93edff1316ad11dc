// Package temporalengine implements component K's durable backend: one
// workflow per run, one activity per task, fanned out with
// workflow.ExecuteActivity as soon as a task's dependency count reaches
// zero. Grounded on a ticking workflow-loop pattern (wait for a signal or
// poll, then decide what to continue) and a worker-bootstrap retry-connect
// pattern, both generalized here from their original continue-as-new
// long-running-workflow shape down to a single bounded DAG run, reusing
// internal/temporalx for client/worker bootstrap (SPEC_FULL.md §4.K).
package temporalengine

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/internal/platform/logger"
	"github.com/pipeforge/pipecore/internal/temporalx"
	"github.com/pipeforge/pipecore/materialize"
	"github.com/pipeforge/pipecore/runstate"
	"github.com/pipeforge/pipecore/store"
)

// Engine is an engine.Engine backed by a Temporal workflow/activity pair.
// Unlike localengine, the worker process registering the workflow/activity
// must be the same process that built f (task bodies are Go closures, not
// serializable across a worker boundary), so Run starts an in-process
// Temporal worker rather than only dialing a remote one; Open only dials.
type Engine struct {
	log              *logger.Logger
	addr             string
	st               store.Store
	ignoreFreshInput bool

	tc temporalsdkclient.Client
	w  worker.Worker
}

const workflowName = "PipecoreRun"
const activityName = "PipecoreRunTask"
const commitStageActivityName = "PipecoreCommitStage"

// New constructs a Temporal-backed engine. addr is the run-state server's
// bound endpoint; Temporal's own address/namespace/task queue come from
// TEMPORAL_* environment variables via internal/temporalx.
func New(log *logger.Logger, addr string, st store.Store, ignoreFreshInput bool) *Engine {
	return &Engine{
		log:              log.With("component", "TemporalEngine"),
		addr:             addr,
		st:               st,
		ignoreFreshInput: ignoreFreshInput,
	}
}

func (e *Engine) Open(ctx context.Context) error {
	tc, err := temporalx.NewClient(e.log)
	if err != nil {
		return err
	}
	if tc == nil {
		return fmt.Errorf("temporalengine: TEMPORAL_ADDRESS not set")
	}
	e.tc = tc
	return nil
}

func (e *Engine) Close(ctx context.Context) error {
	if e.tc != nil {
		e.tc.Close()
	}
	return nil
}

// Run registers a worker scoped to this one flow (activities close over f
// and the run-state addr), starts the run workflow, and blocks for its
// result.
func (e *Engine) Run(ctx context.Context, f *flow.Flow) error {
	cfg := temporalx.LoadConfig()

	activities := &taskActivities{
		log:              e.log,
		addr:             e.addr,
		st:               e.st,
		flow:             f,
		ignoreFreshInput: e.ignoreFreshInput,
	}

	e.w = worker.New(e.tc, cfg.TaskQueue, worker.Options{})
	e.w.RegisterWorkflowWithOptions(runWorkflow, workflow.RegisterOptions{Name: workflowName})
	e.w.RegisterActivityWithOptions(activities.RunTask, activity.RegisterOptions{Name: activityName})
	e.w.RegisterActivityWithOptions(activities.CommitStage, activity.RegisterOptions{Name: commitStageActivityName})

	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- e.w.Run(worker.InterruptCh()) }()
	defer e.w.Stop()

	input := runInput{TaskCount: len(f.Tasks)}
	for _, s := range f.Stages {
		input.StageTaskCounts = append(input.StageTaskCounts, taskCountAtStage(f, s.ID))
	}
	for _, t := range f.Tasks {
		input.Upstream = append(input.Upstream, t.Upstream)
	}

	wo := temporalsdkclient.StartWorkflowOptions{
		ID:        fmt.Sprintf("pipecore-run-%s", f.Name),
		TaskQueue: cfg.TaskQueue,
	}
	run, err := e.tc.ExecuteWorkflow(ctx, wo, workflowName, input)
	if err != nil {
		return err
	}
	return run.Get(ctx, nil)
}

func taskCountAtStage(f *flow.Flow, stage int) int {
	n := 0
	for _, t := range f.Tasks {
		if t.Stage == stage {
			n++
		}
	}
	return n
}

// runInput is the workflow's serializable view of a flow: dense task and
// stage indices, since flow.Task/flow.Stage carry unserializable Go
// closures.
type runInput struct {
	TaskCount       int
	StageTaskCounts []int
	Upstream        [][]int
}

// runWorkflow fans tasks out to activities as their dependency count
// reaches zero, gating each stage's downstream tasks on that stage's own
// task count reaching zero, mirroring localengine's in-memory gate but
// driven by workflow-local state instead of goroutines.
func runWorkflow(ctx workflow.Context, in runInput) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	remaining := append([]int(nil), in.StageTaskCounts...)
	committed := make([]bool, len(in.StageTaskCounts))
	started := make([]bool, in.TaskCount)

	isReady := func(taskID int) bool {
		for _, s := range in.Upstream[taskID] {
			if !committed[s] {
				return false
			}
		}
		return true
	}

	remainingTasks := in.TaskCount
	var stageOf = make([]int, in.TaskCount)
	{
		idx := 0
		for stage, n := range in.StageTaskCounts {
			for i := 0; i < n; i++ {
				stageOf[idx] = stage
				idx++
			}
		}
	}

	for remainingTasks > 0 {
		futures := map[int]workflow.Future{}
		for taskID := 0; taskID < in.TaskCount; taskID++ {
			if started[taskID] || !isReady(taskID) {
				continue
			}
			started[taskID] = true
			futures[taskID] = workflow.ExecuteActivity(ctx, activityName, taskID)
		}
		if len(futures) == 0 {
			return fmt.Errorf("temporalengine: no ready tasks but %d remain (dependency cycle?)", remainingTasks)
		}
		for taskID, fut := range futures {
			if err := fut.Get(ctx, nil); err != nil {
				return err
			}
			remainingTasks--
			stage := stageOf[taskID]
			remaining[stage]--
			if remaining[stage] == 0 {
				// The last task to finish in a stage drives its commit_stage
				// transition. Awaited here, before committed[stage] flips, so a
				// sibling stage's tasks never see "committed" ahead of the
				// run-state server's own COMMITTED state.
				if err := workflow.ExecuteActivity(ctx, commitStageActivityName, stage).Get(ctx, nil); err != nil {
					return err
				}
				committed[stage] = true
			}
		}
	}
	return nil
}

// taskActivities closes over the flow being run so RunTask can reach the
// real task bodies (Go closures, not serializable workflow input).
type taskActivities struct {
	log              *logger.Logger
	addr             string
	st               store.Store
	flow             *flow.Flow
	ignoreFreshInput bool
}

// RunTask is the activity body: one invocation per task, dialing its own
// run-state client proxy since Temporal activities may run on a different
// worker instance than the one that dispatched them. It only runs the task
// body; committing the task's stage is a separate activity the workflow
// invokes once every task in that stage has finished (see CommitStage).
func (a *taskActivities) RunTask(ctx context.Context, taskID int) error {
	client, err := runstate.Connect(a.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	wrapper := materialize.New(a.log, client, a.st, a.flow)
	wrapper.IgnoreFreshInput = a.ignoreFreshInput

	task := a.flow.Tasks[taskID]
	_, err = wrapper.Call(ctx, task, nil)
	return err
}

// CommitStage is the activity the workflow calls exactly once a stage's
// remaining task count reaches zero, mirroring localengine.commitStage's
// single-executor call shape: CommitStage's own execute flag guarantees
// only one caller across the whole run actually drives the transition.
func (a *taskActivities) CommitStage(ctx context.Context, stage int) error {
	client, err := runstate.Connect(a.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	execute, finish, err := client.CommitStage(ctx, stage)
	if err != nil {
		return err
	}
	if !execute {
		return nil
	}
	return finish(ctx, true)
}
