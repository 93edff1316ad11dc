// Package flow is the static description of a run: an ordered list of
// stages and an ordered list of tasks (SPEC_FULL.md §3). It doubles as
// component L, a minimal code-only flow builder sufficient to construct
// that data model for tests and the demo binary — not a user-facing DSL.
package flow

import (
	"context"
	"fmt"
)

// StageState enumerates a stage's lifecycle. Values match the wire
// enumeration in SPEC_FULL.md §6 exactly.
type StageState int

const (
	StageUninitialized StageState = 0
	StageInitializing  StageState = 1
	StageReady         StageState = 2
	StageCommitting    StageState = 3
	StageCommitted     StageState = 4
	StageFailed        StageState = 127
)

func (s StageState) String() string {
	switch s {
	case StageUninitialized:
		return "UNINITIALIZED"
	case StageInitializing:
		return "INITIALIZING"
	case StageReady:
		return "READY"
	case StageCommitting:
		return "COMMITTING"
	case StageCommitted:
		return "COMMITTED"
	case StageFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("StageState(%d)", int(s))
	}
}

// FinalTaskState enumerates how a task call concluded, reported through
// did_finish_task.
type FinalTaskState int

const (
	TaskUnknown   FinalTaskState = 0
	TaskCompleted FinalTaskState = 1
	TaskFailed    FinalTaskState = 2
	TaskSkipped   FinalTaskState = 3
)

// MemoState enumerates a memo_table entry. MemoNone is a read sentinel,
// never stored.
type MemoState int

const (
	MemoNone    MemoState = 0
	MemoWaiting MemoState = 1
	MemoFailed  MemoState = 127
)

// Stage is a logical grouping of tasks whose outputs are published
// atomically.
type Stage struct {
	ID     int
	Name   string
	TxName string
}

// CachePolicy is a task's cache-policy descriptor.
type CachePolicy struct {
	Lazy    bool
	Version string
	CacheFn func(args []any) ([]byte, error)
}

// TaskFunc is the user body a task wraps. Arguments and the return value
// are placeholders (Table/Blob references) once materialized; the
// materialization wrapper (package materialize) is responsible for
// dematerializing args before calling Fn and materializing its result.
type TaskFunc func(ctx context.Context, args []any) (any, error)

// Task is a unit of computation belonging to exactly one stage, with
// declared upstream stages.
type Task struct {
	ID       int
	Name     string
	Stage    int
	Upstream []int
	Cache    CachePolicy
	Fn       TaskFunc
}

// Flow is the static, immutable-after-build description of a run.
type Flow struct {
	Name   string
	Stages []*Stage
	Tasks  []*Task

	stageByName map[string]*Stage
}

// New starts building a flow.
func New(name string) *Flow {
	return &Flow{Name: name, stageByName: map[string]*Stage{}}
}

// StageBuilder scopes task declarations to one stage.
type StageBuilder struct {
	flow  *Flow
	stage *Stage
}

// Stage declares (or returns) a stage by name. Stage IDs are dense integers
// assigned in declaration order, per SPEC_FULL.md §3.
func (f *Flow) Stage(name string) *StageBuilder {
	if s, ok := f.stageByName[name]; ok {
		return &StageBuilder{flow: f, stage: s}
	}
	s := &Stage{
		ID:     len(f.Stages),
		Name:   name,
		TxName: name + "__tmp",
	}
	f.Stages = append(f.Stages, s)
	f.stageByName[name] = s
	return &StageBuilder{flow: f, stage: s}
}

// StageValue returns the underlying *Stage, for passing to WithUpstream
// from outside the flow package (package-internal callers, e.g. tests,
// may also reach the stage field directly).
func (sb *StageBuilder) StageValue() *Stage { return sb.stage }

// TaskOption configures a task at declaration time.
type TaskOption func(*Task)

// WithUpstream declares the stages this task reads from.
func WithUpstream(stages ...*Stage) TaskOption {
	return func(t *Task) {
		for _, s := range stages {
			t.Upstream = append(t.Upstream, s.ID)
		}
	}
}

// WithLazy marks a task as lazy: its body always runs; only downstream
// consumers benefit from memo/cache skipping (SPEC_FULL.md §4.F).
func WithLazy() TaskOption {
	return func(t *Task) { t.Cache.Lazy = true }
}

// WithVersion sets the task's version string, folded into its cache key.
func WithVersion(v string) TaskOption {
	return func(t *Task) { t.Cache.Version = v }
}

// WithCacheFn sets the user-supplied cache-contribution callable.
func WithCacheFn(fn func(args []any) ([]byte, error)) TaskOption {
	return func(t *Task) { t.Cache.CacheFn = fn }
}

// Task declares a task inside this stage.
func (sb *StageBuilder) Task(name string, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		ID:    len(sb.flow.Tasks),
		Name:  name,
		Stage: sb.stage.ID,
		Fn:    fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	sb.flow.Tasks = append(sb.flow.Tasks, t)
	return t
}

// RefCounts computes ref_count[s] for every stage: the number of tasks
// that declare s as an upstream stage (SPEC_FULL.md §3).
func (f *Flow) RefCounts() []int32 {
	counts := make([]int32, len(f.Stages))
	for _, t := range f.Tasks {
		for _, s := range t.Upstream {
			counts[s]++
		}
	}
	return counts
}

// DependsOn reports whether committed(s) holds for every stage s in task
// t's upstream set, i.e. whether t is ready to dispatch under that
// predicate.
func (f *Flow) DependsOn(t *Task, committed func(stage int) bool) bool {
	for _, s := range t.Upstream {
		if !committed(s) {
			return false
		}
	}
	return true
}
