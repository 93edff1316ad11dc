// Package engine defines component K's narrow contract: the DAG executor
// a run-state server's ConfigContext names as "engine" (SPEC_FULL.md §6).
// Concrete backends live in subpackages (localengine, temporalengine).
package engine

import (
	"context"

	"github.com/pipeforge/pipecore/flow"
)

// Engine drives a flow's tasks to completion against an already-running
// run-state server. Open/Close bracket whatever connection the backend
// needs (an ipc.Client dial, a Temporal client); Run blocks until every
// task has reached a terminal state or ctx is canceled.
type Engine interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Run(ctx context.Context, f *flow.Flow) error
}
