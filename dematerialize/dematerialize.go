// Package dematerialize implements component G: a read-only substitute for
// the run context, used after a run finishes so external code can still
// resolve persisted artifacts. Grounded directly on SPEC_FULL.md §4.G,
// unchanged in meaning from spec.md.
package dematerialize

import (
	"context"

	"github.com/pipeforge/pipecore/flow"
	"github.com/pipeforge/pipecore/store"
)

// Context is a post-run, read-only proxy: every stage reports as COMMITTED
// and ValidateStageLock is a no-op, since no lock is held once the run that
// produced a stage's artifacts has exited (SPEC_FULL.md §4.G).
type Context struct {
	st store.Store
}

// New constructs a Context over a store backend, typically the same
// store.Store a run used while it was alive.
func New(st store.Store) *Context {
	return &Context{st: st}
}

// GetStageState always reports COMMITTED: a Context only exists to resolve
// artifacts a completed run already published.
func (c *Context) GetStageState(stage int) flow.StageState { return flow.StageCommitted }

// ValidateStageLock is a no-op: there is no lock to validate once the
// owning run has exited.
func (c *Context) ValidateStageLock(ctx context.Context, stage int) error { return nil }

// Dematerialize resolves a single Table/Blob reference (or a structure
// containing them) back into a usable value, the same operation the
// materialization wrapper performs on task inputs mid-run, but available
// to external callers after the run has ended.
func (c *Context) Dematerialize(ctx context.Context, ref any) (any, error) {
	out, err := c.st.DematerializeTaskInputs(ctx, []any{ref})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
