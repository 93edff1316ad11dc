// Package lock defines component B: the abstract contract for acquiring,
// releasing, and validating per-stage distributed locks. Concrete backends
// live in subpackages (redislock, pglock); the run-state server treats the
// manager opaquely.
package lock

import "context"

// State enumerates a lock's observed state.
type State int

const (
	Locked State = iota
	Unlocked
	Invalid
	Uncertain
)

func (s State) String() string {
	switch s {
	case Locked:
		return "LOCKED"
	case Unlocked:
		return "UNLOCKED"
	case Invalid:
		return "INVALID"
	case Uncertain:
		return "UNCERTAIN"
	default:
		return "UNKNOWN"
	}
}

// Listener is notified of a stage's lock-state transitions. It must be a
// plain function plus whatever context the caller closes over — never an
// owning handle back into the run-state server, which would create a
// reference cycle between the server and its lock manager
// (SPEC_FULL.md §9, "Cyclic references").
type Listener func(stage int, old, new State)

// Manager is the narrow interface the run-state server consumes. acquire
// must block until LOCKED or return a *errs.LockError. validate blocks
// while the state is UNCERTAIN and returns nil once it resolves to LOCKED,
// or a *errs.LockError on UNLOCKED/INVALID.
type Manager interface {
	Acquire(ctx context.Context, stage int) error
	Release(ctx context.Context, stage int) error
	GetState(stage int) State
	Validate(ctx context.Context, stage int) error
	AddListener(fn Listener)
	ReleaseAll(ctx context.Context) error
}
