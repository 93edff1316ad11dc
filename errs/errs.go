// Package errs defines the run-coordination core's error taxonomy.
//
// Every kind wraps an underlying cause (or carries none) and is
// distinguished with errors.As, following the same struct+Unwrap shape as
// the host application's apierr package.
package errs

import "fmt"

// StageError reports a stage in an unexpected lifecycle state, raised out
// of init_stage/commit_stage when a peer's transition failed or when a
// transition is attempted on a FAILED stage.
type StageError struct {
	Stage int
	Msg   string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("stage %d: %s: %v", e.Stage, e.Msg, e.Err)
	}
	return fmt.Sprintf("stage %d: %s", e.Stage, e.Msg)
}

func (e *StageError) Unwrap() error { return e.Err }

func NewStageError(stage int, msg string, cause error) *StageError {
	return &StageError{Stage: stage, Msg: msg, Err: cause}
}

// LockError reports a stage lock that is UNLOCKED or INVALID when the
// caller required LOCKED.
type LockError struct {
	Stage int
	Msg   string
	Err   error
}

func (e *LockError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lock stage %d: %s: %v", e.Stage, e.Msg, e.Err)
	}
	return fmt.Sprintf("lock stage %d: %s", e.Stage, e.Msg)
}

func (e *LockError) Unwrap() error { return e.Err }

func NewLockError(stage int, msg string, cause error) *LockError {
	return &LockError{Stage: stage, Msg: msg, Err: cause}
}

// CacheError reports that the store could not retrieve a previously cached
// output. It is non-fatal: the materialization wrapper catches it locally
// and falls through to recomputing the task.
type CacheError struct {
	Msg string
	Err error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("cache: %s", e.Msg)
}

func (e *CacheError) Unwrap() error { return e.Err }

func NewCacheError(msg string, cause error) *CacheError {
	return &CacheError{Msg: msg, Err: cause}
}

// RemoteProcessError wraps an error that occurred inside the run server
// while handling an RPC. Its cause carries the remote error's message
// text; the remote error's concrete type is not preserved across the wire.
type RemoteProcessError struct {
	Op  string
	Err error
}

func (e *RemoteProcessError) Error() string {
	return fmt.Sprintf("remote process error during %s: %v", e.Op, e.Err)
}

func (e *RemoteProcessError) Unwrap() error { return e.Err }

func NewRemoteProcessError(op string, cause error) *RemoteProcessError {
	return &RemoteProcessError{Op: op, Err: cause}
}

// FlowError reports user misuse at flow-build time (e.g. a task declared
// outside any stage). A repeated stage name is not misuse: flow.Stage
// returns the existing stage. The core never raises it at run time.
type FlowError struct {
	Msg string
	Err error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flow: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("flow: %s", e.Msg)
}

func (e *FlowError) Unwrap() error { return e.Err }

func NewFlowError(msg string, cause error) *FlowError {
	return &FlowError{Msg: msg, Err: cause}
}

// ErrMemoNotStored is the checked postcondition for exit_task_memo(success
// = true): a caller entered the memo as the computing party but returned
// success without ever calling store_task_memo. Left unchecked, the memo
// entry would stay WAITING forever and every peer waiting on it would poll
// indefinitely. See SPEC_FULL.md design notes.
var ErrMemoNotStored = fmt.Errorf("exit_task_memo(success=true) without a prior store_task_memo call")
