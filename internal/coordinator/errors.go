package coordinator

import "errors"

var (
	// ErrUnknownRun is returned by any call naming a run_id the
	// coordinator has no record of.
	ErrUnknownRun = errors.New("coordinator: unknown run")
	// ErrUnknownWorkflow is returned by CreateRun when no workflow is
	// registered under the given id/version.
	ErrUnknownWorkflow = errors.New("coordinator: unknown workflow")
	// ErrDeadlocked names the §4.6.2 state where active contexts remain
	// but nothing is queued or running. It is declared here but not
	// returned: reevaluateCompletion does not report it.
	ErrDeadlocked = errors.New("coordinator: run deadlocked: active contexts but no pending work")
	// ErrAlreadyApplied names the case where a (run,op,ctx) triple was
	// already applied (§8 property 7). It is declared here but not
	// returned: ApplyTaskResult returns nil for a duplicate apply.
	ErrAlreadyApplied = errors.New("coordinator: task result already applied for this node")
)

// TaskFailedError wraps a worker-reported failure, per §7's
// TaskFailed{worker_error}.
type TaskFailedError struct {
	WorkerError string
}

func (e *TaskFailedError) Error() string { return "task failed: " + e.WorkerError }
