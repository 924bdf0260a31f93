// Package journal implements the durable journal/event log (C9): an
// append-only record of run/context/node state plus an event tail for
// observers, and the replay logic used to resume after an orchestrator
// restart.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lyzr/flowengine/internal/ir"
)

// RunStatus mirrors §3's run status enum.
type RunStatus string

const (
	StatusPending       RunStatus = "pending"
	StatusRunning       RunStatus = "running"
	StatusSucceeded     RunStatus = "succeeded"
	StatusPartialFailed RunStatus = "partial_failed"
	StatusFailed        RunStatus = "failed"
	StatusCancelling    RunStatus = "cancelling"
)

// NodeStatus mirrors §3's node record status enum.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
)

// NodeState is one row of the run_nodes table, per §3's node record.
type NodeState struct {
	RunID           string
	OpID            int
	CtxID           int64
	Status          NodeStatus
	LeaseExpiresAt  *time.Time
	LastError       string
}

// Event is one row of the events table, per §4.9.
type Event struct {
	RunID     string
	Payload   json.RawMessage
	At        time.Time
}

// Journal is the durable record §4.9 requires. Implementations must
// make every Append* call visible to readers before the corresponding
// state mutation is visible to external callers (§7's "errors are
// always journaled ... before any state mutation that makes them
// visible").
type Journal interface {
	AppendRunCreated(ctx context.Context, runID, workflowID, version string) error
	AppendRunStatus(ctx context.Context, runID string, status RunStatus, at time.Time) error
	AppendContextCreated(ctx context.Context, runID string, ctxID int64, parentCtxID *int64) error
	AppendContextFinished(ctx context.Context, runID string, ctxID int64) error
	AppendNodeState(ctx context.Context, state NodeState) error
	AppendEvent(ctx context.Context, runID string, payload any, at time.Time) error

	// AppendWorkflowRegistered durably records a workflow registration
	// so LoadWorkflows can rebuild the in-memory WorkflowStore after a
	// restart — §4.9's replay needs the IR of every non-terminal run's
	// workflow, not just its id/version.
	AppendWorkflowRegistered(ctx context.Context, wf *ir.Workflow) error
	// LoadWorkflows returns every durably registered workflow, for
	// rebuilding the in-memory WorkflowStore at startup.
	LoadWorkflows(ctx context.Context) ([]*ir.Workflow, error)

	// NonTerminalRuns lists runs not yet in a terminal status, for
	// restart replay (§4.9's "On orchestrator restart").
	NonTerminalRuns(ctx context.Context) ([]string, error)
	// QueuedNodes lists nodes still queued or running for a run, for
	// reissue.
	QueuedNodes(ctx context.Context, runID string) ([]NodeState, error)
	// RunInfo returns the workflow binding and last known status a run
	// was created with, so restart replay can re-resolve its IR.
	RunInfo(ctx context.Context, runID string) (workflowID, version string, status RunStatus, err error)
	// OpenContextCount returns how many of a run's contexts have no
	// recorded finished_at, the restart-time seed for the in-memory
	// active-context counter §4.6 tracks for completion detection.
	OpenContextCount(ctx context.Context, runID string) (int, error)
	// NodeCounts returns how many nodes have ever been dispatched for a
	// run, how many of those succeeded, and how many
	// terminated in failure — the restart-time seed for both the
	// {done,total} progress pair Status reports and the nodes_failed
	// counter §8 property 6's completion check depends on.
	NodeCounts(ctx context.Context, runID string) (total, done, failed int, err error)
	// Events tails the most recent events for a run.
	Events(ctx context.Context, runID string, limit int) ([]Event, error)
}
