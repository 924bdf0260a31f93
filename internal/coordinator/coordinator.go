// Package coordinator implements the run coordinator (C6): it owns
// run lifecycle, drives the SSA kernel, dispatches calls through the
// lease layer, ingests worker results, and reports run status.
//
// Grounded on the teacher's cmd/workflow-runner/coordinator/coordinator.go
// for overall shape (a completion handler and a failure handler
// feeding a shared completion-detection pass) and
// cmd/workflow-runner/sdk/sdk.go for the idempotent-apply pattern
// (corrected — see DESIGN.md and idempotency.go).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/config"
	"github.com/lyzr/flowengine/internal/dispatch"
	"github.com/lyzr/flowengine/internal/ir"
	"github.com/lyzr/flowengine/internal/journal"
	"github.com/lyzr/flowengine/internal/kernel"
	"github.com/lyzr/flowengine/internal/obslog"
	"github.com/lyzr/flowengine/internal/registry"
	"github.com/lyzr/flowengine/internal/store"
	"github.com/lyzr/flowengine/internal/value"
)

// ValueBlobStore stages payloads too large to inline on a queue
// message, per §4.7's input-marshaling rule. §1 names the object
// store as an external collaborator out of this core's scope, so this
// is an interface only; see internal/coordinator/blobstore.go for the
// in-memory stand-in the orchestrator container and tests use.
type ValueBlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// RunStatus mirrors §3's run status enum, re-exported so callers don't
// need to import internal/journal directly.
type RunStatus = journal.RunStatus

// Progress is the {done,total} pair GET /runs/{id}/status reports.
type Progress struct {
	Done  int
	Total int
}

// TaskResult is what a worker reports back through §6's
// /runs/{id}/nodes/complete, translated into the coordinator's entry
// point.
type TaskResult struct {
	Success     bool
	Output      value.Value
	WorkerError string
}

// Coordinator owns run lifecycle per C6.
type Coordinator struct {
	workflows *WorkflowStore
	tasks     *registry.Registry
	st        store.Store
	kern      *kernel.Kernel
	disp      *dispatch.Dispatcher
	jrn       journal.Journal
	tail      *journal.EventTail
	blobs     ValueBlobStore
	rdb       *redis.Client
	cfg       config.EngineConfig
	log       *obslog.Logger

	mu   sync.RWMutex
	runs map[string]*runState
}

type runState struct {
	workflowID  string
	version     string
	workflow    *ir.Workflow
	taskVersion map[string]string // task_id -> version bound at CreateRun

	mu              sync.Mutex
	status          journal.RunStatus
	nodesDone       int
	nodesFailed     int
	activeContexts  int
	totalDispatched int
	cancelling      bool

	ctxLocks sync.Map // store.ContextID -> *sync.Mutex
}

func (r *runState) ctxLock(c store.ContextID) *sync.Mutex {
	l, _ := r.ctxLocks.LoadOrStore(c, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func New(
	workflows *WorkflowStore,
	tasks *registry.Registry,
	st store.Store,
	kern *kernel.Kernel,
	disp *dispatch.Dispatcher,
	jrn journal.Journal,
	tail *journal.EventTail,
	blobs ValueBlobStore,
	rdb *redis.Client,
	cfg config.EngineConfig,
	log *obslog.Logger,
) *Coordinator {
	return &Coordinator{
		workflows: workflows,
		tasks:     tasks,
		st:        st,
		kern:      kern,
		disp:      disp,
		jrn:       jrn,
		tail:      tail,
		blobs:     blobs,
		rdb:       rdb,
		cfg:       cfg,
		log:       log,
		runs:      make(map[string]*runState),
	}
}

// CreateRun implements §4.6's create_run: it resolves the workflow,
// pins a task version for every call the workflow makes (Run's
// "per-task version binding"), and journals run_created.
func (c *Coordinator) CreateRun(ctx context.Context, workflowID, version string) (string, error) {
	wf, ok := c.workflows.Get(workflowID, version)
	if !ok {
		return "", ErrUnknownWorkflow
	}

	taskVersions := make(map[string]string)
	for _, op := range wf.Operations {
		if op.Call == nil {
			continue
		}
		if _, bound := taskVersions[op.Call.TaskID]; bound {
			continue
		}
		ver, _, ok := c.tasks.LookupLatestVersion(op.Call.TaskID)
		if !ok {
			return "", fmt.Errorf("coordinator: create run: %w: %s", c.taskLookupErr(), op.Call.TaskID)
		}
		taskVersions[op.Call.TaskID] = ver
	}

	runID := uuid.NewString()
	rs := &runState{
		workflowID:  wf.ID,
		version:     wf.Version,
		workflow:    wf,
		taskVersion: taskVersions,
		status:      journal.StatusPending,
	}

	c.mu.Lock()
	c.runs[runID] = rs
	c.mu.Unlock()

	if err := c.jrn.AppendRunCreated(ctx, runID, wf.ID, wf.Version); err != nil {
		return "", fmt.Errorf("coordinator: create run: %w", err)
	}
	c.publishEvent(ctx, runID, map[string]any{"type": "run_created", "workflow_id": wf.ID, "version": wf.Version})
	return runID, nil
}

// RegisterWorkflow validates wf and stores it both in the in-memory
// WorkflowStore runs read from and durably in the journal, so it
// survives the orchestrator restart Recover replays after. Handlers
// must call this instead of Workflows.Register directly.
func (c *Coordinator) RegisterWorkflow(ctx context.Context, wf *ir.Workflow) error {
	if err := c.workflows.Register(wf, c.tasks); err != nil {
		return err
	}
	if err := c.jrn.AppendWorkflowRegistered(ctx, wf); err != nil {
		return fmt.Errorf("coordinator: persist workflow %s@%s: %w", wf.ID, wf.Version, err)
	}
	return nil
}

// Recover implements §4.9's restart-replay contract: reload every
// durably registered workflow's IR (lost from the in-memory
// WorkflowStore across a process restart), then for every non-terminal
// run, rebuild the in-memory runState CreateRun would have built, and
// reissue a dispatch for every node still queued or running when the
// process stopped. A node already claimed by a worker that is still
// alive gets a harmless duplicate dispatch; §8 property 7 (idempotent
// apply) makes that safe, and it is strictly better than a
// lease-expiry wait for a worker that never actually died. Lease
// sweeps resume on their own once Container.RunLeaseSweep's ticker
// starts back up; Recover's only other job is to put queued work back
// on the wire and let completion detection pick up where it left off.
func (c *Coordinator) Recover(ctx context.Context) error {
	workflows, err := c.jrn.LoadWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: recover: load workflows: %w", err)
	}
	for _, wf := range workflows {
		if err := c.workflows.Register(wf, c.tasks); err != nil {
			c.log.Error("reload workflow failed", "workflow_id", wf.ID, "version", wf.Version, "error", err)
		}
	}

	runIDs, err := c.jrn.NonTerminalRuns(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: recover: %w", err)
	}
	for _, runID := range runIDs {
		if err := c.recoverRun(ctx, runID); err != nil {
			c.log.Error("recover run failed", "run_id", runID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) recoverRun(ctx context.Context, runID string) error {
	workflowID, version, status, err := c.jrn.RunInfo(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run info: %w", err)
	}
	wf, ok := c.workflows.Get(workflowID, version)
	if !ok {
		return fmt.Errorf("workflow %s@%s no longer registered", workflowID, version)
	}

	taskVersions := make(map[string]string)
	for _, op := range wf.Operations {
		if op.Call == nil {
			continue
		}
		if _, bound := taskVersions[op.Call.TaskID]; bound {
			continue
		}
		ver, _, ok := c.tasks.LookupLatestVersion(op.Call.TaskID)
		if !ok {
			return fmt.Errorf("recover run %s: %w: %s", runID, c.taskLookupErr(), op.Call.TaskID)
		}
		taskVersions[op.Call.TaskID] = ver
	}

	openContexts, err := c.jrn.OpenContextCount(ctx, runID)
	if err != nil {
		return fmt.Errorf("count open contexts: %w", err)
	}
	totalNodes, doneNodes, failedNodes, err := c.jrn.NodeCounts(ctx, runID)
	if err != nil {
		return fmt.Errorf("count nodes: %w", err)
	}
	nodes, err := c.jrn.QueuedNodes(ctx, runID)
	if err != nil {
		return fmt.Errorf("load queued nodes: %w", err)
	}

	rs := &runState{
		workflowID: workflowID, version: version, workflow: wf,
		taskVersion: taskVersions, status: status, activeContexts: openContexts,
		// reissue below re-dispatches each queued/running node through
		// the ordinary dispatchPlan path, which increments
		// totalDispatched itself; subtract them here so a node already
		// counted by NodeCounts isn't counted twice.
		totalDispatched: totalNodes - len(nodes), nodesDone: doneNodes, nodesFailed: failedNodes,
	}
	c.mu.Lock()
	c.runs[runID] = rs
	c.mu.Unlock()

	for _, n := range nodes {
		if err := c.reissue(ctx, runID, rs, n); err != nil {
			c.log.Error("reissue node failed", "run_id", runID, "op_id", n.OpID, "ctx_id", n.CtxID, "error", err)
		}
	}
	return c.reevaluateCompletion(ctx, runID, rs)
}

// reissue reconstructs the CallSpec a queued-or-running node's op
// declares in the IR and re-enters the ordinary dispatch path for it.
func (c *Coordinator) reissue(ctx context.Context, runID string, rs *runState, n journal.NodeState) error {
	op, err := rs.workflow.Op(ir.OpID(n.OpID))
	if err != nil {
		return err
	}
	if op.Call == nil {
		return fmt.Errorf("op %d has no call", n.OpID)
	}
	plan := kernel.Plan{
		Kind:  kernel.PlanDispatch,
		OpID:  ir.OpID(n.OpID),
		Call:  kernel.CallSpec{TaskID: op.Call.TaskID, Inputs: op.Call.Inputs, Outputs: op.Call.Outputs},
		CtxID: store.ContextID(n.CtxID),
	}
	return c.dispatchPlan(ctx, runID, rs, plan)
}

// Start validates the workflow was already accepted at registration,
// creates the root context, and drives the kernel until the first
// dispatch or return. Status transitions pending->running before the
// first dispatch is actually enqueued, and that transition is
// journaled first, per §4.6.
func (c *Coordinator) Start(ctx context.Context, runID string) error {
	rs, err := c.run(runID)
	if err != nil {
		return err
	}

	rootCtx, err := c.st.CreateRoot(ctx, runID)
	if err != nil {
		return fmt.Errorf("coordinator: start %s: create root: %w", runID, err)
	}
	if err := c.jrn.AppendContextCreated(ctx, runID, int64(rootCtx), nil); err != nil {
		return fmt.Errorf("coordinator: start %s: %w", runID, err)
	}
	rs.mu.Lock()
	rs.activeContexts = 1 // the root is the run's one live execution thread until it forks or terminates
	rs.mu.Unlock()

	if err := c.transitionStatus(ctx, runID, rs, journal.StatusRunning); err != nil {
		return err
	}

	plan, err := c.kern.Advance(ctx, rs.workflow, c.st, kernel.AdvanceState{
		RunID: runID, Ctx: rootCtx, Op: rs.workflow.EntryOp(),
	})
	if err != nil {
		return c.failRun(ctx, runID, rs, rootCtx, err)
	}
	return c.actOnPlan(ctx, runID, rs, plan)
}

// ReportNodeStart extends a node's lease when a worker accepts it.
func (c *Coordinator) ReportNodeStart(ctx context.Context, runID string, opID int, ctxID int64, leaseMS int64) error {
	if _, err := c.run(runID); err != nil {
		return err
	}
	if err := c.disp.ReportNodeStart(ctx, runID, opID, ctxID, leaseMS); err != nil {
		return fmt.Errorf("coordinator: report node start: %w", err)
	}
	expiry := time.Now().Add(time.Duration(leaseMS) * time.Millisecond)
	return c.jrn.AppendNodeState(ctx, journal.NodeState{
		RunID: runID, OpID: opID, CtxID: ctxID, Status: journal.NodeRunning, LeaseExpiresAt: &expiry,
	})
}

// ApplyTaskResult is §4.6.1's entry point from workers: success is
// applied into the context graph (shape-dispatched single/batch/
// stream), failure collapses the ctx subtree. Replays of the same
// (run,op,ctx) are recognized as duplicates and are a no-op, per §8
// property 7.
func (c *Coordinator) ApplyTaskResult(ctx context.Context, runID string, opID int, ctxID int64, result TaskResult) error {
	rs, err := c.run(runID)
	if err != nil {
		return err
	}

	first, err := markApplied(ctx, c.rdb, runID, opID, int64(ctxID))
	if err != nil {
		return err
	}
	if !first {
		c.log.WithRun(runID).Info("duplicate apply_task_result ignored", "op_id", opID, "ctx_id", ctxID)
		return nil
	}

	nodeCtx := store.ContextID(ctxID)
	lock := rs.ctxLock(nodeCtx)
	lock.Lock()
	defer lock.Unlock()

	if err := c.disp.ClearLease(ctx, runID, opID, ctxID); err != nil {
		return fmt.Errorf("coordinator: apply task result: clear lease: %w", err)
	}

	if !result.Success {
		return c.applyFailure(ctx, runID, rs, ir.OpID(opID), nodeCtx, result.WorkerError)
	}
	return c.applySuccess(ctx, runID, rs, ir.OpID(opID), nodeCtx, result.Output)
}

func (c *Coordinator) applySuccess(ctx context.Context, runID string, rs *runState, opID ir.OpID, nodeCtx store.ContextID, output value.Value) error {
	operation, err := rs.workflow.Op(opID)
	if err != nil {
		return err
	}
	if operation.Call == nil {
		return fmt.Errorf("coordinator: apply task result: op %d has no call", opID)
	}
	call := operation.Call

	tv, ok := c.tasks.Lookup(call.TaskID, rs.taskVersion[call.TaskID])
	if !ok {
		return fmt.Errorf("coordinator: apply task result: %w: %s@%s", c.taskLookupErr(), call.TaskID, rs.taskVersion[call.TaskID])
	}

	if err := c.jrn.AppendNodeState(ctx, journal.NodeState{RunID: runID, OpID: int(opID), CtxID: int64(nodeCtx), Status: journal.NodeSucceeded}); err != nil {
		return fmt.Errorf("coordinator: apply task result: %w", err)
	}

	var resultCtxs []store.ContextID
	var fanOutDelta int

	if tv.Manifest.TaskKind == registry.KindStream {
		elems, ok := output.AsArray()
		if !ok {
			return fmt.Errorf("coordinator: apply task result: op %d: stream task output is not an array", opID)
		}
		for _, e := range elems {
			childCtx, err := c.bindOutputs(ctx, runID, nodeCtx, call.Outputs, e, tv, len(call.Outputs))
			if err != nil {
				return err
			}
			if err := c.jrn.AppendContextCreated(ctx, runID, int64(childCtx), int64Ptr(int64(nodeCtx))); err != nil {
				return fmt.Errorf("coordinator: apply task result: %w", err)
			}
			resultCtxs = append(resultCtxs, childCtx)
		}
		fanOutDelta = len(elems) - 1
	} else {
		childCtx, err := c.bindOutputs(ctx, runID, nodeCtx, call.Outputs, output, tv, len(call.Outputs))
		if err != nil {
			return err
		}
		if err := c.jrn.AppendContextCreated(ctx, runID, int64(childCtx), int64Ptr(int64(nodeCtx))); err != nil {
			return fmt.Errorf("coordinator: apply task result: %w", err)
		}
		resultCtxs = append(resultCtxs, childCtx)
		fanOutDelta = 0
	}

	rs.mu.Lock()
	rs.nodesDone++
	rs.activeContexts += fanOutDelta
	rs.mu.Unlock()

	if err := c.st.Release(ctx, runID, nodeCtx); err != nil {
		return fmt.Errorf("coordinator: apply task result: release %d: %w", nodeCtx, err)
	}
	if err := c.jrn.AppendContextFinished(ctx, runID, int64(nodeCtx)); err != nil {
		return fmt.Errorf("coordinator: apply task result: %w", err)
	}

	for _, childCtx := range resultCtxs {
		plan, err := c.kern.ResumeAfterCall(ctx, rs.workflow, c.st, kernel.AdvanceState{RunID: runID, Ctx: childCtx, Op: opID})
		if err != nil {
			if ferr := c.failRun(ctx, runID, rs, childCtx, err); ferr != nil {
				return ferr
			}
			continue
		}
		if err := c.actOnPlan(ctx, runID, rs, plan); err != nil {
			return err
		}
	}

	return c.reevaluateCompletion(ctx, runID, rs)
}

// bindOutputs unpacks result into len(outputs) components (via the
// task's adapter, or a positional array of matching length absent one,
// per the Open-Question resolution in DESIGN.md) and binds them into a
// successor chain, one bind per output in order.
func (c *Coordinator) bindOutputs(ctx context.Context, runID string, base store.ContextID, outputs []ir.ValueID, result value.Value, tv *registry.TaskVersion, outArity int) (store.ContextID, error) {
	vals, err := tv.UnpackOutput(result, outArity)
	if err != nil {
		return 0, fmt.Errorf("coordinator: unpack output: %w", err)
	}
	cur := base
	for i, out := range outputs {
		cur, err = c.st.Bind(ctx, runID, cur, int(out), vals[i])
		if err != nil {
			return 0, fmt.Errorf("coordinator: bind output %d: %w", out, err)
		}
	}
	return cur, nil
}

// applyFailureLocked acquires the per-context mutual-exclusion lock
// before collapsing a ctx subtree, for call sites (dispatch-time
// rejection, lease expiry) that haven't already taken it the way
// ApplyTaskResult does.
func (c *Coordinator) applyFailureLocked(ctx context.Context, runID string, rs *runState, opID ir.OpID, nodeCtx store.ContextID, workerError string) error {
	lock := rs.ctxLock(nodeCtx)
	lock.Lock()
	defer lock.Unlock()
	return c.applyFailure(ctx, runID, rs, opID, nodeCtx, workerError)
}

func (c *Coordinator) applyFailure(ctx context.Context, runID string, rs *runState, opID ir.OpID, nodeCtx store.ContextID, workerError string) error {
	if err := c.jrn.AppendNodeState(ctx, journal.NodeState{
		RunID: runID, OpID: int(opID), CtxID: int64(nodeCtx), Status: journal.NodeFailed, LastError: workerError,
	}); err != nil {
		return fmt.Errorf("coordinator: apply failure: %w", err)
	}
	c.publishEvent(ctx, runID, map[string]any{"type": "failed", "op_id": opID, "ctx_id": nodeCtx, "error": workerError})

	if err := c.st.Release(ctx, runID, nodeCtx); err != nil {
		return fmt.Errorf("coordinator: apply failure: release %d: %w", nodeCtx, err)
	}
	if err := c.jrn.AppendContextFinished(ctx, runID, int64(nodeCtx)); err != nil {
		return fmt.Errorf("coordinator: apply failure: %w", err)
	}

	rs.mu.Lock()
	rs.nodesFailed++
	rs.activeContexts--
	rs.mu.Unlock()

	return c.reevaluateCompletion(ctx, runID, rs)
}

// actOnPlan enqueues a Dispatch plan or finalizes a Return plan.
func (c *Coordinator) actOnPlan(ctx context.Context, runID string, rs *runState, plan kernel.Plan) error {
	switch plan.Kind {
	case kernel.PlanDispatch:
		return c.dispatchPlan(ctx, runID, rs, plan)
	case kernel.PlanReturn:
		c.publishEvent(ctx, runID, map[string]any{"type": "returned", "ctx_id": plan.CtxID})
		if err := c.st.Release(ctx, runID, plan.CtxID); err != nil {
			return fmt.Errorf("coordinator: release returned ctx %d: %w", plan.CtxID, err)
		}
		if err := c.jrn.AppendContextFinished(ctx, runID, int64(plan.CtxID)); err != nil {
			return err
		}
		rs.mu.Lock()
		rs.activeContexts--
		rs.mu.Unlock()
		return c.reevaluateCompletion(ctx, runID, rs)
	default:
		return fmt.Errorf("coordinator: unknown plan kind %d", plan.Kind)
	}
}

func (c *Coordinator) dispatchPlan(ctx context.Context, runID string, rs *runState, plan kernel.Plan) error {
	tv, ok := c.tasks.Lookup(plan.Call.TaskID, rs.taskVersion[plan.Call.TaskID])
	if !ok {
		return c.applyFailureLocked(ctx, runID, rs, plan.OpID, plan.CtxID, fmt.Sprintf("%s: %s", c.taskLookupErr(), plan.Call.TaskID))
	}

	inputIDs := make([]int, len(plan.Call.Inputs))
	for i, id := range plan.Call.Inputs {
		inputIDs[i] = int(id)
	}
	inputs, err := c.st.GetMany(ctx, runID, plan.CtxID, inputIDs)
	if err != nil {
		return c.applyFailureLocked(ctx, runID, rs, plan.OpID, plan.CtxID, fmt.Sprintf("read inputs: %v", err))
	}
	packed, err := tv.PackInputs(inputs)
	if err != nil {
		return c.applyFailureLocked(ctx, runID, rs, plan.OpID, plan.CtxID, fmt.Sprintf("pack inputs: %v", err))
	}

	msg, err := c.buildMessage(ctx, runID, plan, tv, packed)
	if err != nil {
		return c.applyFailureLocked(ctx, runID, rs, plan.OpID, plan.CtxID, fmt.Sprintf("marshal inputs: %v", err))
	}

	rs.mu.Lock()
	rs.totalDispatched++
	rs.mu.Unlock()

	resourceClass := tv.Manifest.ResourceClass
	if err := c.disp.Enqueue(ctx, tv.Manifest, msg, resourceClass); err != nil {
		return c.applyFailureLocked(ctx, runID, rs, plan.OpID, plan.CtxID, err.Error())
	}
	if err := c.jrn.AppendNodeState(ctx, journal.NodeState{RunID: runID, OpID: int(plan.OpID), CtxID: int64(plan.CtxID), Status: journal.NodeQueued}); err != nil {
		return fmt.Errorf("coordinator: dispatch: %w", err)
	}
	c.publishEvent(ctx, runID, map[string]any{"type": "queued", "op_id": plan.OpID, "ctx_id": plan.CtxID, "task_id": plan.Call.TaskID})
	return nil
}

// buildMessage marshals the packed input value, inlining it when it
// fits under the configured limit and staging it through the blob
// store (content-addressed by sha256, per §4.7) otherwise.
func (c *Coordinator) buildMessage(ctx context.Context, runID string, plan kernel.Plan, tv *registry.TaskVersion, packed value.Value) (dispatch.Message, error) {
	data, err := packed.MarshalBinary()
	if err != nil {
		return dispatch.Message{}, err
	}

	leaseMS := c.cfg.DefaultLeaseMS

	msg := dispatch.Message{
		RunID: runID, OpID: int(plan.OpID), CtxID: int64(plan.CtxID),
		TaskID: plan.Call.TaskID, TaskVersion: tv.Manifest.ABIVersion,
		InputIDs: intsFromIDs(plan.Call.Inputs), LeaseMS: leaseMS,
	}

	if c.blobs == nil || len(data) <= c.cfg.InlineValueLimitBytes {
		msg.InlineValues = data
		return msg, nil
	}
	ref, err := c.blobs.Put(ctx, data)
	if err != nil {
		return dispatch.Message{}, fmt.Errorf("stage input blob: %w", err)
	}
	msg.InputRefs = []string{ref}
	return msg, nil
}

func intsFromIDs(ids []ir.ValueID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// ExpireLeases drives the §4.7 lease-expiry sweep: every node whose
// lease has elapsed fails through the ordinary failure path exactly
// once.
func (c *Coordinator) ExpireLeases(ctx context.Context, now time.Time) error {
	return c.disp.ExpireLeases(ctx, now, func(ctx context.Context, runID string, opID int, ctxID int64, reason string) error {
		rs, err := c.run(runID)
		if err != nil {
			return nil // run no longer tracked (e.g. restarted orchestrator, already terminal)
		}
		c.publishEvent(ctx, runID, map[string]any{"type": "lease_expired", "op_id": opID, "ctx_id": ctxID})
		return c.applyFailureLocked(ctx, runID, rs, ir.OpID(opID), store.ContextID(ctxID), reason)
	})
}

// CancelRun sets the run's cancelling flag and transitions its status
// to cancelling. Nothing else reads the flag: queued messages are not
// drained, ReportNodeStart and ApplyTaskResult do not fail nodes of a
// cancelling run, and dispatch of follow-on work is not stopped.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	rs, err := c.run(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	rs.cancelling = true
	rs.mu.Unlock()
	return c.transitionStatus(ctx, runID, rs, journal.StatusCancelling)
}

// Status reports a run's current status and {done,total} progress.
func (c *Coordinator) Status(runID string) (RunStatus, Progress, error) {
	rs, err := c.run(runID)
	if err != nil {
		return "", Progress{}, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.status, Progress{Done: rs.nodesDone, Total: rs.totalDispatched}, nil
}

// reevaluateCompletion implements §4.6.2: after every transition, it
// re-checks whether the run has reached a terminal status.
func (c *Coordinator) reevaluateCompletion(ctx context.Context, runID string, rs *runState) error {
	rs.mu.Lock()
	active := rs.activeContexts
	failed := rs.nodesFailed
	done := rs.nodesDone
	cur := rs.status
	rs.mu.Unlock()

	if cur == journal.StatusSucceeded || cur == journal.StatusFailed || cur == journal.StatusPartialFailed {
		return nil
	}

	if active == 0 {
		if failed > 0 {
			return c.transitionStatus(ctx, runID, rs, journal.StatusPartialFailed)
		}
		// §8 property 6: succeeded iff active_contexts==0 ∧ nodes_failed==0
		// ∧ nodes_done>=1 (every dispatched node settled with no failure).
		if done >= 1 {
			return c.transitionStatus(ctx, runID, rs, journal.StatusSucceeded)
		}
		return nil
	}
	return nil
}

func (c *Coordinator) failRun(ctx context.Context, runID string, rs *runState, failedCtx store.ContextID, cause error) error {
	c.log.WithRun(runID).Error("run failed", "error", cause)
	rs.mu.Lock()
	rs.nodesFailed++
	rs.mu.Unlock()
	c.publishEvent(ctx, runID, map[string]any{"type": "failed", "error": cause.Error()})
	return c.transitionStatus(ctx, runID, rs, journal.StatusFailed)
}

func (c *Coordinator) transitionStatus(ctx context.Context, runID string, rs *runState, status journal.RunStatus) error {
	rs.mu.Lock()
	if rs.status == status {
		rs.mu.Unlock()
		return nil
	}
	rs.status = status
	rs.mu.Unlock()

	// §7: errors/state changes are journaled and emitted as events
	// before any mutation that makes them visible to callers.
	if err := c.jrn.AppendRunStatus(ctx, runID, status, time.Now()); err != nil {
		return fmt.Errorf("coordinator: transition status: %w", err)
	}
	c.publishEvent(ctx, runID, map[string]any{"type": "status", "status": status})
	return nil
}

func (c *Coordinator) publishEvent(ctx context.Context, runID string, payload map[string]any) {
	now := time.Now()
	if err := c.jrn.AppendEvent(ctx, runID, payload, now); err != nil {
		c.log.WithRun(runID).Error("append event failed", "error", err)
	}
	if c.tail != nil {
		if err := c.tail.Publish(ctx, runID, payload, now); err != nil {
			c.log.WithRun(runID).Error("publish event tail failed", "error", err)
		}
	}
}

func (c *Coordinator) run(runID string) (*runState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rs, ok := c.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return rs, nil
}

// taskLookupErr distinguishes why a task lookup came back empty: the
// registry hasn't finished its register_*-then-Boot() build phase yet
// (§9), as opposed to the task genuinely never having been registered.
func (c *Coordinator) taskLookupErr() error {
	if !c.tasks.Booted() {
		return registry.ErrRegistryNotBooted
	}
	return registry.ErrUnknownTask
}

func int64Ptr(v int64) *int64 { return &v }
