package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type testRig struct {
	coord     *Coordinator
	tasks     *registry.Registry
	workflows *WorkflowStore
	jrn       *fakeJournal
	workers   *dispatch.WorkerRegistry
	rdb       *redis.Client

	st    store.Store
	kern  *kernel.Kernel
	disp  *dispatch.Dispatcher
	tail  *journal.EventTail
	blobs *InMemoryBlobStore
	cfg   config.EngineConfig
	log   *obslog.Logger
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	workers := dispatch.NewWorkerRegistry(rdb, time.Minute)
	disp := dispatch.New(rdb, workers)
	st := store.NewInProcessStore()
	kern := kernel.New()
	jrn := newFakeJournal()
	tail := journal.NewEventTail(rdb)
	blobs := NewInMemoryBlobStore()
	tasks := registry.New()
	workflows := NewWorkflowStore()
	log := obslog.New("error", "json")
	cfg := config.EngineConfig{DefaultLeaseMS: 60000, InlineValueLimitBytes: 32 * 1024}

	coord := New(workflows, tasks, st, kern, disp, jrn, tail, blobs, rdb, cfg, log)

	return &testRig{
		coord: coord, tasks: tasks, workflows: workflows, jrn: jrn, workers: workers, rdb: rdb,
		st: st, kern: kern, disp: disp, tail: tail, blobs: blobs, cfg: cfg, log: log,
	}
}

// restart simulates an orchestrator process restart: a brand-new
// Coordinator and WorkflowStore (the in-memory state that dies with
// the process) wired to the same journal, store, and redis-backed
// dispatch queues (the state that survives), the way Recover expects
// to find things on the next boot.
func (r *testRig) restart() *Coordinator {
	workflows := NewWorkflowStore()
	return New(workflows, r.tasks, r.st, r.kern, r.disp, r.jrn, r.tail, r.blobs, r.rdb, r.cfg, r.log)
}

func singleTaskManifest(inArity, outArity int) registry.Manifest {
	return registry.Manifest{
		TaskKind:      registry.KindSingle,
		Runtime:       registry.RuntimeNative,
		Trust:         registry.TrustTrusted,
		ResourceClass: "cpu-small",
		InputArity:    inArity,
		OutputArity:   outArity,
		ABIVersion:    "1",
	}
}

func (r *testRig) registerWorkerFor(t *testing.T, m registry.Manifest) {
	t.Helper()
	require.NoError(t, r.workers.Register(context.Background(), "w1", m.Pool(), m.ResourceClass))
}

// --- Scenario S1: add two literals -----------------------------------

func TestScenarioAddTwoLiterals(t *testing.T) {
	r := newTestRig(t)
	manifest := singleTaskManifest(2, 1)
	packArray := func(inputs []value.Value) (value.Value, error) { return value.Array(inputs), nil }
	require.NoError(t, r.tasks.RegisterTask("add", "1", manifest, func() registry.Task { return nil }, packArray, nil))
	r.tasks.Boot()
	r.registerWorkerFor(t, manifest)

	v0, v1, v2 := ir.ValueID(0), ir.ValueID(1), ir.ValueID(2)
	wf := &ir.Workflow{
		ID: "add-two", Version: "1",
		Operations: []ir.Operation{
			{
				Literals: []ir.Literal{{Output: v0, Value: "1"}, {Output: v1, Value: "2"}},
				Call:     &ir.Call{TaskID: "add", Inputs: []ir.ValueID{v0, v1}, Outputs: []ir.ValueID{v2}},
				Next:     ir.Return(&v2),
			},
		},
	}
	require.NoError(t, r.workflows.Register(wf, r.tasks))

	ctx := context.Background()
	runID, err := r.coord.CreateRun(ctx, "add-two", "1")
	require.NoError(t, err)
	require.NoError(t, r.coord.Start(ctx, runID))

	status, progress, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, status)
	assert.Equal(t, 1, progress.Total)

	// Simulate the worker reporting the result.
	nodes, err := r.jrn.QueuedNodes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	queued := nodes[0]

	require.NoError(t, r.coord.ApplyTaskResult(ctx, runID, queued.OpID, queued.CtxID, TaskResult{Success: true, Output: value.Int(3)}))

	status, progress, err = r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusSucceeded, status)
	assert.Equal(t, 1, progress.Done)

	statuses := r.jrn.statusesFor(runID)
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, journal.StatusRunning, statuses[0])
	assert.Equal(t, journal.StatusSucceeded, statuses[len(statuses)-1])
}

// --- Duplicate apply is a no-op (§8 property 7) -----------------------

func TestApplyTaskResultIsIdempotent(t *testing.T) {
	r := newTestRig(t)
	manifest := singleTaskManifest(0, 1)
	require.NoError(t, r.tasks.RegisterTask("gen", "1", manifest, func() registry.Task { return nil }, nil, nil))
	r.tasks.Boot()
	r.registerWorkerFor(t, manifest)

	v0 := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "gen-one", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "gen", Outputs: []ir.ValueID{v0}},
				Next: ir.Return(&v0),
			},
		},
	}
	require.NoError(t, r.workflows.Register(wf, r.tasks))
	ctx := context.Background()
	runID, err := r.coord.CreateRun(ctx, "gen-one", "1")
	require.NoError(t, err)
	require.NoError(t, r.coord.Start(ctx, runID))

	nodes, _ := r.jrn.QueuedNodes(ctx, runID)
	require.Len(t, nodes, 1)
	queued := nodes[0]

	require.NoError(t, r.coord.ApplyTaskResult(ctx, runID, queued.OpID, queued.CtxID, TaskResult{Success: true, Output: value.Int(9)}))
	_, progress, _ := r.coord.Status(runID)
	assert.Equal(t, 1, progress.Done)

	// A replay of the same (run, op, ctx) must not double-count.
	require.NoError(t, r.coord.ApplyTaskResult(ctx, runID, queued.OpID, queued.CtxID, TaskResult{Success: true, Output: value.Int(9)}))
	_, progress, _ = r.coord.Status(runID)
	assert.Equal(t, 1, progress.Done, "duplicate apply must not double-count")
}

// --- Create run against an unbooted registry surfaces a distinct error -

func TestCreateRunBeforeTaskRegistryBootedIsDistinguishable(t *testing.T) {
	r := newTestRig(t)
	require.NoError(t, r.tasks.RegisterTask("gen", "1", singleTaskManifest(0, 1), func() registry.Task { return nil }, nil, nil))
	// Deliberately not booted: CreateRun's task-version pinning must not
	// confuse "still building" with "genuinely unknown".

	v0 := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "gen-one", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "gen", Outputs: []ir.ValueID{v0}},
				Next: ir.Return(&v0),
			},
		},
	}
	// Bypasses arity validation (nil lookup) since Arity would also see
	// the unbooted registry as having no match.
	require.NoError(t, r.workflows.Register(wf, nil))

	ctx := context.Background()
	_, err := r.coord.CreateRun(ctx, "gen-one", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrRegistryNotBooted)

	r.tasks.Boot()
	_, err = r.coord.CreateRun(ctx, "gen-one", "1")
	assert.NoError(t, err)
}

// --- Scenario S3: stream fan-out --------------------------------------

func TestScenarioStreamFanOut(t *testing.T) {
	r := newTestRig(t)
	manifest := registry.Manifest{
		TaskKind:      registry.KindStream,
		Runtime:       registry.RuntimeNative,
		Trust:         registry.TrustTrusted,
		ResourceClass: "cpu-small",
		InputArity:    0,
		OutputArity:   1,
		ABIVersion:    "1",
	}
	require.NoError(t, r.tasks.RegisterTask("range", "1", manifest, func() registry.Task { return nil }, nil, nil))
	r.tasks.Boot()
	r.registerWorkerFor(t, manifest)

	vElem := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "fan-out", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "range", Outputs: []ir.ValueID{vElem}},
				Next: ir.Return(&vElem),
			},
		},
	}
	require.NoError(t, r.workflows.Register(wf, r.tasks))

	ctx := context.Background()
	runID, err := r.coord.CreateRun(ctx, "fan-out", "1")
	require.NoError(t, err)
	require.NoError(t, r.coord.Start(ctx, runID))

	nodes, _ := r.jrn.QueuedNodes(ctx, runID)
	require.Len(t, nodes, 1)
	queued := nodes[0]

	elems := value.Array([]value.Value{value.Int(1), value.Int(2), value.Int(3)})
	require.NoError(t, r.coord.ApplyTaskResult(ctx, runID, queued.OpID, queued.CtxID, TaskResult{Success: true, Output: elems}))

	status, progress, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusSucceeded, status)
	assert.Equal(t, 1, progress.Done, "one dispatched node, fanned into 3 contexts")
}

// --- Scenario: branch on a non-boolean condition fails the run --------

func TestScenarioBranchOnNonBooleanFailsRun(t *testing.T) {
	r := newTestRig(t)
	v0 := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "bad-branch", Version: "1",
		Operations: []ir.Operation{
			{
				Literals: []ir.Literal{{Output: v0, Value: "42"}},
				Next:     ir.Branch(v0, 1, 1),
			},
			{
				Next: ir.Return(nil),
			},
		},
	}
	require.NoError(t, r.workflows.Register(wf, nil))

	ctx := context.Background()
	runID, err := r.coord.CreateRun(ctx, "bad-branch", "1")
	require.NoError(t, err)
	// The branch type-mismatch is absorbed into the run's own failure
	// bookkeeping (logged and journaled), not surfaced as a Go error.
	require.NoError(t, r.coord.Start(ctx, runID))

	status, _, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, status)
}

// --- Scenario S6: policy violation fails the node, run partial_failed -

func TestScenarioPolicyViolationPartialFails(t *testing.T) {
	r := newTestRig(t)
	// wasm runtime declared trusted: violates §4.7's policy rule.
	manifest := registry.Manifest{
		TaskKind:      registry.KindSingle,
		Runtime:       registry.RuntimeWasm,
		Trust:         registry.TrustTrusted,
		ResourceClass: "cpu-small",
		InputArity:    0,
		OutputArity:   1,
		ABIVersion:    "1",
	}
	require.NoError(t, r.tasks.RegisterTask("bad-task", "1", manifest, func() registry.Task { return nil }, nil, nil))
	r.tasks.Boot()

	v0 := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "policy-violation", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "bad-task", Outputs: []ir.ValueID{v0}},
				Next: ir.Return(&v0),
			},
		},
	}
	require.NoError(t, r.workflows.Register(wf, r.tasks))

	ctx := context.Background()
	runID, err := r.coord.CreateRun(ctx, "policy-violation", "1")
	require.NoError(t, err)
	// Start itself does not error: the dispatch failure is absorbed into
	// the run's own failure bookkeeping, not surfaced as a Go error.
	require.NoError(t, r.coord.Start(ctx, runID))

	status, _, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusPartialFailed, status)
}

// --- Lease expiry sweeps a stuck node into failure ---------------------

func TestExpireLeasesFailsStuckNode(t *testing.T) {
	r := newTestRig(t)
	manifest := singleTaskManifest(0, 1)
	manifest.TaskKind = registry.KindSingle
	require.NoError(t, r.tasks.RegisterTask("slow", "1", manifest, func() registry.Task { return nil }, nil, nil))
	r.tasks.Boot()
	r.registerWorkerFor(t, manifest)

	v0 := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "slow-wf", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "slow", Outputs: []ir.ValueID{v0}},
				Next: ir.Return(&v0),
			},
		},
	}
	require.NoError(t, r.workflows.Register(wf, r.tasks))

	ctx := context.Background()
	runID, err := r.coord.CreateRun(ctx, "slow-wf", "1")
	require.NoError(t, err)
	// Force a near-immediate lease so the sweep catches it.
	r.coord.cfg.DefaultLeaseMS = 1
	require.NoError(t, r.coord.Start(ctx, runID))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.coord.ExpireLeases(ctx, time.Now().Add(time.Second)))

	status, _, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusPartialFailed, status, "expected partial_failed after lease expiry")
}

// --- Restart replay reissues queued work against a fresh Coordinator ---

func TestRecoverReissuesQueuedNodeAndCompletesRun(t *testing.T) {
	r := newTestRig(t)
	manifest := singleTaskManifest(0, 1)
	require.NoError(t, r.tasks.RegisterTask("echo", "1", manifest, func() registry.Task { return nil }, nil, nil))
	r.tasks.Boot()
	r.registerWorkerFor(t, manifest)

	v0 := ir.ValueID(0)
	wf := &ir.Workflow{
		ID: "echo-wf", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "echo", Outputs: []ir.ValueID{v0}},
				Next: ir.Return(&v0),
			},
		},
	}
	ctx := context.Background()
	require.NoError(t, r.coord.RegisterWorkflow(ctx, wf))

	runID, err := r.coord.CreateRun(ctx, "echo-wf", "1")
	require.NoError(t, err)
	require.NoError(t, r.coord.Start(ctx, runID))

	status, _, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, status)

	// Simulate an orchestrator restart: everything in-memory (the
	// WorkflowStore, the runs map) is gone, but the journal, store and
	// redis-backed queues survive.
	fresh := r.restart()

	_, ok := fresh.workflows.Get("echo-wf", "1")
	require.False(t, ok, "fresh coordinator should start with no workflows registered")

	require.NoError(t, fresh.Recover(ctx))

	_, ok = fresh.workflows.Get("echo-wf", "1")
	assert.True(t, ok, "Recover should have reloaded the workflow IR from the journal")

	status, progress, err := fresh.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, status)
	assert.Equal(t, 1, progress.Total)

	nodes, err := r.jrn.QueuedNodes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	queued := nodes[0]

	require.NoError(t, fresh.ApplyTaskResult(ctx, runID, queued.OpID, queued.CtxID, TaskResult{Success: true, Output: value.Int(7)}))

	status, progress, err = fresh.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusSucceeded, status)
	assert.Equal(t, 1, progress.Done)
}

// A prior failed-but-not-yet-terminal node must not inflate progress.Done
// after a restart: nodes_done and nodes_failed are distinct counters per
// spec.md, and NodeCounts' "done" column must count only succeeded nodes.
func TestRecoverExcludesFailedNodesFromDoneProgress(t *testing.T) {
	r := newTestRig(t)
	rangeManifest := registry.Manifest{
		TaskKind:      registry.KindStream,
		Runtime:       registry.RuntimeNative,
		Trust:         registry.TrustTrusted,
		ResourceClass: "cpu-small",
		InputArity:    0,
		OutputArity:   1,
		ABIVersion:    "1",
	}
	workManifest := singleTaskManifest(1, 1)
	require.NoError(t, r.tasks.RegisterTask("range", "1", rangeManifest, func() registry.Task { return nil }, nil, nil))
	require.NoError(t, r.tasks.RegisterTask("work", "1", workManifest, func() registry.Task { return nil }, nil, nil))
	r.tasks.Boot()
	r.registerWorkerFor(t, rangeManifest)
	r.registerWorkerFor(t, workManifest)

	vElem, vResult := ir.ValueID(0), ir.ValueID(1)
	wf := &ir.Workflow{
		ID: "fan-out-partial", Version: "1",
		Operations: []ir.Operation{
			{
				Call: &ir.Call{TaskID: "range", Outputs: []ir.ValueID{vElem}},
				Next: ir.Jump(1),
			},
			{
				Call: &ir.Call{TaskID: "work", Inputs: []ir.ValueID{vElem}, Outputs: []ir.ValueID{vResult}},
				Next: ir.Return(&vResult),
			},
		},
	}
	ctx := context.Background()
	require.NoError(t, r.coord.RegisterWorkflow(ctx, wf))

	runID, err := r.coord.CreateRun(ctx, "fan-out-partial", "1")
	require.NoError(t, err)
	require.NoError(t, r.coord.Start(ctx, runID))

	nodes, err := r.jrn.QueuedNodes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	rangeNode := nodes[0]

	elems := value.Array([]value.Value{value.Int(1), value.Int(2)})
	require.NoError(t, r.coord.ApplyTaskResult(ctx, runID, rangeNode.OpID, rangeNode.CtxID, TaskResult{Success: true, Output: elems}))

	nodes, err = r.jrn.QueuedNodes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, nodes, 2, "each fanned-out element dispatches its own work call")

	// Fail the first work node and leave the second still queued, so the
	// run stays non-terminal going into restart.
	require.NoError(t, r.coord.ApplyTaskResult(ctx, runID, nodes[0].OpID, nodes[0].CtxID, TaskResult{Success: false, WorkerError: "boom"}))

	status, _, err := r.coord.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, status, "one context still active: must not be terminal yet")

	fresh := r.restart()
	require.NoError(t, fresh.Recover(ctx))

	_, progress, err := fresh.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Done, "only the succeeded range call counts as done, not the failed work call")

	remaining, err := r.jrn.QueuedNodes(ctx, runID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.NoError(t, fresh.ApplyTaskResult(ctx, runID, remaining[0].OpID, remaining[0].CtxID, TaskResult{Success: true, Output: value.Int(2)}))

	status, progress, err = fresh.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusPartialFailed, status)
	assert.Equal(t, 2, progress.Done, "range + the one surviving work call")
}
