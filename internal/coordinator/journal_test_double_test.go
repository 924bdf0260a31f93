package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/flowengine/internal/ir"
	"github.com/lyzr/flowengine/internal/journal"
)

// fakeJournal is an in-memory journal.Journal double used only by this
// package's tests, so they can exercise the coordinator's full
// lifecycle without a Postgres connection.
type fakeJournal struct {
	mu           sync.Mutex
	created      map[string]struct{ workflowID, version string }
	statuses     map[string][]journal.RunStatus
	nodes        []journal.NodeState
	events       map[string][]journal.Event
	contexts     map[string][]int64
	finishedCtxs map[string]map[int64]bool
	workflows    map[string]*ir.Workflow
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		created:      make(map[string]struct{ workflowID, version string }),
		statuses:     make(map[string][]journal.RunStatus),
		events:       make(map[string][]journal.Event),
		contexts:     make(map[string][]int64),
		finishedCtxs: make(map[string]map[int64]bool),
		workflows:    make(map[string]*ir.Workflow),
	}
}

func (f *fakeJournal) AppendWorkflowRegistered(_ context.Context, wf *ir.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[wf.ID+"@"+wf.Version] = wf
	return nil
}

func (f *fakeJournal) LoadWorkflows(_ context.Context) ([]*ir.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ir.Workflow, 0, len(f.workflows))
	for _, wf := range f.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (f *fakeJournal) AppendRunCreated(_ context.Context, runID, workflowID, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[runID] = struct{ workflowID, version string }{workflowID, version}
	return nil
}

func (f *fakeJournal) AppendRunStatus(_ context.Context, runID string, status journal.RunStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[runID] = append(f.statuses[runID], status)
	return nil
}

func (f *fakeJournal) AppendContextCreated(_ context.Context, runID string, ctxID int64, _ *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[runID] = append(f.contexts[runID], ctxID)
	return nil
}

func (f *fakeJournal) AppendContextFinished(_ context.Context, runID string, ctxID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishedCtxs[runID] == nil {
		f.finishedCtxs[runID] = make(map[int64]bool)
	}
	f.finishedCtxs[runID][ctxID] = true
	return nil
}

func (f *fakeJournal) AppendNodeState(_ context.Context, state journal.NodeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, state)
	return nil
}

func (f *fakeJournal) AppendEvent(_ context.Context, runID string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[runID] = append(f.events[runID], journal.Event{RunID: runID, Payload: data, At: at})
	return nil
}

func (f *fakeJournal) NonTerminalRuns(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for runID := range f.created {
		out = append(out, runID)
	}
	return out, nil
}

func (f *fakeJournal) QueuedNodes(_ context.Context, runID string) ([]journal.NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[[2]int64]journal.NodeState)
	var order [][2]int64
	for _, n := range f.nodes {
		if n.RunID != runID {
			continue
		}
		key := [2]int64{int64(n.OpID), n.CtxID}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = n
	}
	var out []journal.NodeState
	for _, key := range order {
		n := latest[key]
		if n.Status == journal.NodeQueued || n.Status == journal.NodeRunning {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeJournal) RunInfo(_ context.Context, runID string) (string, string, journal.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created, ok := f.created[runID]
	if !ok {
		return "", "", "", fmt.Errorf("fakeJournal: unknown run %s", runID)
	}
	statuses := f.statuses[runID]
	status := journal.StatusPending
	if len(statuses) > 0 {
		status = statuses[len(statuses)-1]
	}
	return created.workflowID, created.version, status, nil
}

func (f *fakeJournal) OpenContextCount(_ context.Context, runID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	finished := f.finishedCtxs[runID]
	n := 0
	for _, ctxID := range f.contexts[runID] {
		if finished == nil || !finished[ctxID] {
			n++
		}
	}
	return n, nil
}

func (f *fakeJournal) NodeCounts(_ context.Context, runID string) (total, done, failed int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[[2]int64]journal.NodeState)
	for _, n := range f.nodes {
		if n.RunID != runID {
			continue
		}
		latest[[2]int64{int64(n.OpID), n.CtxID}] = n
	}
	for _, n := range latest {
		total++
		if n.Status == journal.NodeSucceeded {
			done++
		}
		if n.Status == journal.NodeFailed {
			failed++
		}
	}
	return total, done, failed, nil
}

func (f *fakeJournal) Events(_ context.Context, runID string, limit int) ([]journal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[runID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]journal.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (f *fakeJournal) statusesFor(runID string) []journal.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]journal.RunStatus, len(f.statuses[runID]))
	copy(out, f.statuses[runID])
	return out
}
