package coordinator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lyzr/flowengine/internal/ir"
)

// WorkflowStore is the thin registration surface §6's POST /workflows
// needs. It is intentionally separate from internal/registry (C8):
// workflows and tasks are versioned independently.
type WorkflowStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*ir.Workflow // id -> version -> workflow
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{entries: make(map[string]map[string]*ir.Workflow)}
}

// Register validates wf against tasks and stores it under (id,
// version). Registration is rejected outright on any §4.1 violation.
func (s *WorkflowStore) Register(wf *ir.Workflow, tasks ir.TaskArityLookup) error {
	if err := ir.Validate(wf, tasks); err != nil {
		return fmt.Errorf("coordinator: register workflow %s@%s: %w", wf.ID, wf.Version, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.entries[wf.ID]
	if !ok {
		versions = make(map[string]*ir.Workflow)
		s.entries[wf.ID] = versions
	}
	versions[wf.Version] = wf
	return nil
}

// Get returns the workflow at the given version, or the latest
// registered version when version is empty.
func (s *WorkflowStore) Get(workflowID, version string) (*ir.Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.entries[workflowID]
	if !ok {
		return nil, false
	}
	if version != "" {
		wf, ok := versions[version]
		return wf, ok
	}
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, false
	}
	sort.Strings(keys)
	return versions[keys[len(keys)-1]], true
}
