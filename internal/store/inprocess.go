package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/lyzr/flowengine/internal/ctxtree"
	"github.com/lyzr/flowengine/internal/value"
)

// InProcessStore wraps one internal/ctxtree.Manager per run, for local
// (single-process) execution. This is the "in-process store wrapping
// C3 directly" required by §4.4.
type InProcessStore struct {
	mu   sync.Mutex
	runs map[string]*ctxtree.Manager
}

func NewInProcessStore() *InProcessStore {
	return &InProcessStore{runs: make(map[string]*ctxtree.Manager)}
}

func (s *InProcessStore) manager(runID string) *ctxtree.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.runs[runID]
	if !ok {
		m = ctxtree.NewManager()
		s.runs[runID] = m
	}
	return m
}

func (s *InProcessStore) CreateRoot(_ context.Context, runID string) (ContextID, error) {
	return s.manager(runID).CreateRoot(), nil
}

func (s *InProcessStore) Bind(_ context.Context, runID string, c ContextID, varID int, v value.Value) (ContextID, error) {
	return s.manager(runID).Bind(c, varID, v), nil
}

func (s *InProcessStore) Get(_ context.Context, runID string, c ContextID, varID int) (value.Value, error) {
	raw, err := s.manager(runID).Lookup(c, varID)
	if err != nil {
		return value.Value{}, fmt.Errorf("store: %w", err)
	}
	v, ok := raw.(value.Value)
	if !ok {
		return value.Value{}, fmt.Errorf("store: binding for var %d is not a value.Value", varID)
	}
	return v, nil
}

func (s *InProcessStore) GetMany(_ context.Context, runID string, c ContextID, varIDs []int) ([]value.Value, error) {
	raws, err := s.manager(runID).LookupMany(c, varIDs)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	out := make([]value.Value, len(raws))
	for i, r := range raws {
		v, ok := r.(value.Value)
		if !ok {
			return nil, fmt.Errorf("store: binding for var %d is not a value.Value", varIDs[i])
		}
		out[i] = v
	}
	return out, nil
}

// Parent is unsupported for the in-process store: ancestor walks stay
// internal to ctxtree.Manager, which already exposes Lookup/Compare.
// Callers that need raw parent traversal use the external store's thin
// shim instead (§4.4).
func (s *InProcessStore) Parent(_ context.Context, _ string, _ ContextID) (ContextID, bool, error) {
	return 0, false, fmt.Errorf("store: Parent is not supported by InProcessStore")
}

func (s *InProcessStore) Release(_ context.Context, runID string, c ContextID) error {
	s.manager(runID).Release(c)
	return nil
}

func (s *InProcessStore) Compare(_ context.Context, runID string, a, b ContextID) (ctxtree.Order, error) {
	return s.manager(runID).Compare(a, b), nil
}
