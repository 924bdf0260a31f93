package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lyzr/flowengine/internal/value"
)

// Task is the minimal in-process task shape used only by the
// reference worker (cmd/exampleworker) for exercising the dispatch
// protocol in tests; real task execution lives in external worker
// processes and is out of this repo's scope.
type Task interface {
	Call(inputs []value.Value) (value.Value, error)
}

// Factory constructs a fresh Task instance.
type Factory func() Task

// PackFunc converts one Value per declared input into the single
// Value a task's call signature expects. For input_arity == 1 the
// identity pack is used automatically and no adapter is required.
type PackFunc func(inputs []value.Value) (value.Value, error)

// UnpackFunc converts a task's single returned Value into one Value
// per declared output (tuples/records).
type UnpackFunc func(result value.Value, outputArity int) ([]value.Value, error)

// TaskVersion is one registered version of a named task.
type TaskVersion struct {
	Manifest Manifest
	Factory  Factory
	Pack     PackFunc
	Unpack   UnpackFunc
}

// Registry holds TaskEntry{name,version,factory,pack?,unpack?,manifest}
// per §4.8. It is process-wide and immutable after Boot(), matching
// §9's design note: a phase-separated builder (register_* before
// start()) grounded on original_source/crates/core/src/registry.rs's
// inventory::collect! pattern, translated to an explicit freeze step
// since Go has no compile-time registration hook equivalent to a
// linker-collected inventory.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]map[string]*TaskVersion // name -> version -> entry
	booted atomic.Bool
}

func New() *Registry {
	return &Registry{tasks: make(map[string]map[string]*TaskVersion)}
}

// RegisterTask adds a task version. Only valid before Boot().
func (r *Registry) RegisterTask(name, version string, manifest Manifest, factory Factory, pack PackFunc, unpack UnpackFunc) error {
	if r.booted.Load() {
		return ErrRegistryFrozen
	}
	if manifest.InputArity > 1 && pack == nil {
		return fmt.Errorf("registry: register %s@%s: %w", name, version, ErrUnsupportedArity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.tasks[name]
	if !ok {
		versions = make(map[string]*TaskVersion)
		r.tasks[name] = versions
	}
	versions[version] = &TaskVersion{Manifest: manifest, Factory: factory, Pack: pack, Unpack: unpack}
	return nil
}

// Boot freezes the registry; no further RegisterTask calls are
// accepted afterward. Lookup/Arity still take the read lock.
func (r *Registry) Boot() {
	r.booted.Store(true)
}

func (r *Registry) Booted() bool { return r.booted.Load() }

// Lookup returns the task version, or the latest registered version
// when version is empty. Per §9's phase-separated builder, the
// registry only serves reads once frozen; before Boot() it reports no
// match regardless of what has been registered so far.
func (r *Registry) Lookup(taskID, version string) (*TaskVersion, bool) {
	if !r.booted.Load() {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	if version != "" {
		v, ok := versions[version]
		return v, ok
	}
	return latest(versions)
}

func latest(versions map[string]*TaskVersion) (*TaskVersion, bool) {
	_, tv, ok := latestKeyed(versions)
	return tv, ok
}

func latestKeyed(versions map[string]*TaskVersion) (string, *TaskVersion, bool) {
	if len(versions) == 0 {
		return "", nil, false
	}
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	top := keys[len(keys)-1]
	return top, versions[top], true
}

// LookupLatestVersion returns the version string of the most recently
// registered version of taskID alongside its entry, so a caller (the
// run coordinator) can pin that exact version for the lifetime of a
// run rather than re-resolving "latest" on every dispatch.
func (r *Registry) LookupLatestVersion(taskID string) (version string, tv *TaskVersion, ok bool) {
	if !r.booted.Load() {
		return "", nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, found := r.tasks[taskID]
	if !found {
		return "", nil, false
	}
	return latestKeyed(versions)
}

// Arity implements ir.TaskArityLookup: the input/output arity declared
// by the latest registered version of taskID.
func (r *Registry) Arity(taskID string) (inputArity, outputArity int, ok bool) {
	tv, found := r.Lookup(taskID, "")
	if !found {
		return 0, 0, false
	}
	return tv.Manifest.InputArity, tv.Manifest.OutputArity, true
}

// PackInputs converts inputs into the single Value a task's call expects,
// using the identity pack when arity is 1 and no adapter is
// registered, per §4.8.
func (tv *TaskVersion) PackInputs(inputs []value.Value) (value.Value, error) {
	if tv.Pack == nil {
		switch len(inputs) {
		case 0:
			return value.Unit(), nil
		case 1:
			return inputs[0], nil
		default:
			return value.Value{}, ErrUnsupportedArity
		}
	}
	return tv.Pack(inputs)
}

// UnpackOutput converts a task's single returned Value into one Value
// per declared output. When no unpack adapter is registered, a JSON
// array of matching length is accepted and positionally bound (the
// Open-Question resolution recorded in DESIGN.md); a length mismatch
// is ErrArityMismatch.
func (tv *TaskVersion) UnpackOutput(result value.Value, outputArity int) ([]value.Value, error) {
	if outputArity == 1 {
		return []value.Value{result}, nil
	}
	if tv.Unpack != nil {
		return tv.Unpack(result, outputArity)
	}
	arr, ok := result.AsArray()
	if !ok || len(arr) != outputArity {
		return nil, ErrArityMismatch
	}
	return arr, nil
}
