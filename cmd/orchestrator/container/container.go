// Package container wires the orchestrator's dependencies bottom-up:
// registry, store, kernel, worker registry, dispatcher, journal/event
// tail, then the coordinator that ties them together. One Container is
// built once at process start and handed to every route group.
//
// Grounded on the teacher's cmd/orchestrator/container/container.go
// (singleton-container, "initialize once" doc comments, bottom-up
// construction order), adapted from its CAS/artifact/tag/workflow
// service graph to this engine's registry/store/kernel/dispatch/
// coordinator graph.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/flowengine/internal/bootstrap"
	"github.com/lyzr/flowengine/internal/coordinator"
	"github.com/lyzr/flowengine/internal/dispatch"
	"github.com/lyzr/flowengine/internal/journal"
	"github.com/lyzr/flowengine/internal/kernel"
	"github.com/lyzr/flowengine/internal/predicate"
	"github.com/lyzr/flowengine/internal/registry"
	"github.com/lyzr/flowengine/internal/store"
	"github.com/lyzr/flowengine/internal/value"
)

// ArtifactStore is the minimal content-addressed artifact side table
// the upload/download endpoints need. Packaging and worker-side
// dynamic loading of the artifact itself is out of this repo's scope
// per §1; this only remembers which blob ref backs which task version
// so GET /tasks/{id}/{ver}/artifact can serve it back.
type ArtifactStore struct {
	mu   sync.RWMutex
	refs map[string]string // "taskID@version" -> blob ref
}

func newArtifactStore() *ArtifactStore {
	return &ArtifactStore{refs: make(map[string]string)}
}

func artifactKey(taskID, version string) string { return taskID + "@" + version }

// ArrayPack is the pack adapter handed to every task version with
// input_arity > 1 registered over HTTP (TaskHandler.Upload/Patch, via
// packFor); lower arities keep the identity default. A manifest's pack/unpack
// adapters are Go closures per §4.8, so an uploaded manifest — which
// only carries data, never code — cannot name a bespoke one. An
// array-pack (and the symmetric array-unpack already built into
// registry.TaskVersion.UnpackOutput) is the one adapter shape that
// needs no task-specific code: it is exactly what cmd/exampleworker's
// decodeInputs already expects on the wire.
func ArrayPack(inputs []value.Value) (value.Value, error) {
	return value.Array(inputs), nil
}

func (a *ArtifactStore) Set(taskID, version, ref string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs[artifactKey(taskID, version)] = ref
}

func (a *ArtifactStore) Get(taskID, version string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ref, ok := a.refs[artifactKey(taskID, version)]
	return ref, ok
}

// Container holds every initialized dependency the HTTP handlers need.
type Container struct {
	Components *bootstrap.Components

	Tasks      *registry.Registry
	Workflows  *coordinator.WorkflowStore
	Store      store.Store
	Kernel     *kernel.Kernel
	Workers    *dispatch.WorkerRegistry
	Dispatcher *dispatch.Dispatcher
	EventTail  *journal.EventTail
	Blobs      *coordinator.InMemoryBlobStore
	Artifacts  *ArtifactStore
	Coordinator *coordinator.Coordinator
}

// New builds the Container once at process start, bottom-up: the
// registry and store have no dependencies, the kernel depends on
// nothing but is handed the store per call, the dispatcher depends on
// the worker registry, and the coordinator depends on all of the
// above plus the journal bootstrap already opened.
func New(components *bootstrap.Components) (*Container, error) {
	if components.Redis == nil {
		return nil, fmt.Errorf("container: orchestrator requires redis (value store, dispatch queues)")
	}
	if components.Journal == nil {
		return nil, fmt.Errorf("container: orchestrator requires the postgres journal")
	}

	tasks := components.Tasks
	workflows := coordinator.NewWorkflowStore()
	st := store.NewRedisStore(components.Redis)
	kern := kernel.New(kernel.WithPredicateEvaluator(predicate.New(st)))
	heartbeat := time.Duration(components.Config.Engine.WorkerHeartbeatTimeoutS) * time.Second
	workers := dispatch.NewWorkerRegistry(components.Redis, heartbeat)
	disp := dispatch.New(components.Redis, workers)
	tail := journal.NewEventTail(components.Redis)
	blobs := coordinator.NewInMemoryBlobStore()
	artifacts := newArtifactStore()

	coord := coordinator.New(
		workflows,
		tasks,
		st,
		kern,
		disp,
		components.Journal,
		tail,
		blobs,
		components.Redis,
		components.Config.Engine,
		components.Logger,
	)

	return &Container{
		Components:  components,
		Tasks:       tasks,
		Workflows:   workflows,
		Store:       st,
		Kernel:      kern,
		Workers:     workers,
		Dispatcher:  disp,
		EventTail:   tail,
		Blobs:       blobs,
		Artifacts:   artifacts,
		Coordinator: coord,
	}, nil
}

// RunLeaseSweep drives the periodic expire_leases sweep of §4.7 until
// ctx is cancelled, the way a background goroutine in main() does for
// every long-running process in this repo.
func (c *Container) RunLeaseSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Coordinator.ExpireLeases(ctx, time.Now()); err != nil {
				c.Components.Logger.Error("lease sweep failed", "error", err)
			}
		}
	}
}
