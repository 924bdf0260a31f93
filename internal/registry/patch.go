package registry

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// patchableFields is the allowlist of manifest fields a hot-patch may
// touch: operational knobs an operator needs to flip without a full
// re-upload (bumping resource_class, toggling requires_gpu ahead of a
// capacity change, rotating abi_version). Anything else — task_kind,
// trust, arity, schemas, checksum — is load-bearing for dispatch
// policy and IR validation and must go through a fresh upload instead.
var patchableFields = map[string]bool{
	"/resource_class": true,
	"/requires_gpu":   true,
	"/abi_version":    true,
}

// ApplyManifestPatch applies a JSON Patch document to a task's
// manifest, restricted to patchableFields, re-validates the policy
// combination (§4.7), and returns the patched manifest without
// mutating the registry — callers persist it via RegisterTask with a
// bumped version or an explicit overwrite path.
//
// Adapted from the teacher's common/validation/patch_validator.go
// (structural operation validation with a scoped allowlist in place of
// its "max 5 agent nodes" domain rule) and common/models/patch_chain.go's
// PatchChainMember shape, repurposed here from workflow-DSL patch
// chains to manifest version history (see DESIGN.md).
func ApplyManifestPatch(current Manifest, patchDoc []byte) (Manifest, error) {
	var rawOps []map[string]any
	if err := json.Unmarshal(patchDoc, &rawOps); err != nil {
		return Manifest{}, fmt.Errorf("registry: decode manifest patch: %w", err)
	}
	for i, op := range rawOps {
		path, ok := op["path"].(string)
		if !ok {
			return Manifest{}, fmt.Errorf("registry: manifest patch op %d: missing path", i)
		}
		if !patchableFields[path] {
			return Manifest{}, fmt.Errorf("registry: manifest patch op %d touches non-patchable field %q", i, path)
		}
	}

	ops, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return Manifest{}, fmt.Errorf("registry: decode manifest patch: %w", err)
	}
	doc, err := json.Marshal(current)
	if err != nil {
		return Manifest{}, fmt.Errorf("registry: marshal manifest: %w", err)
	}
	patched, err := ops.Apply(doc)
	if err != nil {
		return Manifest{}, fmt.Errorf("registry: apply manifest patch: %w", err)
	}

	var result Manifest
	if err := json.Unmarshal(patched, &result); err != nil {
		return Manifest{}, fmt.Errorf("registry: unmarshal patched manifest: %w", err)
	}
	if err := result.ValidatePolicy(); err != nil {
		return Manifest{}, err
	}
	return result, nil
}
