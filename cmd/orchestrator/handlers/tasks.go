// Package handlers implements the §6 HTTP surface: task artifact
// upload/manifest/download, workflow registration, run lifecycle, and
// worker registration, each a thin adapter over the internal/
// components the Container wires together.
//
// Grounded on the teacher's cmd/orchestrator/handlers/artifact.go and
// handlers/workflow.go for the handler-struct-per-resource shape and
// echo binding idiom.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
	"github.com/lyzr/flowengine/internal/registry"
)

// TaskHandler serves the C8 task-registry endpoints of §6.
type TaskHandler struct {
	c *container.Container
}

func NewTaskHandler(c *container.Container) *TaskHandler {
	return &TaskHandler{c: c}
}

type uploadResponse struct {
	TaskID  string `json:"task_id"`
	Version string `json:"version"`
}

// Upload handles POST /tasks/upload: a multipart body carrying the
// artifact (.tar.zst) plus a "manifest" field with the JSON manifest
// (task_id, version, and the Manifest fields of §4.8). The artifact
// itself is staged content-addressed (§4.7's dedup rule); on-wire
// packaging format and worker-side dynamic loading stay out of scope
// per §1 — this only remembers which blob backs which task version.
func (h *TaskHandler) Upload(c echo.Context) error {
	var req struct {
		TaskID   string            `json:"task_id"`
		Version  string            `json:"version"`
		Manifest registry.Manifest `json:"manifest"`
	}
	if err := json.Unmarshal([]byte(c.FormValue("manifest")), &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid manifest field: %v", err))
	}
	if req.TaskID == "" || req.Version == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id and version are required")
	}
	if err := req.Manifest.ValidatePolicy(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	fileHeader, err := c.FormFile("artifact")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing artifact file")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open artifact: %v", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read artifact: %v", err))
	}

	ref, err := h.c.Blobs.Put(c.Request().Context(), data)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.c.Artifacts.Set(req.TaskID, req.Version, ref)

	// No in-process factory: this task is executed by an external
	// worker process per the queue+callback protocol of §6. Multi-
	// arity tasks need a registered pack adapter per §4.8; since an
	// uploaded manifest carries no code, an upload with input_arity > 1
	// gets the generic array-pack (container.ArrayPack), leaving the
	// arity-0/1 identity default for everything else.
	if err := h.c.Tasks.RegisterTask(req.TaskID, req.Version, req.Manifest, nil, packFor(req.Manifest), nil); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	return c.JSON(http.StatusOK, uploadResponse{TaskID: req.TaskID, Version: req.Version})
}

// Manifest handles GET /tasks/{id}/{ver}.
func (h *TaskHandler) Manifest(c echo.Context) error {
	tv, ok := h.c.Tasks.Lookup(c.Param("id"), c.Param("ver"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown task version")
	}
	return c.JSON(http.StatusOK, tv.Manifest)
}

// Artifact handles GET /tasks/{id}/{ver}/artifact.
func (h *TaskHandler) Artifact(c echo.Context) error {
	ref, ok := h.c.Artifacts.Get(c.Param("id"), c.Param("ver"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no artifact staged for this task version")
	}
	data, err := h.c.Blobs.Get(c.Request().Context(), ref)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

// Patch handles PATCH /tasks/{id}/{ver}: apply a JSON Patch document
// restricted to registry.ApplyManifestPatch's operational allowlist,
// then re-register the result under the same version, overwriting it, as a hot-patch
// (the patched fields are operational knobs, not load-bearing dispatch
// policy, per patch.go's doc comment).
func (h *TaskHandler) Patch(c echo.Context) error {
	taskID, version := c.Param("id"), c.Param("ver")
	tv, ok := h.c.Tasks.Lookup(taskID, version)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown task version")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	patched, err := registry.ApplyManifestPatch(tv.Manifest, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.c.Tasks.RegisterTask(taskID, version, patched, tv.Factory, packFor(patched), tv.Unpack); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, patched)
}

// packFor returns container.ArrayPack for any manifest that needs a
// pack adapter to be dispatchable at all (§4.8: input_arity>1 without
// one is UnsupportedArity), and nil otherwise so the registry's
// identity default for arity 0/1 still applies.
func packFor(m registry.Manifest) registry.PackFunc {
	if m.InputArity > 1 {
		return container.ArrayPack
	}
	return nil
}
