package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
	"github.com/lyzr/flowengine/internal/ir"
)

// WorkflowHandler serves the C1/§4.1 workflow-registration endpoint.
// The surface macro layer that compiles user source into this IR is
// an external collaborator per §1 — callers submit the IR directly.
type WorkflowHandler struct {
	c *container.Container
}

func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

type workflowResponse struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Register handles POST /workflows: validate the submitted IR per
// §4.1 and store it for later runs.
func (h *WorkflowHandler) Register(c echo.Context) error {
	var wf ir.Workflow
	if err := c.Bind(&wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if wf.ID == "" || wf.Version == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id and version are required")
	}
	if err := h.c.Coordinator.RegisterWorkflow(c.Request().Context(), &wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, workflowResponse{ID: wf.ID, Version: wf.Version})
}
