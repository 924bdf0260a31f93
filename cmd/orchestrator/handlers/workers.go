package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
)

// WorkerHandler serves the worker-registry endpoint C7's admission
// check reads from.
type WorkerHandler struct {
	c *container.Container
}

func NewWorkerHandler(c *container.Container) *WorkerHandler {
	return &WorkerHandler{c: c}
}

// Register handles POST /workers/register. Labels are accepted for
// forward compatibility with richer admission policies but are not
// yet consulted by §4.7's pool/resource_class admission check.
func (h *WorkerHandler) Register(c echo.Context) error {
	var req struct {
		WorkerID      string            `json:"worker_id"`
		ResourceClass string            `json:"resource_class"`
		Pool          string            `json:"pool"`
		Labels        map[string]string `json:"labels,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.WorkerID == "" || req.Pool == "" || req.ResourceClass == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "worker_id, pool, and resource_class are required")
	}
	err := h.c.Workers.Register(c.Request().Context(), req.WorkerID, req.Pool, req.ResourceClass)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
