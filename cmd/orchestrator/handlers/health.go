package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
)

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	c *container.Container
}

func NewHealthHandler(c *container.Container) *HealthHandler {
	return &HealthHandler{c: c}
}

func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
