package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
	"github.com/lyzr/flowengine/internal/coordinator"
	"github.com/lyzr/flowengine/internal/value"
)

// RunHandler serves the C6/C9 run-lifecycle endpoints of §6.
type RunHandler struct {
	c *container.Container
}

func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{c: c}
}

// Create handles POST /runs: create then immediately start the run,
// matching C6's contract that Start drives the kernel to the first
// dispatch or return before returning.
func (h *RunHandler) Create(c echo.Context) error {
	var req struct {
		WorkflowID string `json:"workflow_id"`
		Version    string `json:"version"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	runID, err := h.c.Coordinator.CreateRun(ctx, req.WorkflowID, req.Version)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.c.Coordinator.Start(ctx, runID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": runID})
}

// Status handles GET /runs/{id}/status.
func (h *RunHandler) Status(c echo.Context) error {
	status, progress, err := h.c.Coordinator.Status(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   status,
		"progress": map[string]int{"done": progress.Done, "total": progress.Total},
	})
}

// Events handles GET /runs/{id}/events?limit=N, tailing the hot Redis
// event stream the coordinator publishes to on every transition.
func (h *RunHandler) Events(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	events, err := h.c.EventTail.Tail(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// NodeStart handles POST /runs/{id}/nodes/start: a worker claiming a
// dispatched node, which re-stamps its lease.
func (h *RunHandler) NodeStart(c echo.Context) error {
	var req struct {
		OpID    int   `json:"op_id"`
		CtxID   int64 `json:"ctx_id"`
		LeaseMS int64 `json:"lease_ms"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.LeaseMS <= 0 {
		req.LeaseMS = h.c.Components.Config.Engine.DefaultLeaseMS
	}
	err := h.c.Coordinator.ReportNodeStart(c.Request().Context(), c.Param("id"), req.OpID, req.CtxID, req.LeaseMS)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"op_id": strconv.Itoa(req.OpID), "ctx_id": strconv.FormatInt(req.CtxID, 10), "lease_ms": strconv.FormatInt(req.LeaseMS, 10)})
}

// NodeComplete handles POST /runs/{id}/nodes/complete: a worker
// reporting success or failure for a dispatched node, feeding §4.6.1's
// apply-result path. output_json, when present, is the Value wire
// envelope (value.MarshalBinary's {tag,data} shape) the worker decoded
// its inputs from, so success and failure share one typed round trip.
func (h *RunHandler) NodeComplete(c echo.Context) error {
	var req struct {
		OpID       int             `json:"op_id"`
		CtxID      int64           `json:"ctx_id"`
		Success    bool            `json:"success"`
		OutputJSON json.RawMessage `json:"output_json,omitempty"`
		Error      string          `json:"error,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result := coordinator.TaskResult{Success: req.Success, WorkerError: req.Error}
	if req.Success && len(req.OutputJSON) > 0 {
		var v value.Value
		if err := v.UnmarshalBinary(req.OutputJSON); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid output_json: "+err.Error())
		}
		result.Output = v
	}

	err := h.c.Coordinator.ApplyTaskResult(c.Request().Context(), c.Param("id"), req.OpID, req.CtxID, result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Cancel handles the external cancel_run surface §5 names as part of
// C6's interface (not in the §6 table, but required by the "Caller-
// issued cancel_run" contract) — exposed as POST /runs/{id}/cancel.
func (h *RunHandler) Cancel(c echo.Context) error {
	if err := h.c.Coordinator.CancelRun(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}
