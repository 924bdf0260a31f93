// Package routes registers the §6 HTTP surface on an Echo instance.
//
// Grounded on the teacher's cmd/orchestrator/routes (one Register*
// function per resource, grouped paths).
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
	"github.com/lyzr/flowengine/cmd/orchestrator/handlers"
)

// Register wires every §6 endpoint onto e.
func Register(e *echo.Echo, c *container.Container) {
	health := handlers.NewHealthHandler(c)
	e.GET("/healthz", health.Healthz)

	tasks := handlers.NewTaskHandler(c)
	e.POST("/tasks/upload", tasks.Upload)
	e.GET("/tasks/:id/:ver", tasks.Manifest)
	e.GET("/tasks/:id/:ver/artifact", tasks.Artifact)
	e.PATCH("/tasks/:id/:ver", tasks.Patch)

	workflows := handlers.NewWorkflowHandler(c)
	e.POST("/workflows", workflows.Register)

	runs := handlers.NewRunHandler(c)
	e.POST("/runs", runs.Create)
	e.GET("/runs/:id/status", runs.Status)
	e.GET("/runs/:id/events", runs.Events)
	e.POST("/runs/:id/nodes/start", runs.NodeStart)
	e.POST("/runs/:id/nodes/complete", runs.NodeComplete)
	e.POST("/runs/:id/cancel", runs.Cancel)

	workers := handlers.NewWorkerHandler(c)
	e.POST("/workers/register", workers.Register)
}
