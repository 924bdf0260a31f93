// Command orchestrator serves the §6 HTTP API: task registration, run
// lifecycle, and the worker-facing queue+callback protocol surface.
//
// Grounded on the teacher's cmd/orchestrator/main.go (Setup -> Container
// -> Echo -> middleware -> health -> routes -> startServer staging).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowengine/cmd/orchestrator/container"
	"github.com/lyzr/flowengine/cmd/orchestrator/routes"
	"github.com/lyzr/flowengine/internal/bootstrap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "orchestrator", bootstrap.WithMigrate())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	c, err := container.New(components)
	if err != nil {
		components.Logger.Error("failed to build container", "error", err)
		os.Exit(1)
	}

	if err := c.Coordinator.Recover(ctx); err != nil {
		components.Logger.Error("restart recovery failed", "error", err)
	}

	sweepInterval := time.Duration(components.Config.Engine.StalePollIntervalS) * time.Second
	go c.RunLeaseSweep(ctx, sweepInterval)

	e := setupEcho()
	setupMiddleware(e)
	routes.Register(e, c)

	go startServer(e, components)

	<-ctx.Done()
	components.Logger.Info("shutting down orchestrator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		components.Logger.Error("echo shutdown error", "error", err)
	}
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
}

func startServer(e *echo.Echo, components *bootstrap.Components) {
	addr := fmt.Sprintf(":%d", components.Config.Service.Port)
	components.Logger.Info("orchestrator listening", "addr", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		components.Logger.Error("server stopped", "error", err)
	}
}
