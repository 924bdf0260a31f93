// Package bootstrap wires the components every process in this repo
// needs to start (orchestrator API, example worker) in a fixed order:
// config, logger, Postgres journal, Redis client, task registry.
// Adapted from the teacher's common/bootstrap/bootstrap.go, trimmed of
// the Kafka/in-memory queue and pprof-telemetry sections this engine
// has no use for, and extended with the Redis client and task registry
// steps §4.7-§4.9 require every process to have before it serves
// traffic.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/config"
	"github.com/lyzr/flowengine/internal/dbx"
	"github.com/lyzr/flowengine/internal/journal"
	"github.com/lyzr/flowengine/internal/obslog"
	"github.com/lyzr/flowengine/internal/registry"
)

// Components holds every initialized service dependency a process
// needs, plus the means to tear them all down in reverse order.
type Components struct {
	Config  *config.Config
	Logger  *obslog.Logger
	DB      *dbx.DB
	Redis   *redis.Client
	Journal *journal.PostgresJournal
	Tasks   *registry.Registry

	cleanupFuncs []func() error
}

// Shutdown runs registered cleanup functions LIFO. Call with defer
// right after Setup.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")
	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks the liveness of every component that can fail independently
// of the process itself.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
