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

// Setup initializes the components every process in this repo needs,
// in dependency order, and is the single entry point cmd/orchestrator
// and cmd/exampleworker both call before doing anything else.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{cleanupFuncs: make([]func() error, 0)}

	// 1. Load configuration.
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger.
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = obslog.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}
	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Connect to Postgres and open the journal (unless skipped).
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = dbx.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing database connection")
			components.DB.Close()
			return nil
		})

		components.Journal = journal.NewPostgresJournal(components.DB)
		if options.migrateDB {
			components.Logger.Info("running journal migration")
			if err := components.Journal.Migrate(ctx); err != nil {
				_ = components.Shutdown(ctx)
				return nil, fmt.Errorf("journal migration failed: %w", err)
			}
		}
	}

	// 4. Connect to Redis (value store, dispatch queues, worker registry).
	if !options.skipRedis {
		components.Logger.Info("connecting to redis", "addr", components.Config.Redis.Addr)
		components.Redis = redis.NewClient(&redis.Options{
			Addr:     components.Config.Redis.Addr,
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		if err := components.Redis.Ping(ctx).Err(); err != nil {
			_ = components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return components.Redis.Close()
		})
	}

	// 5. Construct the (unbooted) task registry; the caller registers
	// its own task versions and calls Tasks.Boot() before serving
	// traffic, since the set of tasks is process-specific.
	components.Tasks = registry.New()

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
	)
	return components, nil
}

// MustSetup is like Setup but panics on error, for processes that
// can't meaningfully recover from a failed bootstrap.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
