package bootstrap

import (
	"github.com/lyzr/flowengine/internal/config"
	"github.com/lyzr/flowengine/internal/obslog"
)

// Option configures the bootstrap process, following the teacher's
// functional-options shape in common/bootstrap/options.go.
type Option func(*options)

type options struct {
	skipDB       bool
	skipRedis    bool
	customLogger *obslog.Logger
	customConfig *config.Config
	migrateDB    bool
}

// WithoutDB skips Postgres journal initialization, for components that
// only ever read/write through Redis (e.g. a worker that never queries
// run history directly).
func WithoutDB() Option {
	return func(o *options) { o.skipDB = true }
}

// WithoutRedis skips Redis client initialization.
func WithoutRedis() Option {
	return func(o *options) { o.skipRedis = true }
}

// WithMigrate runs the journal's schema migration after connecting.
func WithMigrate() Option {
	return func(o *options) { o.migrateDB = true }
}

// WithCustomLogger uses a pre-built logger instead of creating one
// from config.
func WithCustomLogger(log *obslog.Logger) Option {
	return func(o *options) { o.customLogger = log }
}

// WithCustomConfig uses a pre-built config instead of loading it from
// the environment.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

func defaultOptions() *options {
	return &options{}
}
