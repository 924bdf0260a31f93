// Package config loads service configuration from the environment, the
// same way throughout every process this repo boots: no config files,
// just env vars with sane defaults, validated once at startup.
//
// Adapted from the teacher's common/config/config.go, trimmed of the
// Kafka/queue and feature-flag sections this engine has no use for and
// extended with an Engine section for the execution-layer knobs §4.7
// and §4.9 name (lease duration, inline-value size limit, heartbeat
// timeout, stale-lease poll interval).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Engine    EngineConfig
}

type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// EngineConfig holds the execution-layer defaults §4.7 and §4.9 name.
type EngineConfig struct {
	// DefaultLeaseMS is the lease duration stamped on every dispatch;
	// manifests carry no per-task lease override.
	DefaultLeaseMS int64
	// InlineValueLimitBytes bounds how large a task input may be before
	// the coordinator stages it in the blob store instead of inlining
	// it on the queue message.
	InlineValueLimitBytes int
	// WorkerHeartbeatTimeoutS is how long a worker registration stays
	// valid without a fresh heartbeat before admission stops counting it.
	WorkerHeartbeatTimeoutS int
	// StalePollIntervalS is how often the lease-expiry sweep runs.
	StalePollIntervalS int
}

func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowengine"),
			User:        getEnv("POSTGRES_USER", "flowengine"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowengine"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
		Engine: EngineConfig{
			DefaultLeaseMS:          int64(getEnvInt("ENGINE_DEFAULT_LEASE_MS", 60000)),
			InlineValueLimitBytes:   getEnvInt("ENGINE_INLINE_VALUE_LIMIT_BYTES", 32*1024),
			WorkerHeartbeatTimeoutS: getEnvInt("ENGINE_WORKER_HEARTBEAT_TIMEOUT_S", 60),
			StalePollIntervalS:      getEnvInt("ENGINE_STALE_POLL_INTERVAL_S", 5),
		},
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Engine.DefaultLeaseMS <= 0 {
		return fmt.Errorf("engine default lease must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
