package storage

import (
	"strings"
	"time"
)

// Option tunes the Postgres store.
type Option func(*PostgresConfig)

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds both connection acquisition and the
// statement run on that connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}
