package storage

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and configures a backend for Open.
type Config struct {
	Driver          string
	SQLitePath      string
	PostgresDSN     string
	PostgresOptions []Option
	// MigratePostgres applies the schema after the pool opens.
	MigratePostgres bool
	Redis           RedisConfig
}

// Open constructs the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(cfg.SQLitePath)
	case DriverPostgres:
		store, err := NewPostgresStore(ctx, cfg.PostgresDSN, cfg.PostgresOptions...)
		if err != nil {
			return nil, err
		}
		if cfg.MigratePostgres {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close(ctx)
				return nil, err
			}
		}
		return store, nil
	case DriverRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported session store driver %q", cfg.Driver)
	}
}
