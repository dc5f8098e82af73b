package health

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/richxcame/visitguard/pkg/kvstore"
)

// probeKey is read by StoreChecker; it is never written.
const probeKey = "health:probe"

// Checker reports a dependency as healthy by returning nil.
type Checker func() error

// CheckerConfig bounds how long a single probe may take.
type CheckerConfig struct {
	Timeout time.Duration
}

// DefaultCheckerConfig returns the settings used by the plain constructors.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{Timeout: 2 * time.Second}
}

// DatabaseChecker returns a health check function for PostgreSQL database
func DatabaseChecker(db *sql.DB) Checker {
	return DatabaseCheckerWithConfig(db, DefaultCheckerConfig())
}

// DatabaseCheckerWithConfig is DatabaseChecker with a custom timeout.
func DatabaseCheckerWithConfig(db *sql.DB, cfg CheckerConfig) Checker {
	return func() error {
		if db == nil {
			return errors.New("database connection is nil")
		}
		ctx, cancel := probeContext(cfg)
		defer cancel()
		return db.PingContext(ctx)
	}
}

// RedisChecker returns a health check function for Redis
func RedisChecker(client redis.UniversalClient) Checker {
	return RedisCheckerWithConfig(client, DefaultCheckerConfig())
}

// RedisCheckerWithConfig is RedisChecker with a custom timeout.
func RedisCheckerWithConfig(client redis.UniversalClient, cfg CheckerConfig) Checker {
	return func() error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		ctx, cancel := probeContext(cfg)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

// StoreChecker probes a key-value store with a read of a key that never
// exists. A breaker-wrapped store reports unhealthy while the breaker is
// open.
func StoreChecker(kv kvstore.Store, cfg CheckerConfig) Checker {
	return func() error {
		if kv == nil {
			return errors.New("store is nil")
		}
		ctx, cancel := probeContext(cfg)
		defer cancel()
		_, err := kv.Get(ctx, probeKey)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		return err
	}
}

func probeContext(cfg CheckerConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), cfg.Timeout)
}
