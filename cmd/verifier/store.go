package main

import (
	"context"
	"fmt"

	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/database"
	"github.com/richxcame/visitguard/pkg/health"
	"github.com/richxcame/visitguard/pkg/kvstore"
	"github.com/richxcame/visitguard/pkg/logger"
	"github.com/richxcame/visitguard/pkg/redis"
	"github.com/richxcame/visitguard/pkg/resilience"
	"go.uber.org/zap"
)

// backend is the key-value store shared by the replay guard, the limiter
// and the scorer, plus what /healthz should probe.
type backend struct {
	kv     kvstore.Store
	checks map[string]func() error
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{checks: map[string]func() error{}, close: func() {}}
	retry := resilience.DefaultRetryConfig()

	var kv kvstore.Store
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		kv = kvstore.NewMemoryStore()

	case config.BackendRedis:
		client, err := redis.NewRedisClient(ctx, &cfg.Redis, retry)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.RedisAddr()))
		kv = kvstore.NewRedisStore(client.Client, cfg.Storage.KeyPrefix)
		b.checks["redis"] = health.RedisChecker(client.Client)
		b.close = func() { _ = client.Close() }

	case config.BackendPostgres:
		db, err := database.Open(ctx, &cfg.Database, retry)
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(ctx, db); err != nil {
			database.Close(db)
			return nil, err
		}
		logger.Info("connected to postgres", zap.String("host", cfg.Database.Host))
		kv = kvstore.NewPostgresStore(db)
		b.checks["database"] = health.DatabaseChecker(db)
		b.close = func() { database.Close(db) }

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Storage.BreakerEnabled && cfg.Storage.Backend != config.BackendMemory {
		kv = kvstore.NewBreakerStore(kv, resilience.StorageSettings("kvstore-"+cfg.Storage.Backend, cfg.Storage, nil))
	}
	b.kv = kv
	b.checks["store"] = health.StoreChecker(kv, health.DefaultCheckerConfig())
	return b, nil
}
