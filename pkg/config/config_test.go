package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("verifier")
	require.NoError(t, err)

	assert.Equal(t, "verifier", cfg.Server.ServiceName)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Replay.NonceTTL)
	assert.Equal(t, 1, cfg.RateLimit.MaxVisitsPerHour)
	assert.Equal(t, 10, cfg.RateLimit.MaxVisitsPerDay)
	assert.Equal(t, 3, cfg.RateLimit.MaxDevicesPerHour)
	assert.Equal(t, 6*time.Hour, cfg.RateLimit.SweepInterval)
	assert.InDelta(t, 0.30, cfg.Risk.Weights.Velocity, 1e-9)
	assert.InDelta(t, 0.8, cfg.Risk.BlockScore, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", BackendPostgres)
	t.Setenv("REPLAY_NONCE_TTL", "2h")
	t.Setenv("RATELIMIT_MAX_VISITS_PER_DAY", "20")
	t.Setenv("RISK_WEIGHT_BURST", "0.25")
	t.Setenv("NATS_ENABLED", "true")

	cfg, err := Load("verifier")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Replay.NonceTTL)
	assert.Equal(t, 20, cfg.RateLimit.MaxVisitsPerDay)
	assert.InDelta(t, 0.25, cfg.Risk.Weights.Burst, 1e-9)
	assert.True(t, cfg.NATS.Enabled)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RATELIMIT_MAX_VISITS_PER_HOUR", "abc")
	t.Setenv("REPLAY_NONCE_TTL", "soon")

	cfg, err := Load("verifier")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.RateLimit.MaxVisitsPerHour)
	assert.Equal(t, 24*time.Hour, cfg.Replay.NonceTTL)
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "etcd")

	_, err := Load("verifier")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero ttl", func(c *Config) { c.Replay.NonceTTL = 0 }, true},
		{"zero hourly", func(c *Config) { c.RateLimit.MaxVisitsPerHour = 0 }, true},
		{"memory backend", func(c *Config) { c.Storage.Backend = BackendMemory }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Storage:   StorageConfig{Backend: BackendRedis},
				Replay:    ReplayConfig{NonceTTL: time.Hour},
				RateLimit: RateLimitConfig{MaxVisitsPerHour: 1, MaxVisitsPerDay: 10},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedisAddrAndDSN(t *testing.T) {
	r := RedisConfig{Host: "redis.internal", Port: "6380"}
	assert.Equal(t, "redis.internal:6380", r.RedisAddr())

	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
}

func TestBreakerTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, (&StorageConfig{}).BreakerTimeout())
	assert.Equal(t, 5*time.Second, (&StorageConfig{BreakerTimeoutSeconds: 5}).BreakerTimeout())
}
