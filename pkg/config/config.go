package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends understood by StorageConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Replay    ReplayConfig
	RateLimit RateLimitConfig
	Risk      RiskConfig
	Sweeper   SweeperConfig
	NATS      NATSConfig
	Tracing   TracingConfig
	Sentry    SentryConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	Version      string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string // Comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds the secret used to verify admin tokens. When SecretsDir
// is set the secret is read from the file SecretName inside it.
type JWTConfig struct {
	Secret     string
	SecretsDir string
	SecretName string
}

// StorageConfig selects and tunes the key-value backend shared by all stores.
type StorageConfig struct {
	Backend   string
	KeyPrefix string

	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerTimeoutSeconds   int
}

// ReplayConfig tunes nonce tracking.
type ReplayConfig struct {
	NonceTTL time.Duration
}

// RateLimitConfig tunes visit frequency ceilings.
type RateLimitConfig struct {
	MaxVisitsPerHour  int
	MaxVisitsPerDay   int
	MaxDevicesPerHour int
	BlockDuration     time.Duration
	Retention         time.Duration
	SweepInterval     time.Duration
}

// RiskWeights are the coefficients of the weighted risk sum.
type RiskWeights struct {
	Velocity         float64
	Burst            float64
	ClockSkew        float64
	QREntropy        float64
	Device           float64
	LocationAccuracy float64
}

// RiskConfig tunes the fraud risk scorer.
type RiskConfig struct {
	Weights RiskWeights

	FraudulentScore    float64
	FraudulentPatterns int
	BlockScore         float64
	ReviewScore        float64
	MonitorScore       float64
	EventScore         float64

	VelocityWindow   time.Duration
	MaxSpeedKmh      float64
	BurstWindow      time.Duration
	BurstMinSamples  int
	MaxClockSkew     time.Duration
	MinQRLength      int
	SampleRetention  time.Duration
	MaxSamples       int
	EventRetention   time.Duration
	FingerprintTTL   time.Duration
	MaxDeviceClients int
}

// SweeperConfig controls the background cleanup loop.
type SweeperConfig struct {
	Enabled  bool
	Interval time.Duration
}

// NATSConfig controls fraud event publishing.
type NATSConfig struct {
	URL     string
	Subject string
	Enabled bool
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

// SentryConfig controls error reporting.
type SentryConfig struct {
	DSN     string
	Enabled bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			Version:      getEnv("SERVICE_VERSION", "dev"),
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "visitguard"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			SecretsDir: getEnv("JWT_SECRETS_DIR", ""),
			SecretName: getEnv("JWT_SECRET_NAME", "jwt-secret"),
		},
		Storage: StorageConfig{
			Backend:                 getEnv("STORAGE_BACKEND", BackendRedis),
			KeyPrefix:               getEnv("STORAGE_KEY_PREFIX", "visitguard:"),
			BreakerEnabled:          getEnvAsBool("STORAGE_BREAKER_ENABLED", true),
			BreakerFailureThreshold: getEnvAsInt("STORAGE_BREAKER_FAILURES", 5),
			BreakerTimeoutSeconds:   getEnvAsInt("STORAGE_BREAKER_TIMEOUT", 30),
		},
		Replay: ReplayConfig{
			NonceTTL: getEnvAsDuration("REPLAY_NONCE_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			MaxVisitsPerHour:  getEnvAsInt("RATELIMIT_MAX_VISITS_PER_HOUR", 1),
			MaxVisitsPerDay:   getEnvAsInt("RATELIMIT_MAX_VISITS_PER_DAY", 10),
			MaxDevicesPerHour: getEnvAsInt("RATELIMIT_MAX_DEVICES_PER_HOUR", 3),
			BlockDuration:     getEnvAsDuration("RATELIMIT_BLOCK_DURATION", 24*time.Hour),
			Retention:         getEnvAsDuration("RATELIMIT_RETENTION", 24*time.Hour),
			SweepInterval:     getEnvAsDuration("RATELIMIT_SWEEP_INTERVAL", 6*time.Hour),
		},
		Risk: DefaultRiskConfig(),
		Sweeper: SweeperConfig{
			Enabled:  getEnvAsBool("SWEEPER_ENABLED", true),
			Interval: getEnvAsDuration("SWEEPER_INTERVAL", time.Hour),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Subject: getEnv("NATS_FRAUD_SUBJECT", "visitguard.fraud.events"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvAsBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRatio: getEnvAsFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Sentry: SentryConfig{
			DSN:     getEnv("SENTRY_DSN", ""),
			Enabled: getEnvAsBool("SENTRY_ENABLED", false),
		},
	}

	risk := &cfg.Risk
	risk.Weights.Velocity = getEnvAsFloat("RISK_WEIGHT_VELOCITY", risk.Weights.Velocity)
	risk.Weights.Burst = getEnvAsFloat("RISK_WEIGHT_BURST", risk.Weights.Burst)
	risk.Weights.ClockSkew = getEnvAsFloat("RISK_WEIGHT_CLOCK_SKEW", risk.Weights.ClockSkew)
	risk.Weights.QREntropy = getEnvAsFloat("RISK_WEIGHT_QR_ENTROPY", risk.Weights.QREntropy)
	risk.Weights.Device = getEnvAsFloat("RISK_WEIGHT_DEVICE", risk.Weights.Device)
	risk.Weights.LocationAccuracy = getEnvAsFloat("RISK_WEIGHT_LOCATION_ACCURACY", risk.Weights.LocationAccuracy)
	risk.BlockScore = getEnvAsFloat("RISK_BLOCK_SCORE", risk.BlockScore)
	risk.ReviewScore = getEnvAsFloat("RISK_REVIEW_SCORE", risk.ReviewScore)
	risk.MonitorScore = getEnvAsFloat("RISK_MONITOR_SCORE", risk.MonitorScore)
	risk.FingerprintTTL = getEnvAsDuration("RISK_FINGERPRINT_TTL", risk.FingerprintTTL)
	risk.MaxSamples = getEnvAsInt("RISK_MAX_SAMPLES", risk.MaxSamples)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultRiskConfig returns the scorer settings used when nothing is overridden.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Weights: RiskWeights{
			Velocity:         0.30,
			Burst:            0.20,
			ClockSkew:        0.15,
			QREntropy:        0.10,
			Device:           0.15,
			LocationAccuracy: 0.10,
		},
		FraudulentScore:    0.7,
		FraudulentPatterns: 3,
		BlockScore:         0.8,
		ReviewScore:        0.6,
		MonitorScore:       0.4,
		EventScore:         0.5,
		VelocityWindow:     30 * time.Minute,
		MaxSpeedKmh:        100,
		BurstWindow:        5 * time.Minute,
		BurstMinSamples:    3,
		MaxClockSkew:       10 * time.Minute,
		MinQRLength:        10,
		SampleRetention:    24 * time.Hour,
		MaxSamples:         200,
		EventRetention:     30 * 24 * time.Hour,
		FingerprintTTL:     30 * 24 * time.Hour,
		MaxDeviceClients:   50,
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Replay.NonceTTL <= 0 {
		return fmt.Errorf("replay nonce ttl must be positive")
	}
	if c.RateLimit.MaxVisitsPerHour <= 0 || c.RateLimit.MaxVisitsPerDay <= 0 {
		return fmt.Errorf("rate limit ceilings must be positive")
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// BreakerTimeout returns how long the storage breaker stays open.
func (c *StorageConfig) BreakerTimeout() time.Duration {
	if c.BreakerTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BreakerTimeoutSeconds) * time.Second
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
