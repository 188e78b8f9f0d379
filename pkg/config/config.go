package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Negative-totals policies for the points processor.
const (
	NegativeTotalsAllow  = "allow"
	NegativeTotalsClamp  = "clamp"
	NegativeTotalsReject = "reject"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Points     PointsConfig
	Reconciler ReconcilerConfig
	Notifier   NotifierConfig
	Cache      CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// PointsConfig tunes the point transaction processor.
type PointsConfig struct {
	// MaxRetries bounds optimistic-concurrency retry attempts per call.
	MaxRetries int
	// RetryBaseDelay is the first backoff interval; doubles each attempt up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// NegativeTotals selects what happens when a deduction would push a total
	// below zero: "allow", "clamp" or "reject".
	NegativeTotals string
}

// ReconcilerConfig controls the periodic audit-log replay sweep.
type ReconcilerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// NotifierConfig tunes real-time fan-out to dashboards.
type NotifierConfig struct {
	BufferSize   int
	RedisChannel string
	// RedisBridge fans events out across instances via Redis Pub/Sub.
	RedisBridge bool
}

// CacheConfig governs the aggregate read-through cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{
		AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS")),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Points = PointsConfig{
		MaxRetries:     v.GetInt("POINTS_MAX_RETRIES"),
		RetryBaseDelay: parseDuration(v.GetString("POINTS_RETRY_BASE_DELAY"), 25*time.Millisecond),
		RetryMaxDelay:  parseDuration(v.GetString("POINTS_RETRY_MAX_DELAY"), 500*time.Millisecond),
		NegativeTotals: normalizeNegativeTotals(v.GetString("POINTS_NEGATIVE_TOTALS")),
	}

	cfg.Reconciler = ReconcilerConfig{
		Enabled:   v.GetBool("ENABLE_RECONCILER"),
		Interval:  parseDuration(v.GetString("RECONCILER_INTERVAL"), 15*time.Minute),
		BatchSize: v.GetInt("RECONCILER_BATCH_SIZE"),
	}

	cfg.Notifier = NotifierConfig{
		BufferSize:   v.GetInt("NOTIFIER_BUFFER_SIZE"),
		RedisChannel: v.GetString("NOTIFIER_REDIS_CHANNEL"),
		RedisBridge:  v.GetBool("NOTIFIER_REDIS_BRIDGE"),
	}

	cfg.Cache = CacheConfig{
		Enabled: v.GetBool("ENABLE_AGGREGATE_CACHE"),
		TTL:     parseDuration(v.GetString("AGGREGATE_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sma_points")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("POINTS_MAX_RETRIES", 5)
	v.SetDefault("POINTS_RETRY_BASE_DELAY", "25ms")
	v.SetDefault("POINTS_RETRY_MAX_DELAY", "500ms")
	v.SetDefault("POINTS_NEGATIVE_TOTALS", NegativeTotalsAllow)

	v.SetDefault("ENABLE_RECONCILER", false)
	v.SetDefault("RECONCILER_INTERVAL", "15m")
	v.SetDefault("RECONCILER_BATCH_SIZE", 100)

	v.SetDefault("NOTIFIER_BUFFER_SIZE", 64)
	v.SetDefault("NOTIFIER_REDIS_CHANNEL", "sma-points:events")
	v.SetDefault("NOTIFIER_REDIS_BRIDGE", false)

	v.SetDefault("ENABLE_AGGREGATE_CACHE", false)
	v.SetDefault("AGGREGATE_CACHE_TTL", "5m")
}

func normalizeNegativeTotals(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case NegativeTotalsClamp:
		return NegativeTotalsClamp
	case NegativeTotalsReject:
		return NegativeTotalsReject
	default:
		return NegativeTotalsAllow
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
