// Package config loads application configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	Logger LoggerConfig

	Scheduler SchedulerConfig
}

type LoggerConfig struct {
	Level string
}

// SchedulerConfig carries the env-tunable sweep knobs. Zero values fall back
// to the scheduler package defaults.
type SchedulerConfig struct {
	RunInterval    time.Duration
	BatchSize      int
	RetryBatchSize int
	DeliveryLease  time.Duration
	EnabledJobs    []string
	LeaderLockKey  string
	LeaderLockTTL  time.Duration
	WebhookTimeout time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "subledger"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "subledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},

		Scheduler: SchedulerConfig{
			RunInterval:    getenvDuration("SCHEDULER_RUN_INTERVAL", 0),
			BatchSize:      getenvInt("SCHEDULER_BATCH_SIZE", 0),
			RetryBatchSize: getenvInt("SCHEDULER_RETRY_BATCH_SIZE", 0),
			DeliveryLease:  getenvDuration("SCHEDULER_DELIVERY_LEASE", 0),
			EnabledJobs:    getenvList("SCHEDULER_ENABLED_JOBS"),
			LeaderLockKey:  getenv("SCHEDULER_LEADER_LOCK_KEY", "subledger:scheduler:leader"),
			LeaderLockTTL:  getenvDuration("SCHEDULER_LEADER_LOCK_TTL", 0),
			WebhookTimeout: getenvDuration("WEBHOOK_TIMEOUT", 0),
		},
	}
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
