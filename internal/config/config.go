package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the process configuration, resolved once at startup.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPricingConfigHolder),
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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// StripeWebhookSecret verifies incoming webhook signatures.
	StripeWebhookSecret string

	// CallLockTTL bounds one in-flight billed call per user.
	CallLockTTL time.Duration

	// UsageEntryTTL keeps ephemeral charge records around long enough for
	// the window calculator and the discrepancy sweep.
	UsageEntryTTL time.Duration

	// WebhookAuditTTL expires raw webhook audit blobs.
	WebhookAuditTTL time.Duration

	WebhookMaxAttempts  int
	WebhookRetryBackoff time.Duration

	ReceiptAssetDir string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:             getenv("APP_SERVICE", "doodleops"),
		AppVersion:          getenv("APP_VERSION", "0.1.0"),
		Environment:         getenv("ENVIRONMENT", "development"),
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
		DBType:              getenv("DATABASE_TYPE", "postgres"),
		DBHost:              getenv("DATABASE_HOST", "localhost"),
		DBPort:              getenv("DATABASE_PORT", "5432"),
		DBName:              getenv("DATABASE_NAME", "doodleops"),
		DBUser:              getenv("DATABASE_USER", "postgres"),
		DBPassword:          getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:           getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:       getenvInt("DATABASE_MAX_IDLE_CONN", 4),
		DBMaxOpenConn:       getenvInt("DATABASE_MAX_OPEN_CONN", 32),
		DBConnMaxLifetime:   getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getenv("REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("REDIS_DB", 0),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		CallLockTTL:         getenvDuration("CALL_LOCK_TTL", 30*time.Second),
		UsageEntryTTL:       getenvDuration("USAGE_ENTRY_TTL", 90*24*time.Hour),
		WebhookAuditTTL:     getenvDuration("WEBHOOK_AUDIT_TTL", 60*24*time.Hour),
		WebhookMaxAttempts:  getenvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookRetryBackoff: getenvDuration("WEBHOOK_RETRY_BACKOFF", 30*time.Second),
		ReceiptAssetDir:     getenv("RECEIPT_ASSET_DIR", "assets"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
