// Package config loads application configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewDunningDefaultsHolder),
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Environment  string
	DefaultOrgID int64

	OTLPEndpoint string

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
	RedisDB       int

	WebhookSigningSecret string
	SlackWebhookURL      string

	Email     EmailConfig
	Gateway   GatewayConfig
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type GatewayConfig struct {
	Provider string
	APIKey   string
	Timeout  time.Duration
}

// RecoveryConfig tunes the retry and dunning loops.
type RecoveryConfig struct {
	RunInterval       time.Duration
	BatchSize         int
	ChargeTimeout     time.Duration
	DeliveryTimeout   time.Duration
	RiskLookbackDays  int
	AttemptHistoryMax int
	LockTTL           time.Duration
}

// RateLimitConfig caps outbound notification volume per customer so a
// misconfigured dunning ladder cannot flood a mailbox.
type RateLimitConfig struct {
	Enabled       bool
	CustomerRate  float64
	CustomerBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "billing-recovery"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		DefaultOrgID: getenvInt64("DEFAULT_ORG", 0),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		WebhookSigningSecret: getenv("WEBHOOK_SIGNING_SECRET", ""),
		SlackWebhookURL:      getenv("SLACK_WEBHOOK_URL", ""),

		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@localhost"),
		},
		Gateway: GatewayConfig{
			Provider: getenv("PAYMENT_PROVIDER", "sandbox"),
			APIKey:   getenv("PAYMENT_API_KEY", ""),
			Timeout:  getenvDuration("PAYMENT_CHARGE_TIMEOUT", 30*time.Second),
		},
		Recovery: RecoveryConfig{
			RunInterval:       getenvDuration("RECOVERY_RUN_INTERVAL", time.Minute),
			BatchSize:         getenvInt("RECOVERY_BATCH_SIZE", 50),
			ChargeTimeout:     getenvDuration("RECOVERY_CHARGE_TIMEOUT", 30*time.Second),
			DeliveryTimeout:   getenvDuration("RECOVERY_DELIVERY_TIMEOUT", 10*time.Second),
			RiskLookbackDays:  getenvInt("RECOVERY_RISK_LOOKBACK_DAYS", 90),
			AttemptHistoryMax: getenvInt("RECOVERY_ATTEMPT_HISTORY_MAX", 20),
			LockTTL:           getenvDuration("RECOVERY_LOCK_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("NOTIFY_RATE_LIMIT_ENABLED", false),
			CustomerRate:  getenvFloat("NOTIFY_RATE_PER_SECOND", 0.1),
			CustomerBurst: getenvInt("NOTIFY_RATE_BURST", 5),
		},
	}
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
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
