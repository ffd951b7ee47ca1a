package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Logger LoggerConfig

	// License holds the engine-side licensing settings. LicenseKey and
	// Bypass may also arrive via CLI switches; the CLI layer writes them
	// back into this struct before the fx graph is built.
	License LicenseConfig

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

	RateLimit RateLimitConfig
}

// RateLimitConfig bounds the public validate endpoint. It is off unless
// a redis address is configured.
type RateLimitConfig struct {
	Enabled      bool
	PerKeyRate   float64
	PerKeyBurst  int
	PerAddrRate  float64
	PerAddrBurst int
	JobLockTTL   time.Duration
}

type LoggerConfig struct {
	Level string
}

type LicenseConfig struct {
	// LicenseKey is the locally configured key, empty for anonymous FREE use.
	LicenseKey string
	// Bypass disables all gating for local development. Every gated check
	// logs loudly while it is active.
	Bypass bool
	// ServerURL is the remote validation endpoint base URL.
	ServerURL string
	// SigningSecret is the server-held secret used to key license checksums.
	SigningSecret string
	// WebhookSecret authenticates billing-provider webhook payloads.
	WebhookSecret string
	// UpgradeURL is included in FEATURE_LOCKED denials.
	UpgradeURL string
	// ValidateTimeout bounds the remote validation call.
	ValidateTimeout time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "contextmcp"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		License: LicenseConfig{
			LicenseKey:      strings.TrimSpace(getenv("CONTEXTMCP_LICENSE_KEY", "")),
			Bypass:          getenvBool("CONTEXTMCP_LICENSE_BYPASS", false),
			ServerURL:       getenv("LICENSE_SERVER_URL", "https://license.contextmcp.dev"),
			SigningSecret:   strings.TrimSpace(getenv("LICENSE_SIGNING_SECRET", "")),
			WebhookSecret:   strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
			UpgradeURL:      getenv("UPGRADE_URL", "https://contextmcp.dev/pricing"),
			ValidateTimeout: getenvDuration("LICENSE_VALIDATE_TIMEOUT", 5*time.Second),
		},
		DBType:        getenv("DATABASE_TYPE", "sqlite"),
		DBHost:        getenv("DATABASE_HOST", "localhost"),
		DBPort:        getenv("DATABASE_PORT", "5432"),
		DBName:        getenv("DATABASE_NAME", "contextmcp"),
		DBUser:        getenv("DATABASE_USER", "postgres"),
		DBPassword:    getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:     getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn: getenvInt("DATABASE_MAX_IDLE_CONN", 2),
		DBMaxOpenConn: getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			PerKeyRate:   getenvFloat("RATE_LIMIT_PER_KEY_RATE", 5),
			PerKeyBurst:  getenvInt("RATE_LIMIT_PER_KEY_BURST", 10),
			PerAddrRate:  getenvFloat("RATE_LIMIT_PER_ADDR_RATE", 20),
			PerAddrBurst: getenvInt("RATE_LIMIT_PER_ADDR_BURST", 40),
			JobLockTTL:   getenvDuration("RATE_LIMIT_JOB_LOCK_TTL", 5*time.Minute),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

// Module wires configuration for the application.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEntitlementConfigHolder),
)
