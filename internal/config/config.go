package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

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

	Commet    CommetConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
}

// CommetConfig configures the outbound billing provider client.
type CommetConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// WebhookConfig configures inbound webhook verification.
type WebhookConfig struct {
	// Secrets maps provider name to its shared HMAC secret.
	Secrets map[string]string
	// SignatureToleranceSeconds bounds the age of a signed timestamp.
	SignatureToleranceSeconds int
}

// RateLimitConfig configures the redis-backed ingest limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebhookRate  float64
	WebhookBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "hookline"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "hookline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Commet: CommetConfig{
			BaseURL:        getenv("COMMET_API_URL", "https://api.commet.co/v1"),
			APIKey:         strings.TrimSpace(getenv("COMMET_API_KEY", "")),
			TimeoutSeconds: getenvInt("COMMET_TIMEOUT_SECONDS", 10),
		},
		Webhook: WebhookConfig{
			Secrets:                   loadWebhookSecrets(),
			SignatureToleranceSeconds: getenvInt("WEBHOOK_SIGNATURE_TOLERANCE_SECONDS", 300),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			WebhookRate:   getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst:  getenvInt("RATE_LIMIT_WEBHOOK_BURST", 200),
		},
	}

	return cfg
}

// loadWebhookSecrets collects WEBHOOK_SECRET_<PROVIDER> variables into a
// provider -> secret map. A bare WEBHOOK_SECRET configures the default
// "commet" provider.
func loadWebhookSecrets() map[string]string {
	secrets := map[string]string{}
	if secret := strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")); secret != "" {
		secrets["commet"] = secret
	}
	for _, entry := range os.Environ() {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		provider, ok := strings.CutPrefix(key, "WEBHOOK_SECRET_")
		if !ok {
			continue
		}
		provider = strings.ToLower(strings.TrimSpace(provider))
		value = strings.TrimSpace(value)
		if provider == "" || value == "" {
			continue
		}
		secrets[provider] = value
	}
	return secrets
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
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
