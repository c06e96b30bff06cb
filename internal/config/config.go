// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// カートの保存先。
const (
	CartStorageMemory   = "memory"
	CartStorageRedis    = "redis"
	CartStoragePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth（3つとも未設定の場合はGoogleログインを無効化する）
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret     string
	SessionMaxAge     int
	MinPasswordLength int

	// Password reset（SMTP_ADDR未設定の場合は無効化する）
	SMTPAddr         string
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
	PasswordResetTTL time.Duration

	// Catalog
	CatalogBaseURL            string
	CatalogDir                string
	CatalogSourcesFile        string
	CatalogFetchTimeout       time.Duration
	CatalogFetchMaxSize       int64
	CatalogRefreshConcurrency int
	CatalogRefreshInterval    time.Duration

	// Cart
	CartStorage       string
	CartIdleTTL       time.Duration
	CartRetentionDays int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	// Kafka（未設定の場合はカート変更イベントを配信しない）
	KafkaBrokers   []string
	KafkaCartTopic string

	// Chat
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ChatModel     string
	ChatTimeout   time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitChat    int

	// Cleanup
	CleanupInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort  string
	MetricsPort string
	BaseURL     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// GoogleEnabled はGoogleログインが設定されているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != ""
}

// PasswordResetEnabled はパスワード再設定メールの送信先SMTPが設定されているかを返す。
func (c *Config) PasswordResetEnabled() bool {
	return c.SMTPAddr != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	// Googleログインはいずれかが設定されていれば3つとも必須
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleClientID != "" || cfg.GoogleClientSecret != "" || cfg.GoogleRedirectURL != "" {
		for key, v := range map[string]string{
			"GOOGLE_CLIENT_ID":     cfg.GoogleClientID,
			"GOOGLE_CLIENT_SECRET": cfg.GoogleClientSecret,
			"GOOGLE_REDIRECT_URL":  cfg.GoogleRedirectURL,
		} {
			if v == "" {
				missing = append(missing, key)
			}
		}
	}

	// SMTPを設定する場合は送信元も必須
	cfg.SMTPAddr = os.Getenv("SMTP_ADDR")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	if cfg.SMTPAddr != "" && cfg.SMTPFrom == "" {
		missing = append(missing, "SMTP_FROM")
	}

	cfg.CartStorage = strings.ToLower(getEnvString("CART_STORAGE", CartStoragePostgres))
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.CartStorage == CartStorageRedis && cfg.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.CartStorage {
	case CartStorageMemory, CartStorageRedis, CartStoragePostgres:
	default:
		return nil, fmt.Errorf("invalid CART_STORAGE %q: must be one of memory, redis, postgres", cfg.CartStorage)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.MinPasswordLength = getEnvInt("MIN_PASSWORD_LENGTH", 6)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.PasswordResetTTL = getEnvDuration("PASSWORD_RESET_TTL", time.Hour)

	cfg.CatalogBaseURL = getEnvString("CATALOG_BASE_URL", "")
	cfg.CatalogDir = getEnvString("CATALOG_DIR", "public")
	cfg.CatalogSourcesFile = getEnvString("CATALOG_SOURCES_FILE", "")
	cfg.CatalogFetchTimeout = getEnvDuration("CATALOG_FETCH_TIMEOUT", 10*time.Second)
	cfg.CatalogFetchMaxSize = getEnvInt64("CATALOG_FETCH_MAX_SIZE", 5242880)
	cfg.CatalogRefreshConcurrency = getEnvInt("CATALOG_REFRESH_CONCURRENCY", 4)
	cfg.CatalogRefreshInterval = getEnvDuration("CATALOG_REFRESH_INTERVAL", 5*time.Minute)

	cfg.CartIdleTTL = getEnvDuration("CART_IDLE_TTL", 30*time.Minute)
	cfg.CartRetentionDays = getEnvInt("CART_RETENTION_DAYS", 90)
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)

	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS")
	cfg.KafkaCartTopic = getEnvString("KAFKA_CART_TOPIC", "cart.updated")

	cfg.OpenAIAPIKey = getEnvString("OPENAI_API_KEY", "")
	cfg.OpenAIBaseURL = getEnvString("OPENAI_BASE_URL", "")
	cfg.ChatModel = getEnvString("CHAT_MODEL", "gpt-4o")
	cfg.ChatTimeout = getEnvDuration("CHAT_TIMEOUT", 60*time.Second)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitChat = getEnvInt("RATE_LIMIT_CHAT", 10)

	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
