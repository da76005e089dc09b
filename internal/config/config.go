package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアドライバー
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	StoreTimeout  time.Duration

	// Tracking
	ReadGracePeriod time.Duration
	HistoryLimit    int

	// Event bus
	KeepaliveInterval time.Duration
	SubscriberBuffer  int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitPixel   int
	RateLimitGeneral int

	// Retention
	RetentionDays     int
	RetentionInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreDriver = strings.ToLower(getEnvString("STORE_DRIVER", StoreDriverPostgres))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	if cfg.MongoURI == "" {
		// 旧デプロイメントとの互換のため MONGO_URL も受け付ける
		cfg.MongoURI = os.Getenv("MONGO_URL")
	}

	// Required fields
	var missing []string

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreDriverMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER: %q (want postgres, mongo or memory)", cfg.StoreDriver)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "oppnd")
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.ReadGracePeriod = getEnvDuration("READ_GRACE_PERIOD", 60*time.Second)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", 50)
	cfg.KeepaliveInterval = getEnvDuration("KEEPALIVE_INTERVAL", 20*time.Second)
	cfg.SubscriberBuffer = getEnvInt("SUBSCRIBER_BUFFER", 16)
	cfg.RateLimitPixel = getEnvInt("RATE_LIMIT_PIXEL", 120)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 600)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 0)
	cfg.RetentionInterval = getEnvDuration("RETENTION_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "3333")
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", "http://localhost:3333"), "/")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", true)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var invalid []string
	if c.ReadGracePeriod <= 0 {
		invalid = append(invalid, "READ_GRACE_PERIOD")
	}
	if c.KeepaliveInterval <= 0 {
		invalid = append(invalid, "KEEPALIVE_INTERVAL")
	}
	if c.StoreTimeout <= 0 {
		invalid = append(invalid, "STORE_TIMEOUT")
	}
	if c.SubscriberBuffer <= 0 {
		invalid = append(invalid, "SUBSCRIBER_BUFFER")
	}
	if c.HistoryLimit <= 0 {
		invalid = append(invalid, "HISTORY_LIMIT")
	}
	if c.RetentionDays < 0 {
		invalid = append(invalid, "RETENTION_DAYS")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("environment variables must be positive: %v", invalid)
	}
	return nil
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
