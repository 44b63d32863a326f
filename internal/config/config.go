package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// Admin API は呼び出し元名 → Bearerトークン。
	AdminTokens map[string]string

	// Sync
	SyncMaxConcurrent      int
	SyncQueueSize          int
	SyncTaskTimeout        time.Duration
	SyncLockTimeout        time.Duration
	SchedulerCheckInterval time.Duration

	// Lock
	LockBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Provider
	ProviderTimeout   time.Duration
	ProviderMaxSize   int64
	ProviderRateLimit float64
	ProviderBurst     int

	// Webhook
	WebhookInterval    time.Duration
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
	WebhookBatchSize   int

	// Compaction
	RunRetentionDays   int
	CompactionInterval time.Duration

	// Catalog はカテゴリごとのプロバイダー一覧とリソースごとのcron式。
	CatalogFile string
	Catalog     *Catalog
}

// 有効なロックバックエンド
const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendMemory   = "memory"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 10)
	cfg.SyncQueueSize = getEnvInt("SYNC_QUEUE_SIZE", 1024)
	cfg.SyncTaskTimeout = getEnvDuration("SYNC_TASK_TIMEOUT", 15*time.Minute)
	cfg.SyncLockTimeout = getEnvDuration("SYNC_LOCK_TIMEOUT", 30*time.Second)
	cfg.SchedulerCheckInterval = getEnvDuration("SCHEDULER_CHECK_INTERVAL", time.Minute)
	cfg.LockBackend = strings.ToLower(getEnvString("LOCK_BACKEND", LockBackendPostgres))
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second)
	cfg.ProviderMaxSize = getEnvInt64("PROVIDER_MAX_SIZE", 10485760)
	cfg.ProviderRateLimit = getEnvFloat("PROVIDER_RATE_LIMIT", 5)
	cfg.ProviderBurst = getEnvInt("PROVIDER_BURST", 10)
	cfg.WebhookInterval = getEnvDuration("WEBHOOK_INTERVAL", 30*time.Second)
	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.WebhookMaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", 8)
	cfg.WebhookBatchSize = getEnvInt("WEBHOOK_BATCH_SIZE", 50)
	cfg.RunRetentionDays = getEnvInt("RUN_RETENTION_DAYS", 30)
	cfg.CompactionInterval = getEnvDuration("COMPACTION_INTERVAL", 24*time.Hour)
	cfg.CatalogFile = getEnvString("SYNC_CATALOG_FILE", "")

	tokens, err := parseAdminTokens(os.Getenv("ADMIN_TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg.AdminTokens = tokens

	switch cfg.LockBackend {
	case LockBackendPostgres, LockBackendRedis, LockBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported LOCK_BACKEND: %s", cfg.LockBackend)
	}

	catalog := DefaultCatalog()
	if cfg.CatalogFile != "" {
		fileCatalog, err := LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = catalog.Override(fileCatalog)
	}
	cfg.Catalog = catalog

	return cfg, nil
}

// parseAdminTokens は "ops:token1,ci:token2" 形式の文字列を解析する。
func parseAdminTokens(v string) (map[string]string, error) {
	tokens := map[string]string{}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		caller, token, ok := strings.Cut(entry, ":")
		if !ok || caller == "" || token == "" {
			return nil, fmt.Errorf("invalid ADMIN_TOKENS entry: %q", caller)
		}
		tokens[caller] = token
	}
	return tokens, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
