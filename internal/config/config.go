// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Pretty   bool // Human-readable console logging
	Port     int
	UserID   string // Single-operator deployment; namespaces the risk keys

	Redis     RedisConfig
	Vault     VaultConfig
	Queue     QueueConfig
	Executor  ExecutorConfig
	Risk      RiskConfig
	Collector CollectorConfig
	Archive   ArchiveConfig
	Alerts    AlertConfig
}

// RedisConfig holds shared KV connection settings. When Addr is empty the
// process falls back to the in-memory store (single-node mode).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// VaultConfig holds the credential encryption key.
type VaultConfig struct {
	EncryptionKey string
}

// QueueConfig holds order-queue tuning.
type QueueConfig struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
}

// ExecutorConfig holds per-strategy execution tuning.
type ExecutorConfig struct {
	MaxSlippageBps  int
	LimitMonitorFor time.Duration // GTC resting-order watch window
	LimitPollEvery  time.Duration
	SettleWait      time.Duration // IOC/FOK post-submit settle before refetch
}

// RiskConfig holds the pre-trade limits and monitor cadence.
type RiskConfig struct {
	MaxOrderNotional    float64
	MaxPositionNotional float64
	MaxTotalExposure    float64
	MaxDailyLoss        float64 // absolute quote-currency loss
	MaxDailyLossPct     float64
	MaxDrawdownPct      float64
	MaxConsecutiveLoss  int
	ConcentrationPct    float64 // single-position share of equity that alerts
	InitialEquity       float64 // baseline for drawdown and P&L percentages
	MonitorInterval     time.Duration
	EmergencyStopTTL    time.Duration
}

// CollectorConfig holds market-data pipeline tuning.
type CollectorConfig struct {
	Venues        []string
	Symbols       []string
	BatchSize     int
	FlushInterval time.Duration
	TickerTTL     time.Duration
	BookTTL       time.Duration
}

// ArchiveConfig holds S3 chunk-archival settings. Disabled when Bucket is
// empty.
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// AlertConfig holds alert housekeeping settings.
type AlertConfig struct {
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TERMINAL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvAsBool("LOG_PRETTY", false),
		Port:     getEnvAsInt("PORT", 8080),
		UserID:   getEnv("TERMINAL_USER_ID", "default"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Vault: VaultConfig{
			EncryptionKey: getEnv("VAULT_ENCRYPTION_KEY", ""),
		},
		Queue: QueueConfig{
			Workers:     getEnvAsInt("QUEUE_WORKERS", 4),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvAsDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
		},
		Executor: ExecutorConfig{
			MaxSlippageBps:  getEnvAsInt("EXEC_MAX_SLIPPAGE_BPS", 50),
			LimitMonitorFor: getEnvAsDuration("EXEC_LIMIT_MONITOR", 300*time.Second),
			LimitPollEvery:  getEnvAsDuration("EXEC_LIMIT_POLL", 5*time.Second),
			SettleWait:      getEnvAsDuration("EXEC_SETTLE_WAIT", time.Second),
		},
		Risk: RiskConfig{
			MaxOrderNotional:    getEnvAsFloat("RISK_MAX_ORDER_NOTIONAL", 50000),
			MaxPositionNotional: getEnvAsFloat("RISK_MAX_POSITION_NOTIONAL", 100000),
			MaxTotalExposure:    getEnvAsFloat("RISK_MAX_TOTAL_EXPOSURE", 250000),
			MaxDailyLoss:        getEnvAsFloat("RISK_MAX_DAILY_LOSS", 5000),
			MaxDailyLossPct:     getEnvAsFloat("RISK_MAX_DAILY_LOSS_PCT", 5),
			MaxDrawdownPct:      getEnvAsFloat("RISK_MAX_DRAWDOWN_PCT", 15),
			MaxConsecutiveLoss:  getEnvAsInt("RISK_MAX_CONSECUTIVE_LOSSES", 5),
			ConcentrationPct:    getEnvAsFloat("RISK_CONCENTRATION_PCT", 30),
			InitialEquity:       getEnvAsFloat("RISK_INITIAL_EQUITY", 100000),
			MonitorInterval:     getEnvAsDuration("RISK_MONITOR_INTERVAL", 5*time.Second),
			EmergencyStopTTL:    getEnvAsDuration("RISK_EMERGENCY_STOP_TTL", 24*time.Hour),
		},
		Collector: CollectorConfig{
			Venues:        getEnvAsList("COLLECTOR_VENUES", []string{"binance"}),
			Symbols:       getEnvAsList("COLLECTOR_SYMBOLS", []string{"BTC/USDT", "ETH/USDT"}),
			BatchSize:     getEnvAsInt("COLLECTOR_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("COLLECTOR_FLUSH_INTERVAL", time.Second),
			TickerTTL:     getEnvAsDuration("COLLECTOR_TICKER_TTL", 5*time.Second),
			BookTTL:       getEnvAsDuration("COLLECTOR_BOOK_TTL", time.Second),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("ARCHIVE_S3_PREFIX", "market-data"),
		},
		Alerts: AlertConfig{
			RetentionDays: getEnvAsInt("ALERT_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1")
	}
	if c.Collector.BatchSize < 1 {
		return fmt.Errorf("collector batch size must be at least 1")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
