// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// ErrMissing is wrapped by validation errors that name an unset variable.
var ErrMissing = errors.New("config: required variable not set")

// Ledger modes
const (
	LedgerModeEth    = "eth"
	LedgerModeMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	LogFile   string // rotated log file; empty logs to stdout

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret  string   // X-Admin-Secret for the operator API
	RateLimitRPM int
	CORSOrigins  []string // browser origins allowed to call the API; empty allows any without credentials

	// Tracing
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64

	Escrow EscrowConfig
}

// EscrowConfig configures the reconciliation service. An invalid EscrowConfig
// disables the service without stopping the process.
type EscrowConfig struct {
	LedgerMode          string
	PrivateKey          string // admin signing key, hex with or without 0x
	RPCURL              string
	MarketplaceContract string
	EscrowContract      string
	ChainID             int64 // 0 = ask the node
	Confirmations       uint64
	TxTimeout           time.Duration
	ReceiptPollInterval time.Duration
	LogPollInterval     time.Duration

	ScanInterval    time.Duration
	ScanBatchSize   int
	ScanConcurrency int
	ScanRPS         float64
	Workers         int
	QueueSize       int

	AttemptRetention time.Duration
	AutoStart        bool

	WebhookURLs   []string
	WebhookSecret string
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultRateLimit = 120

	DefaultConfirmations       = 1
	DefaultTxTimeout           = 2 * time.Minute
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultLogPollInterval     = 15 * time.Second
	DefaultScanInterval        = 5 * time.Minute
	DefaultScanBatchSize       = 50
	DefaultScanConcurrency     = 4
	DefaultScanRPS             = 20
	DefaultWorkers             = 4
	DefaultQueueSize           = 1024
	DefaultAttemptRetention    = 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:      os.Getenv("LOG_FILE"),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:  getEnvList("CORS_ORIGINS"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		Escrow:       LoadEscrow(),

		TraceSampleRate: getEnvFloat("OTEL_TRACES_SAMPLE_RATE", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEscrow reads the reconciliation service settings.
func LoadEscrow() EscrowConfig {
	return EscrowConfig{
		LedgerMode:          strings.ToLower(getEnv("LEDGER_MODE", LedgerModeEth)),
		PrivateKey:          os.Getenv("ADMIN_PRIVATE_KEY"),
		RPCURL:              os.Getenv("RPC_URL"),
		MarketplaceContract: os.Getenv("MARKETPLACE_CONTRACT"),
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		ChainID:             getEnvInt64("CHAIN_ID", 0),
		Confirmations:       uint64(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)),
		TxTimeout:           getEnvDuration("TX_TIMEOUT", DefaultTxTimeout),
		ReceiptPollInterval: getEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval),
		LogPollInterval:     getEnvDuration("LOG_POLL_INTERVAL", DefaultLogPollInterval),
		ScanInterval:        getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		ScanBatchSize:       int(getEnvInt64("SCAN_BATCH_SIZE", DefaultScanBatchSize)),
		ScanConcurrency:     int(getEnvInt64("SCAN_CONCURRENCY", DefaultScanConcurrency)),
		ScanRPS:             getEnvFloat("SCAN_RPS", DefaultScanRPS),
		Workers:             int(getEnvInt64("WORKERS", DefaultWorkers)),
		QueueSize:           int(getEnvInt64("QUEUE_SIZE", DefaultQueueSize)),
		AttemptRetention:    getEnvDuration("ATTEMPT_RETENTION", DefaultAttemptRetention),
		AutoStart:           getEnvBool("AUTO_START", true),
		WebhookURLs:         getEnvList("WEBHOOK_URLS"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
	}
}

// Validate checks host-level settings. Escrow settings are checked
// separately by EscrowConfig.Validate so that a bad escrow setup disables
// the service instead of the process.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("%w: ADMIN_SECRET (required in production)", ErrMissing)
	}
	return nil
}

// Validate checks the settings the reconciliation service needs. The error
// names the first missing or malformed variable.
func (e EscrowConfig) Validate() error {
	switch e.LedgerMode {
	case LedgerModeEth, LedgerModeMemory:
	default:
		return fmt.Errorf("LEDGER_MODE must be %s or %s, got %q", LedgerModeEth, LedgerModeMemory, e.LedgerMode)
	}

	if e.PrivateKey == "" {
		return fmt.Errorf("%w: ADMIN_PRIVATE_KEY", ErrMissing)
	}
	// Allow both with and without 0x prefix
	if len(strings.TrimPrefix(e.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("ADMIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if e.LedgerMode == LedgerModeEth {
		if e.RPCURL == "" {
			return fmt.Errorf("%w: RPC_URL", ErrMissing)
		}
		if e.MarketplaceContract == "" {
			return fmt.Errorf("%w: MARKETPLACE_CONTRACT", ErrMissing)
		}
		if !common.IsHexAddress(e.MarketplaceContract) {
			return fmt.Errorf("MARKETPLACE_CONTRACT is not an address: %q", e.MarketplaceContract)
		}
		if e.EscrowContract == "" {
			return fmt.Errorf("%w: ESCROW_CONTRACT", ErrMissing)
		}
		if !common.IsHexAddress(e.EscrowContract) {
			return fmt.Errorf("ESCROW_CONTRACT is not an address: %q", e.EscrowContract)
		}
	}

	if e.Confirmations == 0 {
		return fmt.Errorf("CONFIRMATIONS must be at least 1")
	}
	if e.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be positive")
	}
	if e.Workers <= 0 || e.QueueSize <= 0 {
		return fmt.Errorf("WORKERS and QUEUE_SIZE must be positive")
	}
	if e.ScanBatchSize <= 0 || e.ScanConcurrency <= 0 {
		return fmt.Errorf("SCAN_BATCH_SIZE and SCAN_CONCURRENCY must be positive")
	}
	return nil
}

// IsMemory reports whether the service runs against the in-process ledger.
func (e EscrowConfig) IsMemory() bool {
	return e.LedgerMode == LedgerModeMemory
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
