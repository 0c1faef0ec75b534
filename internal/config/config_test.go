package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validEscrow() EscrowConfig {
	return EscrowConfig{
		LedgerMode:          LedgerModeEth,
		PrivateKey:          testKey,
		RPCURL:              "https://sepolia.base.org",
		MarketplaceContract: "0x1234567890123456789012345678901234567890",
		EscrowContract:      "0x0987654321098765432109876543210987654321",
		Confirmations:       1,
		TxTimeout:           time.Minute,
		Workers:             4,
		QueueSize:           16,
		ScanBatchSize:       50,
		ScanConcurrency:     4,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, LedgerModeEth, cfg.Escrow.LedgerMode)
	assert.Equal(t, uint64(DefaultConfirmations), cfg.Escrow.Confirmations)
	assert.Equal(t, DefaultTxTimeout, cfg.Escrow.TxTimeout)
	assert.Equal(t, DefaultScanInterval, cfg.Escrow.ScanInterval)
	assert.Equal(t, DefaultScanBatchSize, cfg.Escrow.ScanBatchSize)
	assert.Equal(t, DefaultWorkers, cfg.Escrow.Workers)
	assert.Equal(t, DefaultQueueSize, cfg.Escrow.QueueSize)
	assert.Equal(t, DefaultAttemptRetention, cfg.Escrow.AttemptRetention)
	assert.True(t, cfg.Escrow.AutoStart)
}

func TestLoad_MissingEscrowSettingsIsNotFatal(t *testing.T) {
	setEnv(t, "ADMIN_PRIVATE_KEY", "")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err, "escrow settings never fail the host")

	err = cfg.Escrow.Validate()
	require.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "ADMIN_PRIVATE_KEY")
}

func TestLoadEscrow_ParsesOverrides(t *testing.T) {
	setEnv(t, "LEDGER_MODE", "MEMORY")
	setEnv(t, "CONFIRMATIONS", "12")
	setEnv(t, "TX_TIMEOUT", "45s")
	setEnv(t, "SCAN_RPS", "2.5")
	setEnv(t, "AUTO_START", "false")
	setEnv(t, "WEBHOOK_URLS", " https://a.example/hook, ,https://b.example/hook ")

	e := LoadEscrow()
	assert.Equal(t, LedgerModeMemory, e.LedgerMode)
	assert.True(t, e.IsMemory())
	assert.Equal(t, uint64(12), e.Confirmations)
	assert.Equal(t, 45*time.Second, e.TxTimeout)
	assert.Equal(t, 2.5, e.ScanRPS)
	assert.False(t, e.AutoStart)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, e.WebhookURLs)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid config",
			config:  Config{Port: "8080", LogFormat: "json", Env: "development"},
			wantErr: "",
		},
		{
			name:    "non-numeric port",
			config:  Config{Port: "http", LogFormat: "json"},
			wantErr: "PORT must be numeric",
		},
		{
			name:    "bad log format",
			config:  Config{Port: "8080", LogFormat: "xml"},
			wantErr: "LOG_FORMAT",
		},
		{
			name:    "production without admin secret",
			config:  Config{Port: "8080", LogFormat: "text", Env: "production"},
			wantErr: "ADMIN_SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEscrowConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EscrowConfig)
		wantErr string
	}{
		{"valid", func(*EscrowConfig) {}, ""},
		{"key with 0x prefix", func(e *EscrowConfig) { e.PrivateKey = "0x" + testKey }, ""},
		{"missing key", func(e *EscrowConfig) { e.PrivateKey = "" }, "ADMIN_PRIVATE_KEY"},
		{"short key", func(e *EscrowConfig) { e.PrivateKey = "abc123" }, "64 hex characters"},
		{"missing rpc url", func(e *EscrowConfig) { e.RPCURL = "" }, "RPC_URL"},
		{"missing marketplace", func(e *EscrowConfig) { e.MarketplaceContract = "" }, "MARKETPLACE_CONTRACT"},
		{"bad marketplace", func(e *EscrowConfig) { e.MarketplaceContract = "0x12" }, "MARKETPLACE_CONTRACT is not an address"},
		{"missing escrow", func(e *EscrowConfig) { e.EscrowContract = "" }, "ESCROW_CONTRACT"},
		{"unknown ledger mode", func(e *EscrowConfig) { e.LedgerMode = "sim" }, "LEDGER_MODE"},
		{"zero confirmations", func(e *EscrowConfig) { e.Confirmations = 0 }, "CONFIRMATIONS"},
		{"zero workers", func(e *EscrowConfig) { e.Workers = 0 }, "WORKERS"},
		{
			"memory mode needs only the key",
			func(e *EscrowConfig) {
				e.LedgerMode = LedgerModeMemory
				e.RPCURL, e.MarketplaceContract, e.EscrowContract = "", "", ""
			},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEscrow()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_BAD", time.Second))
}
