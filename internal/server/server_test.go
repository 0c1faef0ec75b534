package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/config"
	"github.com/mbd888/voucherescrow/internal/controller"
	"github.com/mbd888/voucherescrow/internal/health"
	"github.com/mbd888/voucherescrow/internal/listing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testSecret = "operator-secret"
)

var (
	sellerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	buyerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// testConfig returns a memory-ledger config that never auto-starts.
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		LogFormat:    "json",
		AdminSecret:  testSecret,
		RateLimitRPM: 6000,
		Escrow: config.EscrowConfig{
			LedgerMode:       config.LedgerModeMemory,
			PrivateKey:       testKey,
			Confirmations:    1,
			TxTimeout:        5 * time.Second,
			ScanInterval:     time.Hour,
			ScanBatchSize:    10,
			ScanConcurrency:  2,
			Workers:          2,
			QueueSize:        64,
			AttemptRetention: time.Hour,
		},
	}
}

func newMemoryLedger(t *testing.T) *chain.MemoryLedger {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	return chain.NewMemoryLedger(signer, signer)
}

// newTestServer creates a server over m and closes it when the test ends.
func newTestServer(t *testing.T, m *chain.MemoryLedger) *Server {
	t.Helper()
	s, err := New(testConfig(),
		WithDrainDelay(0),
		WithControllerOptions(controller.WithLedgerOpener(
			func(context.Context, config.EscrowConfig) (chain.Ledger, error) { return m, nil })),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Admin-Secret", testSecret)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "escrow", resp.Checks[0].Name)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Set(true)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voucherescrow_")
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/escrow/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, "GET", "/v1/admin/escrow/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEscrowRoutesRegistered(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	routes := map[string]bool{}
	for _, r := range s.Router().Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /v1/admin/escrow",
		"GET /v1/admin/escrow/status",
		"POST /v1/admin/escrow/init",
		"POST /v1/admin/escrow/start",
		"POST /v1/admin/escrow/stop",
		"POST /v1/admin/escrow/scan",
		"POST /v1/admin/escrow/listings/:id/release",
		"POST /v1/admin/escrow/listings/:id/refund",
		"GET /v1/admin/escrow/attempts",
		"GET /v1/admin/escrow/attempts/:id",
		"GET /v1/admin/escrow/events",
		"POST /v1/admin/escrow/webhooks",
	} {
		assert.True(t, routes[want], "missing route %s", want)
	}
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	m := newMemoryLedger(t)
	id := m.CreateListing(sellerAddr, big.NewInt(100), big.NewInt(100), time.Time{}, "ipfs://voucher")
	require.NoError(t, m.Lock(id, buyerAddr))
	require.NoError(t, m.Reveal(id))
	require.NoError(t, m.ConfirmSilently(id))

	s := newTestServer(t, m)

	w := do(s, "POST", "/v1/admin/escrow", `{"action":"init"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, "POST", "/v1/admin/escrow", `{"action":"start"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		l, err := m.GetListing(context.Background(), id)
		return err == nil && l.Status == listing.StatusReleased
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.ReleaseCount(id))

	w = do(s, "POST", "/v1/admin/escrow", `{"action":"status"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    controller.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, controller.StateRunning, resp.Data.State)

	w = do(s, "POST", "/v1/admin/escrow", `{"action":"stop"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, controller.StateStopped, s.Controller().State())
}

func TestStartEscrowWithoutConfigLeavesAPIUp(t *testing.T) {
	cfg := testConfig()
	cfg.Escrow.PrivateKey = ""
	s, err := New(cfg, WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	s.startEscrow(context.Background())
	assert.Equal(t, controller.StateDisabled, s.Controller().State())

	w := do(s, "GET", "/v1/admin/escrow/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ADMIN_PRIVATE_KEY")
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/escrow", maskDSN("postgres://app:hunter2@db:5432/escrow"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestRun_ServesUntilContextCancelled(t *testing.T) {
	s := newTestServer(t, newMemoryLedger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.OK, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.live.OK())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, s.ready.OK(), "not ready once shutdown starts")
}

func TestRun_ListenError(t *testing.T) {
	cfg := testConfig()
	cfg.Port = "not-a-port"
	s, err := New(cfg, WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on :not-a-port")
}

// slowReads delays listing reads until ctx ends.
type slowReads struct {
	*chain.MemoryLedger
}

func (s slowReads) GetListing(ctx context.Context, id uint64) (*listing.Listing, error) {
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryLedger.GetListing(ctx, id)
}

func TestRun_SignalDuringCatchUpScan(t *testing.T) {
	m := newMemoryLedger(t)
	for i := 0; i < 100; i++ {
		m.CreateListing(sellerAddr, big.NewInt(10), big.NewInt(10), time.Time{}, "ipfs://voucher")
	}
	cfg := testConfig()
	cfg.Escrow.AutoStart = true
	s, err := New(cfg,
		WithDrainDelay(0),
		WithControllerOptions(controller.WithLedgerOpener(
			func(context.Context, config.EscrowConfig) (chain.Ledger, error) { return slowReads{m}, nil })),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return s.Controller().State() == controller.StateSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return while the catch-up scan was running")
	}
	assert.Less(t, time.Since(begin), 2*time.Second)
	assert.Equal(t, controller.StateStopped, s.Controller().State())
}
