package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/config"
	"github.com/mbd888/voucherescrow/internal/controller"
	"github.com/mbd888/voucherescrow/internal/listing"
)

// --- Test helpers ---

const (
	testKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testSecret = "s3cret"
)

var (
	sellerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	buyerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

type harness struct {
	h      *Handlers
	ledger *chain.MemoryLedger
	ctrl   *controller.Controller
}

// newHarness serves the operator API over a memory ledger.
func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	m := chain.NewMemoryLedger(signer, signer)

	ctrl := controller.New(config.EscrowConfig{
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
	}, controller.WithLedgerOpener(func(context.Context, config.EscrowConfig) (chain.Ledger, error) {
		return m, nil
	}))
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	r := gin.New()
	controller.NewHandler(ctrl, testSecret).RegisterRoutes(r.Group("/v1"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &harness{
		h:      NewHandlers(NewEscrowClient(Config{APIURL: ts.URL + "/", AdminSecret: testSecret})),
		ledger: m,
		ctrl:   ctrl,
	}
}

func (hs *harness) confirmed(t *testing.T, price int64) uint64 {
	t.Helper()
	id := hs.ledger.CreateListing(sellerAddr, big.NewInt(price), big.NewInt(price), time.Time{}, "ipfs://voucher")
	require.NoError(t, hs.ledger.Lock(id, buyerAddr))
	require.NoError(t, hs.ledger.Reveal(id))
	require.NoError(t, hs.ledger.ConfirmSilently(id))
	return id
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsAdminSecret(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Admin-Secret")
		assert.Equal(t, "/v1/admin/escrow/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"message":"stopped","data":{}}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, AdminSecret: "abc"})
	env, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
	assert.True(t, env.Success)
}

func TestClient_ErrorCarriesKind(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "signer mismatch",
			"kind":    "authorization",
		})
	}))
	defer ts.Close()

	_, err := NewEscrowClient(Config{APIURL: ts.URL}).Init(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "authorization", apiErr.Kind)
	assert.Contains(t, err.Error(), "signer mismatch")
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewEscrowClient(Config{APIURL: ts.URL}).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_AttemptsQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"success":true,"data":{"attempts":[],"count":0}}`))
	}))
	defer ts.Close()

	_, err := NewEscrowClient(Config{APIURL: ts.URL}).Attempts(context.Background(), "failed", 5, "")
	require.NoError(t, err)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandlers_LifecycleAndRelease(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	result, err := hs.h.HandleStatus(ctx, makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Escrow service: stopped")

	result, _ = hs.h.HandleInit(ctx, makeRequest(nil))
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Initialized as admin")

	id := hs.confirmed(t, 250)
	result, _ = hs.h.HandleRelease(ctx, makeRequest(map[string]any{"listing_id": float64(id)}))
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "released")
	assert.Contains(t, text, "Amount: 250")
	assert.Contains(t, text, sellerAddr.Hex())

	l, err := hs.ledger.GetListing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, listing.StatusReleased, l.Status)

	// Second release is a benign skip.
	result, _ = hs.h.HandleRelease(ctx, makeRequest(map[string]any{"listing_id": float64(id)}))
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "skipped")
	assert.Equal(t, 1, hs.ledger.ReleaseCount(id))

	result, _ = hs.h.HandleGetAttempt(ctx, makeRequest(map[string]any{"listing_id": float64(id)}))
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Listing")
}

func TestHandlers_StartScanStop(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	result, _ := hs.h.HandleScanPending(ctx, makeRequest(nil))
	assert.True(t, result.IsError, "scan before start should fail")
	assert.Contains(t, resultText(t, result), "409")

	id := hs.confirmed(t, 10)
	_, _ = hs.h.HandleInit(ctx, makeRequest(nil))
	result, _ = hs.h.HandleStart(ctx, makeRequest(nil))
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Running")

	require.Eventually(t, func() bool { return hs.ledger.ReleaseCount(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	result, _ = hs.h.HandleScanPending(ctx, makeRequest(nil))
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Scan complete: scanned 1 listings, queued 0")

	result, _ = hs.h.HandleStatus(ctx, makeRequest(nil))
	assert.Contains(t, resultText(t, result), "Escrow service: running")
	assert.Contains(t, resultText(t, result), "Last scan:")

	result, _ = hs.h.HandleStop(ctx, makeRequest(nil))
	require.False(t, result.IsError)
	assert.Equal(t, controller.StateStopped, hs.ctrl.State())
}

func TestHandlers_FailedRefundListsForReview(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	_, _ = hs.h.HandleInit(ctx, makeRequest(nil))

	id := hs.ledger.CreateListing(sellerAddr, big.NewInt(40), big.NewInt(40), time.Time{}, "ipfs://voucher")
	require.NoError(t, hs.ledger.Lock(id, buyerAddr))
	hs.ledger.SetAdmin(common.HexToAddress("0x00000000000000000000000000000000000000ad"))

	result, _ := hs.h.HandleRefund(ctx, makeRequest(map[string]any{"listing_id": float64(id)}))
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "structural")

	result, _ = hs.h.HandleListAttempts(ctx, makeRequest(nil))
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 attempt(s)")
	assert.Contains(t, text, "Needs review")

	result, _ = hs.h.HandleListAttempts(ctx, makeRequest(map[string]any{"status": "succeeded"}))
	require.False(t, result.IsError)
	assert.Equal(t, "No succeeded attempts.", resultText(t, result))
}

func TestHandlers_ListingIDValidation(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing", nil},
		{"zero", map[string]any{"listing_id": float64(0)}},
		{"negative", map[string]any{"listing_id": float64(-2)}},
		{"fractional", map[string]any{"listing_id": 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := hs.h.HandleRelease(ctx, makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestHandlers_NotInitialized(t *testing.T) {
	hs := newHarness(t)

	result, _ := hs.h.HandleRelease(context.Background(), makeRequest(map[string]any{"listing_id": float64(3)}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "409")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "", capitalize(""))
	assert.Equal(t, "Stopped", capitalize("stopped"))
}
