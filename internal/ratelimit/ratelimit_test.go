package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rpm, burst int) *Limiter {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleAfter: time.Hour})
	t.Cleanup(l.Stop)
	return l
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := newLimiter(t, 60, 5)
	now := time.Now()

	for i := 0; i < 5; i++ {
		ok, _ := l.take("ip:1", now)
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.take("ip:1", now)
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(50*time.Millisecond), "one token per second at 60/min")

	ok, _ = l.take("ip:1", now.Add(time.Second))
	assert.True(t, ok, "refilled after a second")
}

func TestLimiter_RejectionDoesNotConsume(t *testing.T) {
	l := newLimiter(t, 60, 1)
	now := time.Now()

	ok, _ := l.take("k", now)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		ok, _ = l.take("k", now)
		require.False(t, ok)
	}
	ok, _ = l.take("k", now.Add(time.Second))
	assert.True(t, ok, "refused requests must not push the next token further out")
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l := newLimiter(t, 60, 3)
	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
	assert.Equal(t, 2, l.Clients())
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	l := newLimiter(t, 60, 1)
	l.Allow("idle")
	l.evict(time.Now().Add(time.Second))
	assert.Zero(t, l.Clients())
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	assert.NotPanics(t, func() {
		l.Stop()
		l.Stop()
	})
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	assert.Equal(t, 60, l.cfg.RequestsPerMinute)
	assert.Equal(t, 1, l.cfg.BurstSize)
	assert.Equal(t, 2*time.Minute, l.cfg.IdleAfter)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 2, IdleAfter: time.Hour, Exempt: []string{"/health"}})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/admin/escrow/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(path, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if secret != "" {
			req.Header.Set("X-Admin-Secret", secret)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	before := testutil.ToFloat64(rejected.WithLabelValues("ip"))
	assert.Equal(t, http.StatusOK, get("/v1/admin/escrow/status", "").Code)
	assert.Equal(t, http.StatusOK, get("/v1/admin/escrow/status", "").Code)

	w := get("/v1/admin/escrow/status", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Equal(t, before+1, testutil.ToFloat64(rejected.WithLabelValues("ip")))

	assert.Equal(t, http.StatusOK, get("/health/live", "").Code, "probes are exempt")
	assert.Equal(t, http.StatusOK, get("/v1/admin/escrow/status", "operator-one").Code, "admin secret has its own bucket")
}
