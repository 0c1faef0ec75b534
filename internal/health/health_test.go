package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/voucherescrow/internal/testutil"
)

func healthy(name string) Checker {
	return func(context.Context) Status { return Status{Name: name, Healthy: true} }
}

func TestRegistry_CheckAll(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		order    []string
		want     bool
	}{
		{name: "empty", want: true},
		{
			name:     "all healthy",
			checkers: map[string]Checker{"ledger": healthy("ledger"), "journal": healthy("journal")},
			order:    []string{"ledger", "journal"},
			want:     true,
		},
		{
			name: "one unhealthy",
			checkers: map[string]Checker{
				"ledger": healthy("ledger"),
				"journal": func(context.Context) Status {
					return Status{Name: "journal", Detail: "connection refused"}
				},
			},
			order: []string{"ledger", "journal"},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, n := range tt.order {
				r.Register(n, tt.checkers[n])
			}
			ok, statuses := r.CheckAll(context.Background())
			assert.Equal(t, tt.want, ok)
			require.Len(t, statuses, len(tt.order))
			for i, n := range tt.order {
				assert.Equal(t, n, statuses[i].Name, "registration order")
			}
		})
	}
}

func TestRegistry_FillsNameAndSurvivesPanic(t *testing.T) {
	r := NewRegistry()
	r.Register("escrow", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("broken", func(context.Context) Status { panic("nil ledger") })

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "escrow", statuses[0].Name)
	assert.Equal(t, "broken", statuses[1].Name)
	assert.Contains(t, statuses[1].Detail, "nil ledger")
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Detail: ctx.Err().Error()}
	})

	start := time.Now()
	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(10))
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", healthy("checker"))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}

func serve(h gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/probe", h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))
	return w
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.Register("escrow", healthy("escrow"))

	w := serve(r.Handler("1.2.3"))
	require.Equal(t, http.StatusOK, w.Code)
	var rep Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "healthy", rep.Status)
	assert.Equal(t, "1.2.3", rep.Version)
	require.Len(t, rep.Checks, 1)

	r.Register("database", func(context.Context) Status { return Status{Detail: "down"} })
	w = serve(r.Handler("1.2.3"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestProbe(t *testing.T) {
	p := NewProbe("ready", "not_ready")

	w := serve(p.Handler())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"not_ready"}`, w.Body.String())

	p.Set(true)
	w = serve(p.Handler())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
}

func TestDatabaseChecker(t *testing.T) {
	db := testutil.PGTest(t)

	st := Database(db)(context.Background())
	require.True(t, st.Healthy, st.Detail)

	_ = db.Close()
	st = Database(db)(context.Background())
	assert.False(t, st.Healthy)
}
