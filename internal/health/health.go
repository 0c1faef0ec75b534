// Package health runs named subsystem checks and serves the /health probes.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single checker.
const DefaultTimeout = 3 * time.Second

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker inspects one subsystem. It must honour ctx.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry runs its checkers concurrently on demand.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

// NewRegistry returns an empty registry with DefaultTimeout per check.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a checker. Results keep registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll runs every checker and reports whether all were healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	out := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			out[i] = r.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range out {
		if !st.Healthy {
			return false, out
		}
	}
	return true, out
}

func (r *Registry) run(ctx context.Context, e entry) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			st = Status{Healthy: false, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
		if st.Name == "" {
			st.Name = e.name
		}
		st.LatencyMS = time.Since(start).Milliseconds()
	}()
	return e.check(ctx)
}

// Report is the body of GET /health.
type Report struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Handler serves the aggregate report: 200 when every check passes,
// 503 "degraded" otherwise.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, checks := r.CheckAll(c.Request.Context())
		rep := Report{Status: "healthy", Version: version, Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		code := http.StatusOK
		if !ok {
			rep.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, rep)
	}
}

// Probe is a flag-backed liveness or readiness endpoint.
type Probe struct {
	up, down string
	flag     atomic.Bool
}

// NewProbe reports up while set and down otherwise. It starts unset.
func NewProbe(up, down string) *Probe {
	return &Probe{up: up, down: down}
}

func (p *Probe) Set(v bool) { p.flag.Store(v) }
func (p *Probe) OK() bool   { return p.flag.Load() }

// Handler answers 200 or 503 with {"status": up|down}.
func (p *Probe) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.OK() {
			c.JSON(http.StatusOK, gin.H{"status": p.up})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": p.down})
	}
}

// Database checks that db answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true, Detail: "open connections: " + strconv.Itoa(db.Stats().OpenConnections)}
	}
}
