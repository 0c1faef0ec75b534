// Package ratelimit throttles the HTTP API with one token bucket per client.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mbd888/voucherescrow/internal/auth"
	"github.com/mbd888/voucherescrow/internal/syncutil"
)

var rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voucherescrow",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests refused with 429, by bucket class.",
}, []string{"class"})

func init() {
	prometheus.MustRegister(rejected)
}

// Config sizes the buckets.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleAfter forgets clients not seen for this long.
	IdleAfter time.Duration
	// Exempt path prefixes are never limited (probes, scrapes).
	Exempt []string
}

// DefaultConfig allows 60 requests a minute with bursts of 10.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		IdleAfter:         2 * time.Minute,
		Exempt:            []string{"/health", "/metrics"},
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter holds the per-client buckets.
type Limiter struct {
	cfg   Config
	every rate.Limit

	mu      sync.Mutex
	buckets map[string]*bucket

	sweeper *syncutil.Periodic
	cancel  context.CancelFunc
}

// New starts a limiter with a background sweep of idle clients. Call Stop
// when done.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	cfg.BurstSize = max(cfg.BurstSize, 1)
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}

	l := &Limiter{
		cfg:     cfg,
		every:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		buckets: make(map[string]*bucket),
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.sweeper = syncutil.NewPeriodic("ratelimit-sweep", cfg.IdleAfter/2, nil, func(context.Context) error {
		l.evict(time.Now().Add(-cfg.IdleAfter))
		return nil
	})
	go l.sweeper.Start(ctx)
	return l
}

// Stop ends the sweep. Safe to call more than once.
func (l *Limiter) Stop() { l.cancel() }

func (l *Limiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) bucket(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.every, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key, time.Now())
	return ok
}

// take consumes a token or reports how long until one is available.
func (l *Limiter) take(key string, now time.Time) (bool, time.Duration) {
	r := l.bucket(key, now).ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// clientKey buckets operators by a prefix of their admin secret so several
// operators behind one proxy do not share a bucket.
func clientKey(c *gin.Context) (key, class string) {
	if secret := c.GetHeader(auth.HeaderAdminSecret); secret != "" {
		return "admin:" + secret[:min(8, len(secret))], "admin"
	}
	return "ip:" + c.ClientIP(), "ip"
}

// Middleware answers 429 with Retry-After once a client's bucket is empty.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		for _, p := range l.cfg.Exempt {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		key, class := clientKey(c)
		c.Header("X-RateLimit-Limit", limit)
		ok, wait := l.take(key, time.Now())
		if !ok {
			rejected.WithLabelValues(class).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "rate limit exceeded, retry later",
			})
			return
		}
		c.Next()
	}
}
