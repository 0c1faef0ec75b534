// Package metrics holds the service-wide Prometheus instruments and the
// /metrics endpoint. Subsystems with private instruments (reconcile,
// release, webhooks, circuitbreaker) register their own.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voucherescrow"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"method", "route"})

	settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Release and refund executions by action and outcome.",
	}, []string{"action", "outcome"})

	settlementFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_failures_total",
		Help:      "Failed executions by action and failure kind.",
	}, []string{"action", "kind"})

	settlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Execution wall time by action, ledger round trips included.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"action"})

	// SettlementsInFlight counts executions holding a listing claim.
	SettlementsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "settlements_in_flight",
		Help:      "Executions currently holding a listing claim.",
	})

	controllerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "controller_state",
		Help:      "1 for the current reconciliation controller state, 0 for the others.",
	}, []string{"state"})

	// WebhookDeliveriesTotal counts webhook deliveries by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	// ActiveWebSocketClients counts connected operator streams.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Connected operator event streams.",
	})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		settlements,
		settlementFailures,
		settlementDuration,
		SettlementsInFlight,
		controllerState,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
	)
}

// ObserveSettlement records one finished execution. kind is empty unless
// the execution failed.
func ObserveSettlement(action, outcome, kind string, elapsed time.Duration) {
	settlements.WithLabelValues(action, outcome).Inc()
	settlementDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	if kind != "" {
		settlementFailures.WithLabelValues(action, kind).Inc()
	}
}

// SetControllerState marks state as the only active controller state.
func SetControllerState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		controllerState.WithLabelValues(s).Set(v)
	}
}

var (
	dbMu        sync.Mutex
	dbCollector prometheus.Collector
)

// RegisterDB exports connection pool statistics for db, replacing any pool
// registered earlier.
func RegisterDB(db *sql.DB) error {
	dbMu.Lock()
	defer dbMu.Unlock()
	if dbCollector != nil {
		prometheus.Unregister(dbCollector)
	}
	dbCollector = collectors.NewDBStatsCollector(db, "escrow")
	err := prometheus.Register(dbCollector)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern.
// Unrouted requests share one label so probes cannot inflate cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
