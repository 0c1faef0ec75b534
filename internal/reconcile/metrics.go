package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voucherescrow",
		Subsystem: "reconcile",
		Name:      "scan_duration_seconds",
		Help:      "Duration of pending-listing scans in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	scannedListings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voucherescrow",
		Subsystem: "reconcile",
		Name:      "scanned_listings_total",
		Help:      "Listings read by scans.",
	})

	scanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voucherescrow",
		Subsystem: "reconcile",
		Name:      "scan_errors_total",
		Help:      "Per-listing read or enqueue failures during scans.",
	})

	eventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voucherescrow",
		Subsystem: "reconcile",
		Name:      "events_received_total",
		Help:      "BuyerConfirmed events delivered by the ledger subscription.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "voucherescrow",
		Subsystem: "reconcile",
		Name:      "queue_depth",
		Help:      "Jobs waiting for a worker.",
	})

	queueRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voucherescrow",
		Subsystem: "reconcile",
		Name:      "queue_rejected_total",
		Help:      "Jobs not queued, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		scanDuration,
		scannedListings,
		scanErrors,
		eventsReceived,
		queueDepth,
		queueRejected,
	)
}
