package release

import "github.com/prometheus/client_golang/prometheus"

var (
	journalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voucherescrow",
		Subsystem: "release",
		Name:      "journal_errors_total",
		Help:      "Attempt journal reads and writes that failed.",
	})

	compactedAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voucherescrow",
		Subsystem: "release",
		Name:      "compacted_attempts_total",
		Help:      "Terminal attempt records removed by compaction.",
	})
)

func init() {
	prometheus.MustRegister(journalErrors, compactedAttempts)
}
