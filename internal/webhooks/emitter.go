package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/voucherescrow/internal/idgen"
)

// dispatchTimeout bounds the subscriber lookup; deliveries run detached.
const dispatchTimeout = 10 * time.Second

var emitted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voucherescrow",
	Subsystem: "webhook",
	Name:      "events_emitted_total",
	Help:      "Settlement events handed to the dispatcher, by type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(emitted)
}

// Emitter turns settlement results into webhook events. Emit never fails
// the caller; dispatch errors are logged and counted.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger, now: time.Now}
}

// Emit dispatches one event. The caller's cancellation does not stop it.
func (e *Emitter) Emit(ctx context.Context, t EventType, s Settlement) {
	if e == nil || e.d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	ev := &Event{ID: idgen.WithPrefix("evt_"), Type: t, Timestamp: e.now().UTC(), Data: s}
	if err := e.d.Dispatch(ctx, ev); err != nil {
		emitted.WithLabelValues(string(t), "error").Inc()
		e.logger.Warn("webhook emit failed", "event", t, "listingId", s.ListingID, "error", err)
		return
	}
	emitted.WithLabelValues(string(t), "ok").Inc()
}

// SeedFromConfig subscribes each configured URL to every event. URLs that
// already have a subscription are left alone, so restarts are idempotent.
func SeedFromConfig(ctx context.Context, store Store, urls []string, secret string) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing)+len(urls))
	for _, sub := range existing {
		seen[sub.URL] = struct{}{}
	}
	for _, u := range urls {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		err := store.Create(ctx, &Subscription{
			ID:        idgen.WithPrefix("wh_"),
			URL:       u,
			Secret:    secret,
			Events:    append([]EventType(nil), AllEvents...),
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
