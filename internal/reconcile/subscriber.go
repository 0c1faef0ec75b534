package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/release"
)

// Subscriber turns BuyerConfirmed events into release jobs. Deliveries are
// queued without a status check; the executor validates.
type Subscriber struct {
	ledger chain.Subscriber
	enq    Enqueuer
	logger *slog.Logger

	mu    sync.Mutex
	subID chain.SubscriptionID
}

// NewSubscriber creates a stopped subscriber.
func NewSubscriber(ledger chain.Subscriber, enq Enqueuer, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{ledger: ledger, enq: enq, logger: logger}
}

// Start opens the subscription. Starting a running subscriber is a no-op.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subID != "" {
		return nil
	}
	id, err := s.ledger.Subscribe(ctx, chain.EventBuyerConfirmed, s.handle)
	if err != nil {
		return fmt.Errorf("reconcile: subscribing to %s: %w", chain.EventBuyerConfirmed, err)
	}
	s.subID = id
	s.logger.Info("subscribed to ledger events", "event", chain.EventBuyerConfirmed, "subscription", id)
	return nil
}

// Stop removes the subscription. Stopping a stopped subscriber is a no-op.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subID == "" {
		return nil
	}
	id := s.subID
	s.subID = ""
	if err := s.ledger.Unsubscribe(id); err != nil {
		return fmt.Errorf("reconcile: unsubscribing: %w", err)
	}
	return nil
}

// Running reports whether a subscription is open.
func (s *Subscriber) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subID != ""
}

func (s *Subscriber) handle(ev chain.Event) {
	eventsReceived.Inc()
	if ev.ListingID == 0 {
		s.logger.Warn("ignoring event without listing id", "event", ev.Name, "txHash", ev.TxHash)
		return
	}
	job := Job{ListingID: ev.ListingID, Action: chain.ActionRelease, Source: release.SourceEvent}
	if _, err := s.enq.Enqueue(context.Background(), job); err != nil {
		// The next scan picks the listing up.
		s.logger.Warn("failed to queue release from event",
			"listingId", ev.ListingID, "txHash", ev.TxHash, "error", err)
	}
}
