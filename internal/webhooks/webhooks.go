// Package webhooks notifies external services about settlement outcomes.
//
// Subscribers receive signed POSTs for:
// - Released listings (funds paid to the seller)
// - Refunded listings (funds returned to the buyer)
// - Failed settlements that need operator attention
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/voucherescrow/internal/metrics"
	"github.com/mbd888/voucherescrow/internal/retry"
	"github.com/mbd888/voucherescrow/internal/traces"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventSettlementReleased EventType = "settlement.released"
	EventSettlementRefunded EventType = "settlement.refunded"
	EventSettlementFailed   EventType = "settlement.failed"
)

// Headers set on every delivery.
const (
	SignatureHeader = "X-Escrow-Signature"
	EventHeader     = "X-Escrow-Event"
	TimestampHeader = "X-Escrow-Timestamp"
)

// AllEvents lists every event a subscription may ask for.
var AllEvents = []EventType{EventSettlementReleased, EventSettlementRefunded, EventSettlementFailed}

// ValidEvent reports whether t is a known event type.
func ValidEvent(t EventType) bool {
	for _, e := range AllEvents {
		if e == t {
			return true
		}
	}
	return false
}

// Settlement is the payload of every event. Amounts are base-unit decimal
// strings; Kind and Reason are set only on failures.
type Settlement struct {
	ListingID uint64 `json:"listingId"`
	Action    string `json:"action"`
	Source    string `json:"source,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Event is the signed body POSTed to subscribers.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Data      Settlement `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC signing key
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and asks for t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

const (
	// maxConsecutiveFailures deactivates a subscription after this many
	// failed deliveries in a row.
	maxConsecutiveFailures = 20
)

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
	retry  retry.Policy
	wg     sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		logger: logger,
		retry:  retry.Policy{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch sends an event to every active subscriber asynchronously.
// Deliveries outlive ctx cancellation; use Wait to drain them.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.send(detached, sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until in-progress deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	policy := d.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Debug("webhook delivery retry", "subscription", sub.ID, "event", event.ID,
			"attempt", attempt, "wait", wait, "error", err)
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.logger.Warn("webhook delivery failed", "subscription", sub.ID, "event", event.ID, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	traces.Inject(ctx, req.Header)
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(TimestampHeader, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), expected)
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	cp := *sub
	cp.LastSuccess = &now
	cp.LastError = ""
	cp.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, &cp)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	cp := *sub
	cp.LastError = errMsg
	cp.ConsecutiveFailures++
	if cp.ConsecutiveFailures >= maxConsecutiveFailures {
		cp.Active = false
	}
	_ = d.store.Update(ctx, &cp)
}

// MemoryStore is an in-memory implementation for development and tests
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wants(eventType) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
