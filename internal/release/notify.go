package release

import (
	"context"

	"github.com/mbd888/voucherescrow/internal/realtime"
	"github.com/mbd888/voucherescrow/internal/webhooks"
)

// HubNotifier streams every execution to connected operators.
type HubNotifier struct {
	hub *realtime.Hub
}

// NewHubNotifier wraps a websocket hub.
func NewHubNotifier(hub *realtime.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) Notify(_ context.Context, res Result) {
	if n == nil || n.hub == nil {
		return
	}
	var t realtime.EventType
	switch res.Outcome {
	case OutcomeReleased:
		t = realtime.EventReleased
	case OutcomeRefunded:
		t = realtime.EventRefunded
	case OutcomeSkipped:
		t = realtime.EventSkipped
	default:
		t = realtime.EventFailed
	}
	n.hub.Broadcast(&realtime.Event{Type: t, ListingID: res.ListingID, Data: res})
}

// WebhookNotifier posts settled and failed executions to webhook
// subscribers. Skips are not forwarded.
type WebhookNotifier struct {
	emitter *webhooks.Emitter
}

// NewWebhookNotifier wraps a webhook emitter.
func NewWebhookNotifier(e *webhooks.Emitter) *WebhookNotifier {
	return &WebhookNotifier{emitter: e}
}

func (n *WebhookNotifier) Notify(ctx context.Context, res Result) {
	if n == nil || n.emitter == nil {
		return
	}
	var t webhooks.EventType
	switch res.Outcome {
	case OutcomeReleased:
		t = webhooks.EventSettlementReleased
	case OutcomeRefunded:
		t = webhooks.EventSettlementRefunded
	case OutcomeFailed:
		t = webhooks.EventSettlementFailed
	default:
		return
	}
	n.emitter.Emit(ctx, t, webhooks.Settlement{
		ListingID: res.ListingID,
		Action:    string(res.Action),
		Source:    string(res.Source),
		Recipient: res.Recipient,
		Amount:    res.Amount,
		TxHash:    res.TxHash,
		Kind:      string(res.Kind),
		Reason:    res.Reason,
	})
}

// Notifiers fans a result out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, res Result) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, res)
		}
	}
}
