// Package chain is the narrow client for the marketplace ledger: listing
// reads, admin-signed release/refund submission, confirmation waits and event
// subscriptions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/voucherescrow/internal/listing"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrNotFound        = errors.New("chain: listing not found")
	ErrTimeout         = errors.New("chain: operation timed out")
	ErrRPCConnection   = errors.New("chain: RPC connection failed")
	ErrRPCUnavailable  = errors.New("chain: RPC unavailable (circuit open)")
	ErrInvalidKey      = errors.New("chain: invalid private key")
	ErrUnknownEvent    = errors.New("chain: unknown event")
	ErrNoSubscription  = errors.New("chain: subscription not found")
	ErrLedgerClosed    = errors.New("chain: ledger client closed")
	ErrInvalidListing  = errors.New("chain: invalid listing id")
	ErrSubmitFailed    = errors.New("chain: transaction submission failed")
	ErrInvalidContract = errors.New("chain: invalid contract address")
)

// RevertError is returned when the ledger definitively refuses a transaction.
type RevertError struct {
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: transaction %s reverted: %s", e.TxHash, e.Reason)
	}
	return fmt.Sprintf("chain: transaction reverted: %s", e.Reason)
}

// AlreadyTerminal reports whether the revert reason says the listing was
// already settled, which happens when another path completed it first.
func (e *RevertError) AlreadyTerminal() bool {
	return IsAlreadyTerminalReason(e.Reason)
}

// IsAlreadyTerminalReason classifies a revert reason string.
func IsAlreadyTerminalReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, marker := range []string{
		"already terminal",
		"already released",
		"already refunded",
		"already settled",
		"already cancelled",
	} {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err carries no definitive answer from the
// ledger, so the same operation may succeed when retried later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rev *RevertError
	if errors.As(err, &rev) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidListing) ||
		errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrUnknownEvent) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Action names an admin-signed transaction kind.
type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
)

// EventBuyerConfirmed is the ledger event emitted when a buyer confirms
// receipt of a revealed voucher.
const EventBuyerConfirmed = "BuyerConfirmed"

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash        string    `json:"hash"`
	ListingID   uint64    `json:"listingId"`
	Action      Action    `json:"action"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Receipt is the ledger acknowledgment of a successful transaction.
type Receipt struct {
	TxHash        string `json:"txHash"`
	BlockNumber   uint64 `json:"blockNumber"`
	GasUsed       uint64 `json:"gasUsed"`
	Confirmations uint64 `json:"confirmations"`
}

// Event is a decoded ledger event delivered to subscribers.
type Event struct {
	Name        string         `json:"name"`
	ListingID   uint64         `json:"listingId"`
	Buyer       common.Address `json:"buyer,omitempty"`
	TxHash      string         `json:"txHash,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	LogIndex    uint           `json:"logIndex,omitempty"`
}

// EventHandler receives event deliveries. Handlers must not block for long;
// deliveries for one subscription are sequential.
type EventHandler func(Event)

// SubscriptionID identifies a live subscription.
type SubscriptionID string

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Reader reads ledger state.
type Reader interface {
	GetListing(ctx context.Context, id uint64) (*listing.Listing, error)
	NextID(ctx context.Context) (uint64, error)
	AdminAddress(ctx context.Context) (common.Address, error)
}

// Submitter submits admin-signed transactions and waits for their outcome.
type Submitter interface {
	SubmitRelease(ctx context.Context, id uint64) (*TxHandle, error)
	SubmitRefund(ctx context.Context, id uint64) (*TxHandle, error)
	AwaitConfirmation(ctx context.Context, tx *TxHandle) (*Receipt, error)
}

// Subscriber delivers ledger events.
type Subscriber interface {
	Subscribe(ctx context.Context, event string, handler EventHandler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
}

// Ledger combines every operation the reconciliation service needs.
type Ledger interface {
	Reader
	Submitter
	Subscriber
	// SignerAddress is the address of the configured admin signing key.
	SignerAddress() common.Address
	// Endpoint describes where the ledger is reached, for status output.
	Endpoint() string
	Close() error
}

// Submit dispatches to SubmitRelease or SubmitRefund.
func Submit(ctx context.Context, s Submitter, action Action, id uint64) (*TxHandle, error) {
	switch action {
	case ActionRelease:
		return s.SubmitRelease(ctx, id)
	case ActionRefund:
		return s.SubmitRefund(ctx, id)
	default:
		return nil, fmt.Errorf("chain: unknown action %q", action)
	}
}
