// Package listing models voucher listings and the escrow lifecycle they move
// through on the marketplace ledger.
//
// Lifecycle:
//
//	None → Listed → Locked → Revealed → {BuyerConfirmed | BuyerDisputed}
//	     → AwaitingAdmin → {Released | Refunded}
//	Listed → Cancelled (before a buyer locks funds)
//
// The ledger is the authority on every transition. The helpers here re-derive
// the same rules locally so the service can avoid submitting transactions that
// are certain to revert.
package listing

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the on-ledger lifecycle state of a listing. Values match the
// uint8 enum stored by the marketplace contract.
type Status uint8

const (
	StatusNone           Status = 0
	StatusListed         Status = 1
	StatusLocked         Status = 2
	StatusRevealed       Status = 3
	StatusBuyerConfirmed Status = 4
	StatusBuyerDisputed  Status = 5
	StatusAwaitingAdmin  Status = 6
	StatusReleased       Status = 7
	StatusRefunded       Status = 8
	StatusCancelled      Status = 9
)

// AllStatuses lists every defined status in enum order.
var AllStatuses = []Status{
	StatusNone,
	StatusListed,
	StatusLocked,
	StatusRevealed,
	StatusBuyerConfirmed,
	StatusBuyerDisputed,
	StatusAwaitingAdmin,
	StatusReleased,
	StatusRefunded,
	StatusCancelled,
}

var statusNames = map[Status]string{
	StatusNone:           "none",
	StatusListed:         "listed",
	StatusLocked:         "locked",
	StatusRevealed:       "revealed",
	StatusBuyerConfirmed: "buyer_confirmed",
	StatusBuyerDisputed:  "buyer_disputed",
	StatusAwaitingAdmin:  "awaiting_admin",
	StatusReleased:       "released",
	StatusRefunded:       "refunded",
	StatusCancelled:      "cancelled",
}

// String returns the snake_case name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Valid reports whether s is one of the defined enum values.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// MarshalText encodes the status by name so JSON payloads stay readable.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a status name back to its enum value.
func ParseStatus(name string) (Status, error) {
	for st, n := range statusNames {
		if n == name {
			return st, nil
		}
	}
	return StatusNone, fmt.Errorf("listing: unknown status %q", name)
}

// Listing is one voucher sale offer as recorded by the ledger.
type Listing struct {
	ID          uint64         `json:"id"`
	Seller      common.Address `json:"seller"`
	Buyer       common.Address `json:"buyer"` // zero until funds are locked
	Price       *big.Int       `json:"price"`
	Value       *big.Int       `json:"value"`
	Expiry      time.Time      `json:"expiry,omitempty"` // zero means no expiry
	Status      Status         `json:"status"`
	MetadataRef string         `json:"metadataRef,omitempty"`
}

// HasBuyer reports whether a buyer has locked funds on the listing.
func (l *Listing) HasBuyer() bool {
	return l.Buyer != (common.Address{})
}

// Expired reports whether the listing carries an expiry that is before now.
func (l *Listing) Expired(now time.Time) bool {
	return !l.Expiry.IsZero() && now.After(l.Expiry)
}

// Clone returns a deep copy so callers can hand listings across goroutines.
func (l *Listing) Clone() *Listing {
	cp := *l
	if l.Price != nil {
		cp.Price = new(big.Int).Set(l.Price)
	}
	if l.Value != nil {
		cp.Value = new(big.Int).Set(l.Value)
	}
	return &cp
}
