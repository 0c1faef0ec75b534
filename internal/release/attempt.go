// Package release settles confirmed purchases on the ledger: it claims a
// listing, re-validates its status, submits the admin-signed release or
// refund, and journals every attempt.
package release

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/listing"
	"github.com/mbd888/voucherescrow/internal/pagination"
)

var (
	ErrAttemptNotFound = errors.New("release: attempt not found")
	ErrInvalidAttempt  = errors.New("release: invalid attempt")
)

// Outcome is the result of one execution.
type Outcome string

const (
	OutcomeReleased Outcome = "released"
	OutcomeRefunded Outcome = "refunded"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// FailureKind separates failures worth retrying from definitive rejections.
type FailureKind string

const (
	KindNone       FailureKind = ""
	KindStructural FailureKind = "structural"
	KindTransient  FailureKind = "transient"
)

// Source records what asked for an execution.
type Source string

const (
	SourceScan   Source = "scan"
	SourceEvent  Source = "event"
	SourceManual Source = "manual"
)

// AttemptStatus is the journal state of a listing's latest attempt.
type AttemptStatus string

const (
	StatusPending   AttemptStatus = "pending"
	StatusInFlight  AttemptStatus = "in_flight"
	StatusSucceeded AttemptStatus = "succeeded"
	StatusSkipped   AttemptStatus = "skipped"
	StatusFailed    AttemptStatus = "failed"
)

// Valid reports whether s is a known status.
func (s AttemptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSucceeded, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Skip reasons shared with callers and tests.
const (
	ReasonInFlight        = "in flight"
	ReasonAlreadyTerminal = listing.ReasonAlreadyTerminal
	ReasonAwaitingReview  = "structural failure awaiting operator review"
)

// Attempt is the journal record for one listing. It keeps the latest action
// and how many times the executor has tried it.
type Attempt struct {
	ListingID    uint64        `json:"listingId"`
	Action       chain.Action  `json:"action"`
	Status       AttemptStatus `json:"status"`
	Kind         FailureKind   `json:"kind,omitempty"`
	Source       Source        `json:"source,omitempty"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError,omitempty"`
	TxHash       string        `json:"txHash,omitempty"`
	Terminal     bool          `json:"terminal"` // ledger reported a terminal status
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// AwaitingReview reports whether the attempt failed structurally for action
// and should not be retried without an operator.
func (a *Attempt) AwaitingReview(action chain.Action) bool {
	return a.Status == StatusFailed && a.Kind == KindStructural && a.Action == action
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status AttemptStatus
	Limit  int
	// After skips every attempt up to and including the cursor position.
	After *pagination.Cursor
}

const (
	// DefaultListLimit applies when Filter.Limit is unset.
	DefaultListLimit = 100
	// MaxListLimit caps Filter.Limit.
	MaxListLimit = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// CursorKey is the pagination position of a.
func CursorKey(a *Attempt) (time.Time, uint64) {
	return a.UpdatedAt, a.ListingID
}

// Store persists the attempt journal.
type Store interface {
	// Record inserts or replaces the attempt for a.ListingID.
	Record(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, listingID uint64) (*Attempt, error)
	// List returns attempts ordered by most recent update first.
	List(ctx context.Context, f Filter) ([]*Attempt, error)
	// MarkPending journals an enqueue. It leaves in-flight, succeeded,
	// terminal and operator-review records untouched and reports whether
	// it wrote.
	MarkPending(ctx context.Context, listingID uint64, action chain.Action, source Source) (bool, error)
	// Compact deletes terminal records last updated before the cutoff.
	Compact(ctx context.Context, before time.Time) (int, error)
}

func validateAttempt(a *Attempt) error {
	if a == nil || a.ListingID == 0 || !a.Status.Valid() {
		return ErrInvalidAttempt
	}
	if a.Action != chain.ActionRelease && a.Action != chain.ActionRefund {
		return ErrInvalidAttempt
	}
	return nil
}
