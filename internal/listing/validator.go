package listing

import (
	"errors"
	"fmt"
)

// Reasons returned when an admin action is not allowed for a status.
const (
	ReasonNotConfirmed    = "not confirmed"
	ReasonAlreadyTerminal = "already terminal"
	ReasonNotRefundable   = "not refundable"
	ReasonUnknownStatus   = "unknown status"
)

var ErrIllegalTransition = errors.New("listing: illegal status transition")

// transitions is the full lifecycle table. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusNone:           {StatusListed},
	StatusListed:         {StatusLocked, StatusCancelled},
	StatusLocked:         {StatusRevealed, StatusRefunded},
	StatusRevealed:       {StatusBuyerConfirmed, StatusBuyerDisputed},
	StatusBuyerConfirmed: {StatusReleased, StatusAwaitingAdmin},
	StatusBuyerDisputed:  {StatusAwaitingAdmin, StatusRefunded},
	StatusAwaitingAdmin:  {StatusReleased, StatusRefunded},
}

// CanRelease reports whether an admin release may be submitted for a listing
// in status s. Only buyer-confirmed listings are releasable.
func CanRelease(s Status) (bool, string) {
	switch {
	case s == StatusBuyerConfirmed:
		return true, ""
	case !s.Valid():
		return false, ReasonUnknownStatus
	case s.IsTerminal():
		return false, ReasonAlreadyTerminal
	default:
		return false, ReasonNotConfirmed
	}
}

// CanRefund reports whether an admin refund may be submitted for a listing in
// status s. Refunds cover stalled locks and unresolved disputes.
func CanRefund(s Status) (bool, string) {
	switch {
	case s == StatusLocked, s == StatusBuyerDisputed:
		return true, ""
	case !s.Valid():
		return false, ReasonUnknownStatus
	case s.IsTerminal():
		return false, ReasonAlreadyTerminal
	default:
		return false, ReasonNotRefundable
	}
}

// CanTransition returns nil if the lifecycle permits moving from one status
// to the other.
func CanTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrIllegalTransition, from, ReasonAlreadyTerminal)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

// NextStatuses returns the statuses reachable in one step from s.
func NextStatuses(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
