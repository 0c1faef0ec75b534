package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/listing"
	"github.com/mbd888/voucherescrow/internal/metrics"
	"github.com/mbd888/voucherescrow/internal/syncutil"
	"github.com/mbd888/voucherescrow/internal/traces"
)

// DefaultTxTimeout bounds submission plus confirmation wait.
const DefaultTxTimeout = 2 * time.Minute

// Ledger is the part of the ledger client the executor needs.
type Ledger interface {
	chain.Reader
	chain.Submitter
}

// Result is what one execution did.
type Result struct {
	ListingID uint64       `json:"listingId"`
	Action    chain.Action `json:"action"`
	Source    Source       `json:"source"`
	Outcome   Outcome      `json:"outcome"`
	Reason    string       `json:"reason,omitempty"`
	Kind      FailureKind  `json:"kind,omitempty"`
	TxHash    string       `json:"txHash,omitempty"`
	Recipient string       `json:"recipient,omitempty"`
	Amount    string       `json:"amount,omitempty"`
}

// Settled reports whether the ledger moved funds in this execution.
func (r Result) Settled() bool {
	return r.Outcome == OutcomeReleased || r.Outcome == OutcomeRefunded
}

// Notifier is told about every finished execution.
type Notifier interface {
	Notify(ctx context.Context, res Result)
}

// Executor performs admin releases and refunds. It is safe for concurrent
// use; executions for the same listing never overlap.
type Executor struct {
	ledger    Ledger
	store     Store
	claims    *syncutil.ClaimSet
	notifier  Notifier
	logger    *slog.Logger
	txTimeout time.Duration
	holder    string
}

// Option configures an Executor.
type Option func(*Executor)

// WithNotifier sets where finished executions are reported.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithTxTimeout bounds submission plus confirmation wait.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

// WithClaims shares a claim set between executors.
func WithClaims(c *syncutil.ClaimSet) Option {
	return func(e *Executor) { e.claims = c }
}

// WithHolder names this process in claim records.
func WithHolder(h string) Option {
	return func(e *Executor) { e.holder = h }
}

// NewExecutor creates an executor over ledger and store.
func NewExecutor(ledger Ledger, store Store, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		ledger:    ledger,
		store:     store,
		claims:    syncutil.NewClaimSet(),
		logger:    logger,
		txTimeout: DefaultTxTimeout,
		holder:    "executor",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// InFlight returns the number of listings currently being executed.
func (e *Executor) InFlight() int {
	return e.claims.Len()
}

// Claims lists the listings currently being executed.
func (e *Executor) Claims() []syncutil.Claim {
	return e.claims.Snapshot()
}

// Store exposes the attempt journal.
func (e *Executor) Store() Store {
	return e.store
}

// MarkPending journals that id was queued for action.
func (e *Executor) MarkPending(ctx context.Context, id uint64, action chain.Action, source Source) {
	if _, err := e.store.MarkPending(ctx, id, action, source); err != nil {
		journalErrors.Inc()
		e.logger.Warn("failed to journal pending attempt", "listingId", id, "error", err)
	}
}

// Execute settles listing id with action. It never returns an error: every
// failure is described by the Result.
func (e *Executor) Execute(ctx context.Context, id uint64, action chain.Action, source Source) Result {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "release.Execute",
		traces.ListingID(id), traces.Action(string(action)), traces.Source(string(source)))
	defer span.End()

	res := e.execute(ctx, id, action, source)

	span.SetAttributes(traces.Outcome(string(res.Outcome)))
	if res.TxHash != "" {
		span.SetAttributes(traces.TxHash(res.TxHash))
	}
	if res.Outcome == OutcomeFailed {
		traces.RecordError(span, errors.New(res.Reason))
	}
	metrics.ObserveSettlement(string(action), string(res.Outcome), string(res.Kind), time.Since(start))

	e.log(res, time.Since(start))
	if e.notifier != nil && res.Reason != ReasonInFlight {
		e.notifier.Notify(ctx, res)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, id uint64, action chain.Action, source Source) Result {
	res := Result{ListingID: id, Action: action, Source: source}

	if id == 0 {
		return failed(res, KindStructural, chain.ErrInvalidListing.Error())
	}
	if action != chain.ActionRelease && action != chain.ActionRefund {
		return failed(res, KindStructural, fmt.Sprintf("unknown action %q", action))
	}

	release, ok, _ := e.claims.TryClaim(id, e.holder)
	if !ok {
		return skipped(res, ReasonInFlight)
	}
	defer release()
	metrics.SettlementsInFlight.Inc()
	defer metrics.SettlementsInFlight.Dec()

	attempt, err := e.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrAttemptNotFound) {
			journalErrors.Inc()
			e.logger.Warn("failed to read attempt journal", "listingId", id, "error", err)
		}
		attempt = &Attempt{ListingID: id, CreatedAt: time.Now()}
	}
	if source != SourceManual && attempt.AwaitingReview(action) {
		return skipped(res, ReasonAwaitingReview)
	}

	attempt.Action = action
	attempt.Source = source
	attempt.Status = StatusInFlight
	attempt.Kind = KindNone
	attempt.AttemptCount++
	e.record(ctx, attempt)

	res = e.settle(ctx, res)
	e.finish(ctx, attempt, res)
	return res
}

// settle runs the ledger half of an execution while the claim is held.
func (e *Executor) settle(ctx context.Context, res Result) Result {
	l, err := e.ledger.GetListing(ctx, res.ListingID)
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			return failed(res, KindStructural, "listing not found")
		}
		return failed(res, KindTransient, err.Error())
	}
	res.Recipient, res.Amount = payout(l, res.Action)

	var allowed bool
	var reason string
	if res.Action == chain.ActionRelease {
		allowed, reason = listing.CanRelease(l.Status)
	} else {
		allowed, reason = listing.CanRefund(l.Status)
	}
	if !allowed {
		if l.Status.IsTerminal() {
			return skipped(res, ReasonAlreadyTerminal)
		}
		return skipped(res, reason)
	}

	// Submission and wait ignore caller cancellation; only the transaction
	// timeout applies.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.txTimeout)
	defer cancel()

	handle, err := chain.Submit(txCtx, e.ledger, res.Action, res.ListingID)
	if err != nil {
		return e.classify(txCtx, res, err)
	}
	res.TxHash = handle.Hash

	receipt, err := e.ledger.AwaitConfirmation(txCtx, handle)
	if err != nil {
		return e.classify(txCtx, res, err)
	}
	if receipt != nil && receipt.TxHash != "" {
		res.TxHash = receipt.TxHash
	}

	if res.Action == chain.ActionRelease {
		res.Outcome = OutcomeReleased
	} else {
		res.Outcome = OutcomeRefunded
	}
	return res
}

// classify maps a submission or confirmation error onto an outcome.
func (e *Executor) classify(ctx context.Context, res Result, err error) Result {
	var rev *chain.RevertError
	if !errors.As(err, &rev) {
		return failed(res, KindTransient, err.Error())
	}
	if rev.TxHash != "" {
		res.TxHash = rev.TxHash
	}
	if rev.AlreadyTerminal() {
		return skipped(res, ReasonAlreadyTerminal)
	}
	// A competing settlement may have landed first with a different revert
	// reason; the ledger's status decides.
	if l, rerr := e.ledger.GetListing(ctx, res.ListingID); rerr == nil && l.Status.IsTerminal() {
		return skipped(res, ReasonAlreadyTerminal)
	}
	return failed(res, KindStructural, rev.Reason)
}

func (e *Executor) finish(ctx context.Context, a *Attempt, res Result) {
	switch res.Outcome {
	case OutcomeReleased, OutcomeRefunded:
		a.Status = StatusSucceeded
		a.Terminal = true
		a.LastError = ""
	case OutcomeSkipped:
		a.Status = StatusSkipped
		a.Terminal = res.Reason == ReasonAlreadyTerminal
		a.LastError = res.Reason
	default:
		a.Status = StatusFailed
		a.LastError = res.Reason
	}
	a.Kind = res.Kind
	if res.TxHash != "" {
		a.TxHash = res.TxHash
	}
	// The journal write must land even if the caller went away.
	e.record(context.WithoutCancel(ctx), a)
}

func (e *Executor) record(ctx context.Context, a *Attempt) {
	a.UpdatedAt = time.Now()
	if err := e.store.Record(ctx, a); err != nil {
		journalErrors.Inc()
		e.logger.Warn("failed to journal attempt",
			"listingId", a.ListingID, "status", a.Status, "error", err)
	}
}

func (e *Executor) log(res Result, elapsed time.Duration) {
	attrs := []any{
		"listingId", res.ListingID,
		"action", res.Action,
		"source", res.Source,
		"outcome", res.Outcome,
		"durationMs", elapsed.Milliseconds(),
	}
	switch res.Outcome {
	case OutcomeReleased, OutcomeRefunded:
		e.logger.Info("settlement confirmed", append(attrs,
			"txHash", res.TxHash, "recipient", res.Recipient, "amount", res.Amount)...)
	case OutcomeSkipped:
		e.logger.Debug("settlement skipped", append(attrs, "reason", res.Reason)...)
	default:
		e.logger.Warn("settlement failed", append(attrs,
			"kind", res.Kind, "reason", res.Reason, "txHash", res.TxHash)...)
	}
}

// payout returns who receives the funds and how much.
func payout(l *listing.Listing, action chain.Action) (recipient, amount string) {
	if l.Price != nil {
		amount = l.Price.String()
	}
	if action == chain.ActionRefund {
		return l.Buyer.Hex(), amount
	}
	return l.Seller.Hex(), amount
}

func skipped(res Result, reason string) Result {
	res.Outcome = OutcomeSkipped
	res.Reason = reason
	res.Kind = KindNone
	return res
}

func failed(res Result, kind FailureKind, reason string) Result {
	res.Outcome = OutcomeFailed
	res.Kind = kind
	res.Reason = reason
	return res
}
