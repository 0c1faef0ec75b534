package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/mbd888/voucherescrow/internal/listing"
)

// Revert reasons produced by the simulated marketplace.
const (
	RevertNotAdmin        = "caller is not admin"
	RevertAlreadyTerminal = "listing already terminal"
	RevertInvalidStatus   = "invalid status for action"
	RevertUnknownListing  = "listing does not exist"
)

type memTx struct {
	handle  TxHandle
	block   uint64
	revert  string
	settled time.Time
}

type memSub struct {
	id      SubscriptionID
	event   string
	handler EventHandler
}

// MemoryLedger is an in-process simulation of the marketplace and escrow
// contracts. Transactions are mined on submission; AwaitConfirmation reports
// the recorded outcome. Participant methods drive listings through the
// lifecycle and emit the same events the real contracts do.
type MemoryLedger struct {
	mu       sync.Mutex
	listings map[uint64]*listing.Listing
	nextID   uint64
	admin    common.Address
	signer   common.Address
	nonce    uint64
	block    uint64
	txs      map[string]*memTx
	subs     map[SubscriptionID]*memSub
	releases map[uint64]int
	refunds  map[uint64]int
	faults   map[string]*fault
	closed   bool

	// deliverMu keeps event deliveries in emission order.
	deliverMu sync.Mutex
}

type fault struct {
	err   error
	times int
}

// Fault injection points.
const (
	OpGetListing = "get_listing"
	OpNextID     = "next_id"
	OpAdmin      = "admin"
	OpSubmit     = "submit"
	OpAwait      = "await"
)

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates a simulated ledger whose contracts are administered
// by admin and whose transactions are signed by signer.
func NewMemoryLedger(admin, signer common.Address) *MemoryLedger {
	return &MemoryLedger{
		listings: make(map[uint64]*listing.Listing),
		nextID:   1,
		admin:    admin,
		signer:   signer,
		txs:      make(map[string]*memTx),
		subs:     make(map[SubscriptionID]*memSub),
		releases: make(map[uint64]int),
		refunds:  make(map[uint64]int),
		faults:   make(map[string]*fault),
	}
}

// InjectFault makes the next n calls of op fail with err.
func (m *MemoryLedger) InjectFault(op string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		delete(m.faults, op)
		return
	}
	m.faults[op] = &fault{err: err, times: n}
}

// takeFault must be called with m.mu held.
func (m *MemoryLedger) takeFault(op string) error {
	f, ok := m.faults[op]
	if !ok {
		return nil
	}
	f.times--
	if f.times <= 0 {
		delete(m.faults, op)
	}
	return f.err
}

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

func (m *MemoryLedger) GetListing(_ context.Context, id uint64) (*listing.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrLedgerClosed
	}
	if err := m.takeFault(OpGetListing); err != nil {
		return nil, err
	}
	l, ok := m.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return l.Clone(), nil
}

func (m *MemoryLedger) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrLedgerClosed
	}
	if err := m.takeFault(OpNextID); err != nil {
		return 0, err
	}
	return m.nextID, nil
}

func (m *MemoryLedger) AdminAddress(_ context.Context) (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return common.Address{}, ErrLedgerClosed
	}
	if err := m.takeFault(OpAdmin); err != nil {
		return common.Address{}, err
	}
	return m.admin, nil
}

// -----------------------------------------------------------------------------
// Submitter
// -----------------------------------------------------------------------------

func (m *MemoryLedger) SubmitRelease(ctx context.Context, id uint64) (*TxHandle, error) {
	return m.submit(ctx, ActionRelease, id)
}

func (m *MemoryLedger) SubmitRefund(ctx context.Context, id uint64) (*TxHandle, error) {
	return m.submit(ctx, ActionRefund, id)
}

func (m *MemoryLedger) submit(ctx context.Context, action Action, id uint64) (*TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrLedgerClosed
	}
	if err := m.takeFault(OpSubmit); err != nil {
		return nil, err
	}

	nonce := m.nonce
	m.nonce++
	m.block++

	handle := TxHandle{
		Hash:        txHash(m.signer, nonce),
		ListingID:   id,
		Action:      action,
		Nonce:       nonce,
		SubmittedAt: time.Now(),
	}
	tx := &memTx{handle: handle, block: m.block, settled: time.Now()}
	tx.revert = m.applyAdmin(action, id)
	m.txs[handle.Hash] = tx

	h := handle
	return &h, nil
}

// applyAdmin executes an admin call and returns the revert reason, if any.
// Caller must hold m.mu.
func (m *MemoryLedger) applyAdmin(action Action, id uint64) string {
	if m.signer != m.admin {
		return RevertNotAdmin
	}
	l, ok := m.listings[id]
	if !ok {
		return RevertUnknownListing
	}
	if l.Status.IsTerminal() {
		return RevertAlreadyTerminal
	}

	var target listing.Status
	switch action {
	case ActionRelease:
		target = listing.StatusReleased
	case ActionRefund:
		target = listing.StatusRefunded
	default:
		return RevertInvalidStatus
	}
	if err := listing.CanTransition(l.Status, target); err != nil {
		return RevertInvalidStatus
	}

	l.Status = target
	if action == ActionRelease {
		m.releases[id]++
	} else {
		m.refunds[id]++
	}
	return ""
}

func (m *MemoryLedger) AwaitConfirmation(ctx context.Context, handle *TxHandle) (*Receipt, error) {
	if handle == nil {
		return nil, fmt.Errorf("chain: nil transaction handle")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, handle.Hash)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(OpAwait); err != nil {
		return nil, err
	}
	tx, ok := m.txs[handle.Hash]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tx %s", ErrTimeout, handle.Hash)
	}
	if tx.revert != "" {
		return nil, &RevertError{TxHash: handle.Hash, Reason: tx.revert}
	}
	return &Receipt{
		TxHash:        handle.Hash,
		BlockNumber:   tx.block,
		GasUsed:       21000,
		Confirmations: m.block - tx.block + 1,
	}, nil
}

// -----------------------------------------------------------------------------
// Subscriber
// -----------------------------------------------------------------------------

func (m *MemoryLedger) Subscribe(_ context.Context, event string, handler EventHandler) (SubscriptionID, error) {
	if event != EventBuyerConfirmed {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrLedgerClosed
	}
	id := SubscriptionID(uuid.NewString())
	m.subs[id] = &memSub{id: id, event: event, handler: handler}
	return id, nil
}

func (m *MemoryLedger) Unsubscribe(id SubscriptionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNoSubscription
	}
	delete(m.subs, id)
	return nil
}

// Emit delivers ev to every matching subscriber. Participant methods call it
// after state changes; tests call it directly to replay or fabricate events.
func (m *MemoryLedger) Emit(ev Event) {
	m.mu.Lock()
	var handlers []EventHandler
	for _, s := range m.subs {
		if s.event == ev.Name {
			handlers = append(handlers, s.handler)
		}
	}
	if ev.BlockNumber == 0 {
		ev.BlockNumber = m.block
	}
	m.mu.Unlock()

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (m *MemoryLedger) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemoryLedger) SignerAddress() common.Address { return m.signer }

func (m *MemoryLedger) Endpoint() string { return "memory://marketplace" }

func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[SubscriptionID]*memSub)
	return nil
}

// -----------------------------------------------------------------------------
// Participant actions
// -----------------------------------------------------------------------------

// CreateListing records a new Listed voucher offer and returns its id.
func (m *MemoryLedger) CreateListing(seller common.Address, price, value *big.Int, expiry time.Time, metadataRef string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.block++
	m.listings[id] = &listing.Listing{
		ID:          id,
		Seller:      seller,
		Price:       new(big.Int).Set(price),
		Value:       new(big.Int).Set(value),
		Expiry:      expiry,
		Status:      listing.StatusListed,
		MetadataRef: metadataRef,
	}
	return id
}

// Lock records the buyer's funds against a listed offer.
func (m *MemoryLedger) Lock(id uint64, buyer common.Address) error {
	return m.advance(id, listing.StatusLocked, func(l *listing.Listing) { l.Buyer = buyer })
}

// Reveal marks the voucher as revealed by the seller.
func (m *MemoryLedger) Reveal(id uint64) error {
	return m.advance(id, listing.StatusRevealed, nil)
}

// Confirm records the buyer's confirmation and emits BuyerConfirmed.
func (m *MemoryLedger) Confirm(id uint64) error {
	if err := m.advance(id, listing.StatusBuyerConfirmed, nil); err != nil {
		return err
	}
	m.mu.Lock()
	ev := Event{Name: EventBuyerConfirmed, ListingID: id, Buyer: m.listings[id].Buyer, BlockNumber: m.block}
	m.mu.Unlock()
	m.Emit(ev)
	return nil
}

// ConfirmSilently records the buyer's confirmation without emitting an event,
// as if the event was missed by every subscriber.
func (m *MemoryLedger) ConfirmSilently(id uint64) error {
	return m.advance(id, listing.StatusBuyerConfirmed, nil)
}

// Dispute records the buyer's dispute.
func (m *MemoryLedger) Dispute(id uint64) error {
	return m.advance(id, listing.StatusBuyerDisputed, nil)
}

// Escalate moves a confirmed or disputed listing to admin review.
func (m *MemoryLedger) Escalate(id uint64) error {
	return m.advance(id, listing.StatusAwaitingAdmin, nil)
}

// Cancel withdraws an unlocked listing.
func (m *MemoryLedger) Cancel(id uint64) error {
	return m.advance(id, listing.StatusCancelled, nil)
}

func (m *MemoryLedger) advance(id uint64, to listing.Status, mutate func(*listing.Listing)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err := listing.CanTransition(l.Status, to); err != nil {
		return &RevertError{Reason: err.Error()}
	}
	if mutate != nil {
		mutate(l)
	}
	l.Status = to
	m.block++
	return nil
}

// SetAdmin replaces the recorded contract admin.
func (m *MemoryLedger) SetAdmin(admin common.Address) {
	m.mu.Lock()
	m.admin = admin
	m.mu.Unlock()
}

// ReleaseCount returns how many successful release transactions were mined
// for id.
func (m *MemoryLedger) ReleaseCount(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases[id]
}

// RefundCount returns how many successful refund transactions were mined for
// id.
func (m *MemoryLedger) RefundCount(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunds[id]
}

// SubmittedCount returns the number of transactions submitted, reverted
// ones included.
func (m *MemoryLedger) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func txHash(signer common.Address, nonce uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Keccak256Hash(signer.Bytes(), buf[:]).Hex()
}
