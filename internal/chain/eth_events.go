package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// ethSub is one live event subscription. It prefers a push subscription and
// falls back to polling FilterLogs when the endpoint cannot push or the push
// stream drops. Every catch-up resumes from the cursor block inclusive, and
// logs already delivered there are skipped by index.
type ethSub struct {
	id      SubscriptionID
	ledger  *EthLedger
	logger  *slog.Logger
	topic   common.Hash
	handler EventHandler

	cancel context.CancelFunc
	done   chan struct{}

	// cursor is the first block not known to be fully delivered; seen holds
	// the log indexes already delivered in it.
	cursor uint64
	seen   map[uint]struct{}
}

func (e *EthLedger) Subscribe(ctx context.Context, event string, handler EventHandler) (SubscriptionID, error) {
	ev, ok := e.marketABI.Events[event]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: block number: %v", ErrRPCConnection, err)
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if e.closed {
		return "", ErrLedgerClosed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id := SubscriptionID(uuid.NewString())
	s := &ethSub{
		id:      id,
		ledger:  e,
		logger:  e.logger.With("subscription", id, "event", event),
		topic:   ev.ID,
		handler: handler,
		cancel:  cancel,
		done:    make(chan struct{}),
		cursor:  head + 1,
		seen:    make(map[uint]struct{}),
	}
	e.subs[s.id] = s
	go s.run(runCtx)

	s.logger.Info("ledger subscription opened", "fromBlock", s.cursor)
	return s.id, nil
}

func (e *EthLedger) Unsubscribe(id SubscriptionID) error {
	e.subsMu.Lock()
	s, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.subsMu.Unlock()
	if !ok {
		return ErrNoSubscription
	}
	s.stop()
	return nil
}

func (s *ethSub) stop() {
	s.cancel()
	<-s.done
}

func (s *ethSub) query(from uint64, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   to,
		Addresses: []common.Address{s.ledger.marketplace},
		Topics:    [][]common.Hash{{s.topic}},
	}
}

func (s *ethSub) run(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		if err := s.push(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("ledger push subscription unavailable, polling", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		s.poll(ctx)
	}
}

// push streams logs until the subscription fails. It returns immediately if
// the endpoint does not support subscriptions. The catch-up runs once the
// stream is live so blocks mined while it was being set up are covered.
func (s *ethSub) push(ctx context.Context) error {
	logs := make(chan types.Log, 64)
	sub, err := s.ledger.client.SubscribeFilterLogs(ctx, s.query(s.cursor, nil), logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if err := s.catchUp(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case vLog := <-logs:
			s.deliver(vLog)
		}
	}
}

// poll checks for new logs on an interval. After a few rounds it returns so
// run can try the push stream again.
func (s *ethSub) poll(ctx context.Context) {
	ticker := time.NewTicker(s.ledger.logPoll)
	defer ticker.Stop()

	for rounds := 0; rounds < 20; rounds++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.catchUp(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("ledger log poll failed", "error", err)
			}
		}
	}
}

// catchUp delivers every matching log from the cursor block through the
// current head.
func (s *ethSub) catchUp(ctx context.Context) error {
	head, err := s.ledger.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if head < s.cursor {
		return nil
	}

	logs, err := s.ledger.client.FilterLogs(ctx, s.query(s.cursor, new(big.Int).SetUint64(head)))
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}
	for _, vLog := range logs {
		s.deliver(vLog)
	}
	// Blocks below head are complete; head stays the cursor in case it is
	// re-read.
	s.advance(head)
	return nil
}

func (s *ethSub) advance(block uint64) {
	if block > s.cursor {
		s.cursor = block
		s.seen = make(map[uint]struct{})
	}
}

// deliver hands vLog to the handler unless it was delivered before.
func (s *ethSub) deliver(vLog types.Log) {
	if vLog.Removed || vLog.BlockNumber < s.cursor {
		return
	}
	s.advance(vLog.BlockNumber)
	if _, dup := s.seen[vLog.Index]; dup {
		return
	}
	s.seen[vLog.Index] = struct{}{}

	ev, err := decodeBuyerConfirmed(vLog)
	if err != nil {
		s.logger.Warn("undecodable ledger log", "tx", vLog.TxHash.Hex(), "error", err)
		return
	}
	s.handler(ev)
}

// decodeBuyerConfirmed reads BuyerConfirmed(uint256 indexed listingId,
// address indexed buyer).
func decodeBuyerConfirmed(vLog types.Log) (Event, error) {
	if len(vLog.Topics) < 3 {
		return Event{}, fmt.Errorf("expected 3 topics, got %d", len(vLog.Topics))
	}
	id := new(big.Int).SetBytes(vLog.Topics[1].Bytes())
	if !id.IsUint64() {
		return Event{}, fmt.Errorf("listing id out of range: %s", id)
	}
	return Event{
		Name:        EventBuyerConfirmed,
		ListingID:   id.Uint64(),
		Buyer:       common.BytesToAddress(vLog.Topics[2].Bytes()),
		TxHash:      vLog.TxHash.Hex(),
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
	}, nil
}
