package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/voucherescrow/internal/circuitbreaker"
	"github.com/mbd888/voucherescrow/internal/listing"
	"github.com/mbd888/voucherescrow/internal/retry"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// marketplaceABI covers the listing registry: reads and the confirmation
// event.
const marketplaceABI = `[
	{"inputs":[{"name":"listingId","type":"uint256"}],"name":"listings","outputs":[{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"price","type":"uint256"},{"name":"value","type":"uint256"},{"name":"expiry","type":"uint64"},{"name":"status","type":"uint8"},{"name":"metadataURI","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"nextListingId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"listingId","type":"uint256"},{"indexed":true,"name":"buyer","type":"address"}],"name":"BuyerConfirmed","type":"event"}
]`

// escrowABI covers the fund holder: its admin and the admin-only settlement
// calls.
const escrowABI = `[
	{"inputs":[],"name":"admin","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"listingId","type":"uint256"}],"name":"adminRelease","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"listingId","type":"uint256"}],"name":"adminRefund","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails without a revert.
	DefaultGasLimit = uint64(200000)

	DefaultReceiptPollInterval = 2 * time.Second
	DefaultLogPollInterval     = 15 * time.Second
)

var readPolicy = retry.Policy{Attempts: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}

// EthConfig configures an EthLedger.
type EthConfig struct {
	RPCURL              string
	PrivateKey          string // hex, with or without 0x
	ChainID             int64  // 0 = ask the node
	MarketplaceContract string
	EscrowContract      string
	Confirmations       uint64
	ReceiptPollInterval time.Duration
	LogPollInterval     time.Duration
}

// EthOption configures an EthLedger.
type EthOption func(*EthLedger)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) EthOption {
	return func(e *EthLedger) {
		e.client = client
	}
}

// WithBreaker sets the circuit breaker guarding RPC reads.
func WithBreaker(b *circuitbreaker.Breaker) EthOption {
	return func(e *EthLedger) {
		e.breaker = b
	}
}

// WithLogger sets the logger for subscription and polling messages.
func WithLogger(l *slog.Logger) EthOption {
	return func(e *EthLedger) {
		e.logger = l
	}
}

// EthLedger talks to the marketplace and escrow contracts over JSON-RPC.
type EthLedger struct {
	client        EthClient
	endpoint      string
	privateKey    *ecdsa.PrivateKey
	signer        common.Address
	chainID       *big.Int
	marketplace   common.Address
	escrow        common.Address
	marketABI     abi.ABI
	escrowABI     abi.ABI
	confirmations uint64
	receiptPoll   time.Duration
	logPoll       time.Duration
	breaker       *circuitbreaker.Breaker
	logger        *slog.Logger

	// sendMu serializes nonce allocation and broadcast for the shared signer.
	sendMu    sync.Mutex
	nextNonce uint64
	haveNonce bool

	subsMu sync.Mutex
	subs   map[SubscriptionID]*ethSub
	closed bool
}

var _ Ledger = (*EthLedger)(nil)

// NewEthLedger parses the key and ABIs and dials the node unless a client is
// supplied.
func NewEthLedger(ctx context.Context, cfg EthConfig, opts ...EthOption) (*EthLedger, error) {
	if err := validateEthConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidKey)
	}

	marketABI, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace ABI: %w", err)
	}
	escABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	e := &EthLedger{
		endpoint:      cfg.RPCURL,
		privateKey:    privateKey,
		signer:        crypto.PubkeyToAddress(*publicKey),
		marketplace:   common.HexToAddress(cfg.MarketplaceContract),
		escrow:        common.HexToAddress(cfg.EscrowContract),
		marketABI:     marketABI,
		escrowABI:     escABI,
		confirmations: cfg.Confirmations,
		receiptPoll:   cfg.ReceiptPollInterval,
		logPoll:       cfg.LogPollInterval,
		subs:          make(map[SubscriptionID]*ethSub),
	}
	if e.confirmations == 0 {
		e.confirmations = 1
	}
	if e.receiptPoll <= 0 {
		e.receiptPoll = DefaultReceiptPollInterval
	}
	if e.logPoll <= 0 {
		e.logPoll = DefaultLogPollInterval
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.breaker == nil {
		e.breaker = circuitbreaker.New(circuitbreaker.Config{
			Threshold: 5,
			Cooldown:  30 * time.Second,
			Counts:    isOutage,
		})
	}

	if e.client == nil {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	if cfg.ChainID != 0 {
		e.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := e.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %v", ErrRPCConnection, err)
		}
		e.chainID = id
	}

	return e, nil
}

func validateEthConfig(cfg EthConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if key == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidKey)
	}
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidKey)
	}
	if !common.IsHexAddress(cfg.MarketplaceContract) {
		return fmt.Errorf("%w: marketplace %q", ErrInvalidContract, cfg.MarketplaceContract)
	}
	if !common.IsHexAddress(cfg.EscrowContract) {
		return fmt.Errorf("%w: escrow %q", ErrInvalidContract, cfg.EscrowContract)
	}
	return nil
}

func (e *EthLedger) SignerAddress() common.Address { return e.signer }

// Endpoint returns the RPC URL without userinfo or query string.
func (e *EthLedger) Endpoint() string {
	u := e.endpoint
	if i := strings.Index(u, "?"); i >= 0 {
		u = u[:i]
	}
	if i := strings.Index(u, "://"); i >= 0 {
		if at := strings.LastIndex(u[i+3:], "@"); at >= 0 {
			u = u[:i+3] + u[i+3+at+1:]
		}
	}
	return u
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

type listingTuple struct {
	Seller      common.Address
	Buyer       common.Address
	Price       *big.Int
	Value       *big.Int
	Expiry      uint64
	Status      uint8
	MetadataURI string
}

func (e *EthLedger) GetListing(ctx context.Context, id uint64) (*listing.Listing, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListing, id)
	}
	data, err := e.marketABI.Pack("listings", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to pack listings call: %w", err)
	}
	out, err := e.call(ctx, "listings", e.marketplace, data)
	if err != nil {
		return nil, err
	}

	var tuple listingTuple
	if err := e.marketABI.UnpackIntoInterface(&tuple, "listings", out); err != nil {
		return nil, fmt.Errorf("failed to unpack listing %d: %w", id, err)
	}

	status := listing.Status(tuple.Status)
	if status == listing.StatusNone && tuple.Seller == (common.Address{}) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	l := &listing.Listing{
		ID:          id,
		Seller:      tuple.Seller,
		Buyer:       tuple.Buyer,
		Price:       tuple.Price,
		Value:       tuple.Value,
		Status:      status,
		MetadataRef: tuple.MetadataURI,
	}
	if tuple.Expiry > 0 {
		l.Expiry = time.Unix(int64(tuple.Expiry), 0).UTC() //nolint:gosec // contract timestamps fit in int64
	}
	return l, nil
}

func (e *EthLedger) NextID(ctx context.Context) (uint64, error) {
	data, err := e.marketABI.Pack("nextListingId")
	if err != nil {
		return 0, fmt.Errorf("failed to pack nextListingId call: %w", err)
	}
	out, err := e.call(ctx, "nextListingId", e.marketplace, data)
	if err != nil {
		return 0, err
	}
	vals, err := e.marketABI.Unpack("nextListingId", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("failed to unpack nextListingId: %v", err)
	}
	next, ok := vals[0].(*big.Int)
	if !ok || !next.IsUint64() {
		return 0, fmt.Errorf("nextListingId out of range: %v", vals[0])
	}
	return next.Uint64(), nil
}

func (e *EthLedger) AdminAddress(ctx context.Context) (common.Address, error) {
	data, err := e.escrowABI.Pack("admin")
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack admin call: %w", err)
	}
	out, err := e.call(ctx, "admin", e.escrow, data)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := e.escrowABI.Unpack("admin", out)
	if err != nil || len(vals) != 1 {
		return common.Address{}, fmt.Errorf("failed to unpack admin: %v", err)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected admin type %T", vals[0])
	}
	return addr, nil
}

// Breakers reports the read circuit state per contract method.
func (e *EthLedger) Breakers() []circuitbreaker.KeyState {
	return e.breaker.Snapshot()
}

// isOutage reports whether a read error says the node is unhealthy rather
// than that the contract rejected the call.
func isOutage(err error) bool {
	var rev *RevertError
	return !errors.As(err, &rev)
}

// call performs a read-only contract call with retries, guarded by the
// circuit breaker keyed on the method name. Reverts do not trip the circuit.
func (e *EthLedger) call(ctx context.Context, method string, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := e.breaker.Do(method, func() error {
		return readPolicy.Do(ctx, func(ctx context.Context) error {
			res, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
			if err != nil {
				if reason, ok := revertReason(err); ok {
					return retry.Permanent(&RevertError{Reason: reason})
				}
				return err
			}
			out = res
			return nil
		})
	})
	var rev *RevertError
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		return nil, fmt.Errorf("%w: %s", ErrRPCUnavailable, method)
	case errors.As(err, &rev):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %s: %v", ErrRPCConnection, method, err)
	}
}

// -----------------------------------------------------------------------------
// Writes
// -----------------------------------------------------------------------------

// TxError wraps submission failures with the step that failed.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func (e *EthLedger) SubmitRelease(ctx context.Context, id uint64) (*TxHandle, error) {
	return e.submit(ctx, ActionRelease, id)
}

func (e *EthLedger) SubmitRefund(ctx context.Context, id uint64) (*TxHandle, error) {
	return e.submit(ctx, ActionRefund, id)
}

func (e *EthLedger) packAdmin(action Action, id uint64) ([]byte, error) {
	method := "adminRelease"
	if action == ActionRefund {
		method = "adminRefund"
	}
	return e.escrowABI.Pack(method, new(big.Int).SetUint64(id))
}

func (e *EthLedger) submit(ctx context.Context, action Action, id uint64) (*TxHandle, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidListing, id)
	}
	data, err := e.packAdmin(action, id)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := e.client.PendingNonceAt(ctx, e.signer)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}
	if e.haveNonce && e.nextNonce > nonce {
		nonce = e.nextNonce
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: err}
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.signer,
		To:    &e.escrow,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert during estimation is the ledger's definitive answer.
		if reason, ok := revertReason(err); ok {
			return nil, &RevertError{Reason: reason}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.escrow, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.privateKey)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	e.nextNonce = nonce + 1
	e.haveNonce = true

	return &TxHandle{
		Hash:        signedTx.Hash().Hex(),
		ListingID:   id,
		Action:      action,
		Nonce:       nonce,
		SubmittedAt: time.Now(),
	}, nil
}

// AwaitConfirmation polls for the receipt until it is buried under the
// configured number of confirmations. The caller bounds the wait with ctx.
func (e *EthLedger) AwaitConfirmation(ctx context.Context, handle *TxHandle) (*Receipt, error) {
	if handle == nil {
		return nil, fmt.Errorf("chain: nil transaction handle")
	}
	hash := common.HexToHash(handle.Hash)

	ticker := time.NewTicker(e.receiptPoll)
	defer ticker.Stop()

	var mined *types.Receipt
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, handle.Hash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			if mined == nil {
				receipt, err := e.client.TransactionReceipt(ctx, hash)
				if err != nil {
					// Not yet mined.
					continue
				}
				if receipt.Status == types.ReceiptStatusFailed {
					return nil, &RevertError{
						TxHash: handle.Hash,
						Reason: e.replayRevert(ctx, handle, receipt.BlockNumber),
					}
				}
				mined = receipt
			}

			head, err := e.client.BlockNumber(ctx)
			if err != nil {
				continue
			}
			minedAt := mined.BlockNumber.Uint64()
			if head < minedAt {
				continue
			}
			depth := head - minedAt + 1
			if depth < e.confirmations {
				continue
			}
			return &Receipt{
				TxHash:        handle.Hash,
				BlockNumber:   minedAt,
				GasUsed:       mined.GasUsed,
				Confirmations: depth,
			}, nil
		}
	}
}

// replayRevert re-executes a failed transaction as a call against the block
// it was mined in to recover the revert reason.
func (e *EthLedger) replayRevert(ctx context.Context, handle *TxHandle, block *big.Int) string {
	data, err := e.packAdmin(handle.Action, handle.ListingID)
	if err != nil {
		return "execution reverted"
	}
	_, err = e.client.CallContract(ctx, ethereum.CallMsg{
		From: e.signer,
		To:   &e.escrow,
		Data: data,
	}, block)
	if err == nil {
		return "execution reverted"
	}
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return "execution reverted"
}

// revertReason extracts the reason from a JSON-RPC revert. Node errors such
// as throttling or missing state also carry error data, so only an
// Error(string) payload or an "execution reverted" message counts.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	const marker = "execution reverted"
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	if reason, ok := strings.CutPrefix(msg[i+len(marker):], ": "); ok && reason != "" {
		return reason, true
	}
	return marker, true
}

// Close stops every subscription and closes the RPC client.
func (e *EthLedger) Close() error {
	e.subsMu.Lock()
	subs := make([]*ethSub, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.subs = make(map[SubscriptionID]*ethSub)
	e.closed = true
	e.subsMu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	if e.client != nil {
		e.client.Close()
	}
	return nil
}
