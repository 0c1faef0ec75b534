package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/voucherescrow/internal/chain"
	"github.com/mbd888/voucherescrow/internal/config"
	"github.com/mbd888/voucherescrow/internal/logging"
)

// LedgerOpener connects to the ledger described by cfg.
type LedgerOpener func(ctx context.Context, cfg config.EscrowConfig) (chain.Ledger, error)

// OpenLedger dials the contracts, or builds an in-process ledger administered
// by the configured key when cfg selects memory mode. The ledger logs through
// the logger carried by ctx.
func OpenLedger(ctx context.Context, cfg config.EscrowConfig) (chain.Ledger, error) {
	if cfg.IsMemory() {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chain.ErrInvalidKey, err)
		}
		signer := crypto.PubkeyToAddress(key.PublicKey)
		return chain.NewMemoryLedger(signer, signer), nil
	}

	return chain.NewEthLedger(ctx, chain.EthConfig{
		RPCURL:              cfg.RPCURL,
		PrivateKey:          cfg.PrivateKey,
		ChainID:             cfg.ChainID,
		MarketplaceContract: cfg.MarketplaceContract,
		EscrowContract:      cfg.EscrowContract,
		Confirmations:       cfg.Confirmations,
		ReceiptPollInterval: cfg.ReceiptPollInterval,
		LogPollInterval:     cfg.LogPollInterval,
	}, chain.WithLogger(logging.FromContext(ctx).With("component", "ledger")))
}
