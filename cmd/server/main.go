// Voucher escrow reconciliation service
package main

import (
	"context"
	"os"

	"github.com/mbd888/voucherescrow/internal/config"
	"github.com/mbd888/voucherescrow/internal/logging"
	"github.com/mbd888/voucherescrow/internal/server"
	"github.com/mbd888/voucherescrow/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closer := logging.NewWithOptions(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer func() { _ = closer.Close() }()

	logger.Info("starting voucher escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"ledger_mode", cfg.Escrow.LedgerMode,
		"chain_id", cfg.Escrow.ChainID,
		"marketplace_contract", cfg.Escrow.MarketplaceContract,
		"escrow_contract", cfg.Escrow.EscrowContract,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Setup(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRate,
		Version:     Version,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
