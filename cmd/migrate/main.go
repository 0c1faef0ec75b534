// Command migrate applies the escrow service schema.
//
// Usage:
//
//	migrate up | down | status | version | redo | up-to <v> | down-to <v>
//
// DATABASE_URL is read from the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/voucherescrow/internal/logging"
	"github.com/mbd888/voucherescrow/migrations"
)

const usage = "usage: migrate up | down | status | version | redo | up-to <version> | down-to <version>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dsn, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", os.Args[1])
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
