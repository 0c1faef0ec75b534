// Package testutil holds Postgres fixtures for store and lock tests and a
// scripted JSON-RPC node for ledger tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"

	"github.com/mbd888/voucherescrow/migrations"
)

// Tables are the service tables emptied around every test.
var Tables = []string{"release_attempts", "webhook_subscriptions"}

var (
	migrateOnce sync.Once
	migrateErr  error
)

// PGTest connects to POSTGRES_URL, applies the embedded migrations once per
// test binary and empties the service tables before and after t. The test
// is skipped when POSTGRES_URL is unset.
func PGTest(t testing.TB) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}

	migrateOnce.Do(func() { migrateErr = migrations.Up(ctx, db) })
	if migrateErr != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", migrateErr)
	}

	if err := Truncate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: truncate: %v", err)
	}
	t.Cleanup(func() {
		_ = Truncate(ctx, db)
		_ = db.Close()
	})
	return db
}

// Truncate empties the service tables.
func Truncate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(Tables, ", ")) // #nosec G202 -- fixed table list
	return err
}
