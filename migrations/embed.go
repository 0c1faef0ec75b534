// Package migrations embeds the goose SQL migrations so binaries and tests
// do not depend on the working directory.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration.
//
//go:embed *.sql
var FS embed.FS

var (
	setupOnce sync.Once
	setupErr  error
)

// Setup points goose at the embedded files and the postgres dialect.
func Setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against the embedded migrations.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
