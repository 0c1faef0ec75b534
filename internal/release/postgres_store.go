package release

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/mbd888/voucherescrow/internal/chain"
)

// PostgresStore persists the attempt journal in PostgreSQL so a restarted
// instance keeps failure history. The table is created by migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed journal.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const attemptColumns = `listing_id, action, status, kind, source, attempt_count,
		       last_error, tx_hash, terminal, created_at, updated_at`

func (p *PostgresStore) Record(ctx context.Context, a *Attempt) error {
	if err := validateAttempt(a); err != nil {
		return err
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO release_attempts (
			listing_id, action, status, kind, source, attempt_count,
			last_error, tx_hash, terminal, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (listing_id) DO UPDATE SET
			action        = EXCLUDED.action,
			status        = EXCLUDED.status,
			kind          = EXCLUDED.kind,
			source        = EXCLUDED.source,
			attempt_count = EXCLUDED.attempt_count,
			last_error    = EXCLUDED.last_error,
			tx_hash       = EXCLUDED.tx_hash,
			terminal      = EXCLUDED.terminal,
			updated_at    = EXCLUDED.updated_at`,
		int64(a.ListingID), string(a.Action), string(a.Status), string(a.Kind), string(a.Source), //nolint:gosec // ids fit BIGINT
		a.AttemptCount, a.LastError, a.TxHash, a.Terminal, updated,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, listingID uint64) (*Attempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM release_attempts WHERE listing_id = $1`,
		int64(listingID)) //nolint:gosec // ids fit BIGINT
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	return a, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM release_attempts WHERE TRUE`
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if f.After != nil {
		args = append(args, f.After.At, f.After.ID)
		at, id := strconv.Itoa(len(args)-1), strconv.Itoa(len(args))
		query += ` AND (updated_at < $` + at + ` OR (updated_at = $` + at + ` AND listing_id > $` + id + `))`
	}
	args = append(args, f.limit())
	query += ` ORDER BY updated_at DESC, listing_id LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkPending(ctx context.Context, listingID uint64, action chain.Action, source Source) (bool, error) {
	if listingID == 0 {
		return false, ErrInvalidAttempt
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO release_attempts (listing_id, action, status, source)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (listing_id) DO UPDATE SET
			action     = EXCLUDED.action,
			status     = 'pending',
			source     = EXCLUDED.source,
			updated_at = NOW()
		WHERE release_attempts.status NOT IN ('in_flight', 'succeeded')
		  AND NOT release_attempts.terminal
		  AND NOT (release_attempts.status = 'failed'
		           AND release_attempts.kind = 'structural'
		           AND release_attempts.action = EXCLUDED.action)`,
		int64(listingID), string(action), string(source)) //nolint:gosec // ids fit BIGINT
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) Compact(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM release_attempts WHERE terminal AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	a := &Attempt{}
	var id int64
	var action, status, kind, source string
	if err := row.Scan(
		&id, &action, &status, &kind, &source, &a.AttemptCount,
		&a.LastError, &a.TxHash, &a.Terminal, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.ListingID = uint64(id) //nolint:gosec // CHECK (listing_id > 0)
	a.Action = chain.Action(action)
	a.Status = AttemptStatus(status)
	a.Kind = FailureKind(kind)
	a.Source = Source(source)
	return a, nil
}
