package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore keeps subscriptions in the webhook_subscriptions table.
// Event types are stored as a TEXT[] so GetByEvent can use the GIN index.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db. Migrations must already have run.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSubscriptions = `
	SELECT id, url, secret, events, active, created_at,
	       last_success, COALESCE(last_error, ''), consecutive_failures
	FROM webhook_subscriptions`

func eventNames(events []EventType) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = string(e)
	}
	return names
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (id, url, secret, events, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(eventNames(sub.Events)), sub.Active, sub.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("webhooks: subscription %s already exists", sub.ID)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	subs, err := p.query(ctx, selectSubscriptions+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, selectSubscriptions+` ORDER BY created_at, id`)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	return p.query(ctx, selectSubscriptions+` WHERE active AND events @> $1 ORDER BY created_at, id`,
		pq.Array([]string{string(eventType)}))
}

// Update persists delivery bookkeeping. URL, secret and events are immutable
// after Create.
func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_subscriptions
		 SET active = $2, last_success = $3, last_error = NULLIF($4, ''), consecutive_failures = $5
		 WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
	return affectedOne(res, err)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		var (
			sub         Subscription
			events      pq.StringArray
			lastSuccess sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
			&lastSuccess, &sub.LastError, &sub.ConsecutiveFailures); err != nil {
			return nil, err
		}
		sub.Events = make([]EventType, len(events))
		for i, e := range events {
			sub.Events[i] = EventType(e)
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time
			sub.LastSuccess = &t
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}
