package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists alert deliveries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed delivery store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const deliveryColumns = `id, transaction_id, channel, recipient_id, message, status,
	attempts, last_error, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.TransactionID, d.Channel, d.RecipientID, d.Message, string(d.Status),
		d.Attempts, d.LastError, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, d *Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_deliveries
		SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $1`,
		d.ID, string(d.Status), d.Attempts, d.LastError, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(r rowScanner) (*Delivery, error) {
	var d Delivery
	if err := r.Scan(&d.ID, &d.TransactionID, &d.Channel, &d.RecipientID, &d.Message, &d.Status,
		&d.Attempts, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM alert_deliveries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM alert_deliveries
		WHERE transaction_id = $1
		ORDER BY created_at, channel`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := []*Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
