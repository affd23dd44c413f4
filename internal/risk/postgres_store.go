package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/sentinel/internal/pagination"
)

// PostgresStore persists risk decisions in PostgreSQL. The transaction ID
// is the primary key, which enforces one decision per transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed decision store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const decisionColumns = `transaction_id, id, sender_id, recipient_id, score, tier, outcome,
	mfa_required, confidence, offline, sub_scores, factors, triggered_rules, evaluated_at`

func (s *PostgresStore) Record(ctx context.Context, d *Decision) error {
	subJSON, err := json.Marshal(d.SubScores)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-scores: %w", err)
	}
	factorsJSON, err := json.Marshal(d.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (transaction_id) DO NOTHING`,
		d.TransactionID, d.ID, d.SenderID, d.RecipientID, d.Score, string(d.Tier), string(d.Outcome),
		d.MFARequired, d.Confidence, d.Offline, subJSON, factorsJSON, pq.Array(d.TriggeredRules), d.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record risk decision: %w", err)
	}
	if n == 0 {
		return ErrDecisionExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(r rowScanner) (*Decision, error) {
	var (
		d           Decision
		subJSON     []byte
		factorsJSON []byte
		rules       pq.StringArray
	)
	err := r.Scan(&d.TransactionID, &d.ID, &d.SenderID, &d.RecipientID, &d.Score, &d.Tier, &d.Outcome,
		&d.MFARequired, &d.Confidence, &d.Offline, &subJSON, &factorsJSON, &rules, &d.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(subJSON, &d.SubScores); err != nil {
		return nil, fmt.Errorf("decode sub-scores: %w", err)
	}
	if err := json.Unmarshal(factorsJSON, &d.Factors); err != nil {
		return nil, fmt.Errorf("decode factors: %w", err)
	}
	d.TriggeredRules = append([]string{}, rules...)
	d.EvaluatedAt = d.EvaluatedAt.UTC()
	return &d, nil
}

func (s *PostgresStore) Get(ctx context.Context, transactionID string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM risk_decisions WHERE transaction_id = $1`, transactionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk decision: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, before *pagination.Cursor, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+decisionColumns+`
			FROM risk_decisions
			ORDER BY evaluated_at DESC, transaction_id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+decisionColumns+`
			FROM risk_decisions
			WHERE (evaluated_at, transaction_id) < ($1, $2)
			ORDER BY evaluated_at DESC, transaction_id DESC
			LIMIT $3`, before.At, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list risk decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk decision: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
