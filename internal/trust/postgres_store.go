package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresHistoryStore persists transaction edges in PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

// NewPostgresHistoryStore creates a PostgreSQL-backed history store.
func NewPostgresHistoryStore(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

func (s *PostgresHistoryStore) RecordEdge(ctx context.Context, e Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_history (transaction_id, from_id, to_id, amount, succeeded, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO NOTHING`,
		e.TransactionID, e.From, e.To, e.Amount, e.Succeeded, e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record edge: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) Edges(ctx context.Context, entityID string, limit int) ([]Edge, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, from_id, to_id, amount, succeeded, occurred_at
		FROM transaction_history
		WHERE from_id = $1 OR to_id = $1
		ORDER BY occurred_at DESC, transaction_id DESC
		LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.TransactionID, &e.From, &e.To, &e.Amount, &e.Succeeded, &e.At); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.At = e.At.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresHistoryStore) Entities(ctx context.Context) ([]EntityRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bool_or(sent) FROM (
			SELECT from_id AS id, TRUE AS sent FROM transaction_history
			UNION ALL
			SELECT to_id AS id, FALSE AS sent FROM transaction_history
		) t
		GROUP BY id
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EntityRef
	for rows.Next() {
		var (
			ref  EntityRef
			sent bool
		)
		if err := rows.Scan(&ref.ID, &sent); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		ref.Role = RoleRecipient
		if sent {
			ref.Role = RoleSender
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// PostgresScoreStore persists current trust scores in PostgreSQL.
type PostgresScoreStore struct {
	db *sql.DB
}

// NewPostgresScoreStore creates a PostgreSQL-backed score store.
func NewPostgresScoreStore(db *sql.DB) *PostgresScoreStore {
	return &PostgresScoreStore{db: db}
}

const scoreColumns = `entity_id, role, score, tier, history, community, behavioral, network, verification, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(r rowScanner) (*Score, error) {
	var sc Score
	err := r.Scan(&sc.EntityID, &sc.Role, &sc.Score, &sc.Tier,
		&sc.Breakdown.History, &sc.Breakdown.Community, &sc.Breakdown.Behavioral,
		&sc.Breakdown.Network, &sc.Breakdown.Verification, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return &sc, nil
}

func (s *PostgresScoreStore) Get(ctx context.Context, entityID string) (*Score, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM trust_scores WHERE entity_id = $1`, entityID)
	sc, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trust score: %w", err)
	}
	return sc, nil
}

func (s *PostgresScoreStore) GetMany(ctx context.Context, entityIDs []string) (map[string]*Score, error) {
	out := make(map[string]*Score, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM trust_scores WHERE entity_id = ANY($1)`, pq.Array(entityIDs))
	if err != nil {
		return nil, fmt.Errorf("get trust scores: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trust score: %w", err)
		}
		out[sc.EntityID] = sc
	}
	return out, rows.Err()
}

// Put upserts sc unless a newer record is already stored.
func (s *PostgresScoreStore) Put(ctx context.Context, sc *Score) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_scores (`+scoreColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_id) DO UPDATE SET
			role = EXCLUDED.role,
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			history = EXCLUDED.history,
			community = EXCLUDED.community,
			behavioral = EXCLUDED.behavioral,
			network = EXCLUDED.network,
			verification = EXCLUDED.verification,
			updated_at = EXCLUDED.updated_at
		WHERE trust_scores.updated_at <= EXCLUDED.updated_at`,
		sc.EntityID, sc.Role, sc.Score, sc.Tier,
		sc.Breakdown.History, sc.Breakdown.Community, sc.Breakdown.Behavioral,
		sc.Breakdown.Network, sc.Breakdown.Verification, sc.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put trust score: %w", err)
	}
	return nil
}
