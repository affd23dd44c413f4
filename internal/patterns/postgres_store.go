package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PostgresStore is the central store backed by PostgreSQL. Matching runs
// against an in-process snapshot that is brought up to date with a delta
// query before each match, so that a lost connection surfaces as
// ErrStoreUnavailable on the online path.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time

	refreshMu sync.Mutex
	snap      *Snapshot
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ Source  = (*PostgresStore)(nil)
	_ Curator = (*PostgresStore)(nil)
)

// NewPostgresStore creates a PostgreSQL-backed pattern store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now, snap: EmptySnapshot()}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (s *PostgresStore) Match(ctx context.Context, text string) ([]Match, error) {
	snap, err := s.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Match(text), nil
}

// refresh pulls pattern changes past the cached watermark.
func (s *PostgresStore) refresh(ctx context.Context) (*Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	for {
		changes, err := s.PatternChanges(ctx, s.snap.Watermark(), 500)
		if err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			s.snap, _, _ = s.snap.Apply(changes, s.now().UTC())
		}
		if len(changes) < 500 {
			return s.snap, nil
		}
	}
}

func (s *PostgresStore) IsBlacklisted(ctx context.Context, identifier string) (*BlacklistEntry, error) {
	var e BlacklistEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT identifier, report_count, category, last_reported
		FROM blacklist_entries
		WHERE identifier = $1
	`, NormalizeIdentifier(identifier)).Scan(&e.Identifier, &e.ReportCount, &e.Category, &e.LastReported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("lookup blacklist", err)
	}
	return &e, nil
}

func (s *PostgresStore) ReportIdentifier(ctx context.Context, identifier, category string) (*BlacklistEntry, error) {
	key := NormalizeIdentifier(identifier)
	if key == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidPattern)
	}
	var e BlacklistEntry
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO blacklist_entries (identifier, report_count, category, last_reported)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET
			report_count  = blacklist_entries.report_count + 1,
			category      = COALESCE(NULLIF(EXCLUDED.category, ''), blacklist_entries.category),
			last_reported = GREATEST(EXCLUDED.last_reported, blacklist_entries.last_reported + INTERVAL '1 microsecond')
		RETURNING identifier, report_count, category, last_reported
	`, key, category, s.now().UTC()).Scan(&e.Identifier, &e.ReportCount, &e.Category, &e.LastReported)
	if err != nil {
		return nil, unavailable("report identifier", err)
	}
	return &e, nil
}

func (s *PostgresStore) UpsertPatterns(ctx context.Context, patterns []ThreatPattern) error {
	for i := range patterns {
		if err := patterns[i].Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threat_patterns (id, kind, expression, severity, description, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			kind        = EXCLUDED.kind,
			expression  = EXCLUDED.expression,
			severity    = EXCLUDED.severity,
			description = EXCLUDED.description,
			deleted     = EXCLUDED.deleted,
			updated_at  = GREATEST(EXCLUDED.updated_at, threat_patterns.updated_at + INTERVAL '1 microsecond')
	`)
	if err != nil {
		return fmt.Errorf("prepare pattern upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := s.now().UTC()
	for _, p := range patterns {
		if _, err := stmt.ExecContext(ctx, p.ID, string(p.Kind), p.Expression, string(p.Severity),
			p.Description, p.Deleted, now); err != nil {
			return fmt.Errorf("upsert pattern %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) PatternChanges(ctx context.Context, after Cursor, limit int) ([]ThreatPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, expression, severity, description, deleted, updated_at
		FROM threat_patterns
		WHERE (updated_at, id) > ($1, $2)
		ORDER BY updated_at, id
		LIMIT $3
	`, after.At.UTC(), after.ID, limit)
	if err != nil {
		return nil, unavailable("list pattern changes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ThreatPattern
	for rows.Next() {
		var p ThreatPattern
		var kind, severity string
		if err := rows.Scan(&p.ID, &kind, &p.Expression, &severity, &p.Description, &p.Deleted, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Kind, p.Severity = Kind(kind), Severity(severity)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pattern changes", err)
	}
	return out, nil
}

func (s *PostgresStore) BlacklistChanges(ctx context.Context, after Cursor, limit int) ([]BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, report_count, category, last_reported
		FROM blacklist_entries
		WHERE (last_reported, identifier) > ($1, $2)
		ORDER BY last_reported, identifier
		LIMIT $3
	`, after.At.UTC(), after.ID, limit)
	if err != nil {
		return nil, unavailable("list blacklist changes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BlacklistEntry
	for rows.Next() {
		var e BlacklistEntry
		if err := rows.Scan(&e.Identifier, &e.ReportCount, &e.Category, &e.LastReported); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list blacklist changes", err)
	}
	return out, nil
}
