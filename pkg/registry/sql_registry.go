package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// SQLRegistry implements Registry on database/sql.
// Placeholders use the $N form, accepted by both lib/pq and modernc.org/sqlite.
type SQLRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db, clock: time.Now}
}

// WithClock overrides the issuance clock.
func (r *SQLRegistry) WithClock(clock func() time.Time) *SQLRegistry {
	r.clock = clock
	return r
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS catalog_records (
	id TEXT NOT NULL,
	revision BIGINT NOT NULL,
	display_name TEXT NOT NULL,
	batch_number TEXT NOT NULL,
	manufacturer TEXT NOT NULL,
	expiry_date TIMESTAMP NOT NULL,
	category TEXT NOT NULL,
	requires_cold_chain BOOLEAN NOT NULL,
	status TEXT NOT NULL,
	issued_at TIMESTAMP NOT NULL,
	PRIMARY KEY (id, revision)
);
`

func (r *SQLRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, registrySchema)
	return err
}

const recordColumns = `id, revision, display_name, batch_number, manufacturer, expiry_date, category, requires_cold_chain, status, issued_at`

func (r *SQLRegistry) Register(ctx context.Context, rec contracts.CatalogRecord) (contracts.CatalogRecord, error) {
	if err := validate(rec); err != nil {
		return contracts.CatalogRecord{}, err
	}
	rec.ExpiryDate = contracts.Date(rec.ExpiryDate)
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = r.clock().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.CatalogRecord{}, fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM catalog_records WHERE id = $1`, rec.ID,
	).Scan(&current); err != nil {
		return contracts.CatalogRecord{}, fmt.Errorf("registry: read revision: %w", err)
	}
	rec.Revision = uint64(current) + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO catalog_records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, int64(rec.Revision), rec.DisplayName, rec.BatchNumber, rec.Manufacturer,
		rec.ExpiryDate, string(rec.Category), rec.RequiresColdChain, string(rec.Status), rec.IssuedAt,
	)
	if err != nil {
		return contracts.CatalogRecord{}, fmt.Errorf("registry: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.CatalogRecord{}, fmt.Errorf("registry: commit: %w", err)
	}
	return rec, nil
}

func (r *SQLRegistry) Lookup(ctx context.Context, identifier string) (contracts.CatalogRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM catalog_records WHERE id = $1 ORDER BY revision DESC LIMIT 1`,
		identifier,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.CatalogRecord{}, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		return contracts.CatalogRecord{}, fmt.Errorf("registry: lookup: %w", err)
	}
	return rec, nil
}

// Search loads the latest revision of every record and filters in process,
// since SQL LOWER() does not implement Unicode case folding.
func (r *SQLRegistry) Search(ctx context.Context, text string) ([]contracts.CatalogRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM catalog_records c
		WHERE revision = (SELECT MAX(revision) FROM catalog_records WHERE id = c.id)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CatalogRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if Matches(text, rec.DisplayName, rec.BatchNumber) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (contracts.CatalogRecord, error) {
	var (
		rec      contracts.CatalogRecord
		revision int64
		category string
		status   string
	)
	if err := s.Scan(&rec.ID, &revision, &rec.DisplayName, &rec.BatchNumber, &rec.Manufacturer,
		&rec.ExpiryDate, &category, &rec.RequiresColdChain, &status, &rec.IssuedAt); err != nil {
		return contracts.CatalogRecord{}, err
	}
	rec.Revision = uint64(revision)
	rec.Category = contracts.Category(category)
	rec.Status = contracts.LifecycleStatus(status)
	rec.ExpiryDate = contracts.Date(rec.ExpiryDate)
	rec.IssuedAt = rec.IssuedAt.UTC()
	return rec, nil
}
