// Package snapshots materializes portfolio valuations as point-in-time
// records for historical reconstruction.
package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository handles snapshot rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new snapshot repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// UpsertResult reports whether the snapshot row was created or updated.
type UpsertResult struct {
	Snapshot *domain.SnapshotRecord
	Created  bool
}

// Upsert writes a snapshot keyed by (portfolio_id, snapshot_date, kind).
// On key collision the existing row's value, breakdown and metadata update
// in place, so scheduled and manual triggers can repeat safely.
func (r *Repository) Upsert(ctx context.Context, record domain.SnapshotRecord) (UpsertResult, error) {
	if record.PortfolioID == "" || record.SnapshotDate == "" || record.SnapshotKind == "" {
		return UpsertResult{}, domain.Validationf("snapshot", "portfolio, date and kind are required")
	}

	breakdownJSON, err := json.Marshal(record.Breakdown)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal breakdown: %w", err)
	}
	metadataJSON, err := json.Marshal(nonNilMeta(record.Metadata))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var existing int
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM snapshots WHERE portfolio_id = ? AND snapshot_date = ? AND snapshot_kind = ?
	`, record.PortfolioID, record.SnapshotDate, string(record.SnapshotKind)).Scan(&existing)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to check existing snapshot: %w", err)
	}

	now := time.Now().Unix()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, portfolio_id, snapshot_date, snapshot_kind, total_value_usd, holdings_breakdown, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portfolio_id, snapshot_date, snapshot_kind) DO UPDATE SET
			total_value_usd    = excluded.total_value_usd,
			holdings_breakdown = excluded.holdings_breakdown,
			metadata           = excluded.metadata,
			updated_at         = excluded.updated_at
	`, uuid.NewString(), record.PortfolioID, record.SnapshotDate, string(record.SnapshotKind),
		record.TotalValueUSD.String(), string(breakdownJSON), string(metadataJSON), now, now)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	stored, err := r.get(ctx, record.PortfolioID, record.SnapshotDate, record.SnapshotKind)
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Snapshot: stored, Created: existing == 0}, nil
}

// ListByPortfolio returns the snapshots of one portfolio under the ownership
// check, newest date first.
func (r *Repository) ListByPortfolio(ctx context.Context, userID, portfolioID string) ([]domain.SnapshotRecord, error) {
	// Ownership is established through the portfolio row.
	var owner string
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id FROM portfolios WHERE id = ?`, portfolioID).Scan(&owner)
	if err == sql.ErrNoRows || (err == nil && owner != userID) {
		return nil, domain.NotFoundf("portfolio %s not found", portfolioID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check portfolio owner: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, portfolio_id, snapshot_date, snapshot_kind, total_value_usd, holdings_breakdown, metadata, created_at, updated_at
		FROM snapshots WHERE portfolio_id = ?
		ORDER BY snapshot_date DESC, snapshot_kind
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var records []domain.SnapshotRecord
	for rows.Next() {
		record, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return records, nil
}

func (r *Repository) get(ctx context.Context, portfolioID, date string, kind domain.SnapshotKind) (*domain.SnapshotRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, portfolio_id, snapshot_date, snapshot_kind, total_value_usd, holdings_breakdown, metadata, created_at, updated_at
		FROM snapshots WHERE portfolio_id = ? AND snapshot_date = ? AND snapshot_kind = ?
	`, portfolioID, date, string(kind))
	record, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("snapshot %s/%s/%s not found", portfolioID, date, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*domain.SnapshotRecord, error) {
	var s domain.SnapshotRecord
	var kind, totalStr, breakdownJSON, metadataJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &s.PortfolioID, &s.SnapshotDate, &kind, &totalStr,
		&breakdownJSON, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.SnapshotKind = domain.SnapshotKind(kind)
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return nil, fmt.Errorf("stored total_value_usd is not a decimal: %w", err)
	}
	s.TotalValueUSD = total
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(breakdownJSON), &s.Breakdown); err != nil {
		return nil, fmt.Errorf("stored holdings_breakdown is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &s.Metadata); err != nil {
		return nil, fmt.Errorf("stored metadata is not valid JSON: %w", err)
	}
	return &s, nil
}

func nonNilMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
