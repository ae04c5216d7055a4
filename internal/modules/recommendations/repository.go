// Package recommendations turns allocation drift into suggested trades.
// Recommendations are advisory only: the system never executes them.
package recommendations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository handles recommendation rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new recommendation repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "recommendations").Logger(),
	}
}

// Insert persists a freshly generated recommendation.
func (r *Repository) Insert(ctx context.Context, rec *domain.Recommendation) error {
	ordersJSON, err := json.Marshal(rec.ProposedOrders)
	if err != nil {
		return fmt.Errorf("failed to marshal proposed orders: %w", err)
	}
	impactJSON, err := json.Marshal(nonNilFloatMap(rec.ExpectedImpact))
	if err != nil {
		return fmt.Errorf("failed to marshal expected impact: %w", err)
	}
	metadataJSON, err := json.Marshal(nonNilMeta(rec.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now()
	rec.CreatedAt = now.UTC()
	rec.UpdatedAt = now.UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO recommendations (id, portfolio_id, status, kind, rationale, proposed_orders, expected_impact, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PortfolioID, string(rec.Status), rec.Kind, rec.Rationale,
		string(ordersJSON), string(impactJSON), string(metadataJSON), now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return nil
}

// GetOwned returns a recommendation when its portfolio belongs to the user.
func (r *Repository) GetOwned(ctx context.Context, userID, recommendationID string) (*domain.Recommendation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT r.id, r.portfolio_id, r.status, r.kind, r.rationale, r.proposed_orders, r.expected_impact, r.metadata, r.created_at, r.updated_at
		FROM recommendations r
		JOIN portfolios p ON p.id = r.portfolio_id
		WHERE r.id = ? AND p.user_id = ?
	`, recommendationID, userID)
	rec, err := scanRecommendation(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("recommendation %s not found", recommendationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendation: %w", err)
	}
	return rec, nil
}

// ListByPortfolio returns a portfolio's recommendations, newest first, under
// the ownership check.
func (r *Repository) ListByPortfolio(ctx context.Context, userID, portfolioID string) ([]domain.Recommendation, error) {
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
		SELECT id, portfolio_id, status, kind, rationale, proposed_orders, expected_impact, metadata, created_at, updated_at
		FROM recommendations WHERE portfolio_id = ?
		ORDER BY created_at DESC
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var recs []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendations: %w", err)
	}
	return recs, nil
}

// UpdateStatus applies one monotone, user-driven status transition.
func (r *Repository) UpdateStatus(ctx context.Context, userID, recommendationID string, next domain.RecommendationStatus) (*domain.Recommendation, error) {
	rec, err := r.GetOwned(ctx, userID, recommendationID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.CanTransitionTo(next) {
		return nil, domain.Validationf("status", "cannot transition from %s to %s", rec.Status, next)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE recommendations SET status = ?, updated_at = ? WHERE id = ?
	`, string(next), time.Now().Unix(), recommendationID)
	if err != nil {
		return nil, fmt.Errorf("failed to update recommendation status: %w", err)
	}
	return r.GetOwned(ctx, userID, recommendationID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row rowScanner) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	var status, ordersJSON, impactJSON, metadataJSON string
	var createdAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.PortfolioID, &status, &rec.Kind, &rec.Rationale,
		&ordersJSON, &impactJSON, &metadataJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.RecommendationStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(ordersJSON), &rec.ProposedOrders); err != nil {
		return nil, fmt.Errorf("stored proposed_orders is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(impactJSON), &rec.ExpectedImpact); err != nil {
		return nil, fmt.Errorf("stored expected_impact is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("stored metadata is not valid JSON: %w", err)
	}
	return &rec, nil
}

func nonNilFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
