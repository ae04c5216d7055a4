// Package portfolios groups accounts into user-defined portfolios and values
// them: aggregation across accounts, valuation against the price series, and
// drift against target allocations.
package portfolios

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/database"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository handles portfolio rows and the portfolio-account join table.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolios").Logger(),
	}
}

// CreateSpec is the input for creating a portfolio.
type CreateSpec struct {
	Name             string
	Description      string
	TargetAllocation map[string]float64
	Guardrails       domain.Guardrails
	IsDefault        bool
	AccountIDs       []string
}

// Create inserts a new portfolio and its account links.
func (r *Repository) Create(ctx context.Context, userID string, spec CreateSpec) (*domain.Portfolio, error) {
	if spec.Name == "" {
		return nil, domain.Validationf("name", "portfolio name is required")
	}
	if err := domain.ValidateTargetAllocation(spec.TargetAllocation); err != nil {
		return nil, err
	}

	targetJSON, err := json.Marshal(nonNilMap(spec.TargetAllocation))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target allocation: %w", err)
	}
	guardrailsJSON, err := json.Marshal(spec.Guardrails)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guardrails: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().Unix()
	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if spec.IsDefault {
			// At most one default per user.
			if _, err := tx.ExecContext(ctx,
				`UPDATE portfolios SET is_default = 0 WHERE user_id = ?`, userID); err != nil {
				return fmt.Errorf("failed to clear default flag: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO portfolios (id, user_id, name, description, target_allocation, guardrails, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, userID, spec.Name, spec.Description, string(targetJSON), string(guardrailsJSON),
			boolToInt(spec.IsDefault), now, now)
		if err != nil {
			return fmt.Errorf("failed to insert portfolio: %w", err)
		}
		for _, accountID := range spec.AccountIDs {
			if err := linkAccountTx(ctx, tx, userID, id, accountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.GetOwned(ctx, userID, id)
}

// Patch is a partial portfolio update. Nil fields are left unchanged.
type Patch struct {
	Name             *string
	Description      *string
	TargetAllocation *map[string]float64
	Guardrails       *domain.Guardrails
	IsDefault        *bool
	AccountIDs       *[]string
}

// Update applies a patch under the ownership check.
func (r *Repository) Update(ctx context.Context, userID, portfolioID string, patch Patch) (*domain.Portfolio, error) {
	p, err := r.GetOwned(ctx, userID, portfolioID)
	if err != nil {
		return nil, err
	}

	name, description := p.Name, p.Description
	target, guardrails, isDefault := p.TargetAllocation, p.Guardrails, p.IsDefault
	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.Description != nil {
		description = *patch.Description
	}
	if patch.TargetAllocation != nil {
		target = *patch.TargetAllocation
		if err := domain.ValidateTargetAllocation(target); err != nil {
			return nil, err
		}
	}
	if patch.Guardrails != nil {
		guardrails = *patch.Guardrails
	}
	if patch.IsDefault != nil {
		isDefault = *patch.IsDefault
	}

	targetJSON, err := json.Marshal(nonNilMap(target))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal target allocation: %w", err)
	}
	guardrailsJSON, err := json.Marshal(guardrails)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal guardrails: %w", err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if isDefault && !p.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE portfolios SET is_default = 0 WHERE user_id = ?`, userID); err != nil {
				return fmt.Errorf("failed to clear default flag: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE portfolios
			SET name = ?, description = ?, target_allocation = ?, guardrails = ?, is_default = ?, updated_at = ?
			WHERE id = ? AND user_id = ?
		`, name, description, string(targetJSON), string(guardrailsJSON),
			boolToInt(isDefault), time.Now().Unix(), portfolioID, userID)
		if err != nil {
			return fmt.Errorf("failed to update portfolio: %w", err)
		}
		if patch.AccountIDs != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM portfolio_accounts WHERE portfolio_id = ?`, portfolioID); err != nil {
				return fmt.Errorf("failed to clear account links: %w", err)
			}
			for _, accountID := range *patch.AccountIDs {
				if err := linkAccountTx(ctx, tx, userID, portfolioID, accountID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.GetOwned(ctx, userID, portfolioID)
}

// Delete removes a portfolio. Its join rows and its snapshots cascade with
// it; deleting an account, by contrast, leaves prior snapshots in place.
func (r *Repository) Delete(ctx context.Context, userID, portfolioID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM portfolios WHERE id = ? AND user_id = ?`, portfolioID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.NotFoundf("portfolio %s not found", portfolioID)
	}
	return nil
}

// GetOwned returns the portfolio only when it belongs to the user.
func (r *Repository) GetOwned(ctx context.Context, userID, portfolioID string) (*domain.Portfolio, error) {
	row := r.db.QueryRowContext(ctx, portfolioSelect+` WHERE id = ? AND user_id = ?`, portfolioID, userID)
	p, err := scanPortfolio(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("portfolio %s not found", portfolioID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio %s: %w", portfolioID, err)
	}
	return p, nil
}

// ListByUser returns all portfolios of one user.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Portfolio, error) {
	rows, err := r.db.QueryContext(ctx, portfolioSelect+` WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()
	return scanPortfolios(rows)
}

// ListAll returns every portfolio with its owner. The EOD snapshot job walks
// this across users.
func (r *Repository) ListAll(ctx context.Context) ([]domain.Portfolio, error) {
	rows, err := r.db.QueryContext(ctx, portfolioSelect+` ORDER BY user_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query all portfolios: %w", err)
	}
	defer rows.Close()
	return scanPortfolios(rows)
}

// AccountIDs returns the ids of the accounts linked to a portfolio.
func (r *Repository) AccountIDs(ctx context.Context, portfolioID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_id FROM portfolio_accounts WHERE portfolio_id = ?`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio accounts: %w", err)
	}
	return ids, nil
}

// linkAccountTx inserts one join row after checking the account belongs to
// the same user. Duplicate links are ignored.
func linkAccountTx(ctx context.Context, tx *sql.Tx, userID, portfolioID, accountID string) error {
	var owner string
	err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM accounts WHERE id = ?`, accountID).Scan(&owner)
	if err == sql.ErrNoRows || (err == nil && owner != userID) {
		return domain.NotFoundf("account %s not found", accountID)
	}
	if err != nil {
		return fmt.Errorf("failed to check account owner: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO portfolio_accounts (portfolio_id, account_id)
		VALUES (?, ?)
		ON CONFLICT(portfolio_id, account_id) DO NOTHING
	`, portfolioID, accountID)
	if err != nil {
		return fmt.Errorf("failed to link account %s: %w", accountID, err)
	}
	return nil
}

const portfolioSelect = `
	SELECT id, user_id, name, description, target_allocation, guardrails, is_default, created_at, updated_at
	FROM portfolios`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPortfolio(row rowScanner) (*domain.Portfolio, error) {
	var p domain.Portfolio
	var targetJSON, guardrailsJSON string
	var isDefault int
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &targetJSON, &guardrailsJSON,
		&isDefault, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.IsDefault = isDefault != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(targetJSON), &p.TargetAllocation); err != nil {
		return nil, fmt.Errorf("stored target_allocation is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(guardrailsJSON), &p.Guardrails); err != nil {
		return nil, fmt.Errorf("stored guardrails is not valid JSON: %w", err)
	}
	return &p, nil
}

func scanPortfolios(rows *sql.Rows) ([]domain.Portfolio, error) {
	var portfolios []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		portfolios = append(portfolios, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}
	return portfolios, nil
}

func nonNilMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
