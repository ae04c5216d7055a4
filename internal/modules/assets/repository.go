// Package assets owns canonical asset identity: the asset and contract
// registries, the price time-series, and the resolver that maps vendor
// identifiers onto canonical asset ids.
package assets

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository handles assets and asset_contracts rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new asset repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "assets").Logger(),
	}
}

// UpsertResult reports whether an upsert created or updated its row.
type UpsertResult struct {
	AssetID string
	Created bool
}

// Upsert inserts or updates an asset. The row is keyed by the unique
// (symbol, name) pair; when the incoming asset carries an external id that
// already exists, that row is updated instead so provider renames do not
// spawn duplicates.
func (r *Repository) Upsert(ctx context.Context, a domain.Asset) (UpsertResult, error) {
	if a.Symbol == "" || a.Name == "" {
		return UpsertResult{}, domain.Validationf("asset", "symbol and name are required")
	}
	if a.Kind == "" {
		a.Kind = domain.AssetKindCryptocurrency
	}

	// Prefer the external-id identity when we have one and it is known.
	if a.ExternalID != "" {
		var existingID string
		err := r.db.QueryRowContext(ctx,
			`SELECT id FROM assets WHERE external_id = ?`, a.ExternalID).Scan(&existingID)
		switch {
		case err == nil:
			_, err = r.db.ExecContext(ctx, `
				UPDATE assets SET symbol = ?, name = ?, kind = ?, is_active = ? WHERE id = ?
			`, a.Symbol, a.Name, string(a.Kind), boolToInt(a.IsActive), existingID)
			if err != nil {
				return UpsertResult{}, fmt.Errorf("failed to update asset %s: %w", a.ExternalID, err)
			}
			return UpsertResult{AssetID: existingID, Created: false}, nil
		case err != sql.ErrNoRows:
			return UpsertResult{}, fmt.Errorf("failed to look up asset by external id: %w", err)
		}
	}

	// Existence check first so the caller's job report can distinguish
	// created from updated; the ON CONFLICT clause still guards races.
	var existingID string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM assets WHERE symbol = ? AND name = ?`, a.Symbol, a.Name).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return UpsertResult{}, fmt.Errorf("failed to look up asset %s/%s: %w", a.Symbol, a.Name, err)
	}
	created := err == sql.ErrNoRows

	id := existingID
	if created {
		id = uuid.NewString()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO assets (id, symbol, name, kind, external_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, name) DO UPDATE SET
			kind        = excluded.kind,
			external_id = CASE WHEN excluded.external_id != '' THEN excluded.external_id ELSE assets.external_id END,
			is_active   = excluded.is_active
	`, id, a.Symbol, a.Name, string(a.Kind), a.ExternalID, boolToInt(a.IsActive))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert asset %s/%s: %w", a.Symbol, a.Name, err)
	}

	// Re-read through the unique key in case a concurrent insert won the race.
	var assetID string
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM assets WHERE symbol = ? AND name = ?`, a.Symbol, a.Name).Scan(&assetID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to re-read asset %s/%s: %w", a.Symbol, a.Name, err)
	}
	return UpsertResult{AssetID: assetID, Created: created}, nil
}

// UpsertContract inserts or updates a contract mapping keyed by
// (chain_key, contract_address).
func (r *Repository) UpsertContract(ctx context.Context, c domain.AssetContract) error {
	if c.AssetID == "" || c.ChainKey == "" || c.ContractAddress == "" {
		return domain.Validationf("contract", "asset id, chain key and contract address are required")
	}
	if c.TokenStandard == "" {
		c.TokenStandard = "erc20"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO asset_contracts (asset_id, chain_key, contract_address, token_standard, decimals, is_verified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_key, contract_address) DO UPDATE SET
			asset_id       = excluded.asset_id,
			token_standard = excluded.token_standard,
			decimals       = excluded.decimals,
			is_verified    = excluded.is_verified
	`, c.AssetID, c.ChainKey, c.ContractAddress, c.TokenStandard, c.Decimals, boolToInt(c.IsVerified))
	if err != nil {
		return fmt.Errorf("failed to upsert contract %s/%s: %w", c.ChainKey, c.ContractAddress, err)
	}
	return nil
}

// GetByID returns one asset, or NotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Asset, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, symbol, name, kind, external_id, is_active FROM assets WHERE id = ?
	`, id)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("asset %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query asset %s: %w", id, err)
	}
	return a, nil
}

// ListActive returns all active assets.
func (r *Repository) ListActive(ctx context.Context) ([]domain.Asset, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, name, kind, external_id, is_active
		FROM assets WHERE is_active = 1 ORDER BY symbol, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		var a domain.Asset
		var kind string
		var active int
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Name, &kind, &a.ExternalID, &active); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		a.Kind = domain.AssetKind(kind)
		a.IsActive = active != 0
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

// ListContracts returns every contract mapping.
func (r *Repository) ListContracts(ctx context.Context) ([]domain.AssetContract, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT asset_id, chain_key, contract_address, token_standard, decimals, is_verified
		FROM asset_contracts
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []domain.AssetContract
	for rows.Next() {
		var c domain.AssetContract
		var verified int
		if err := rows.Scan(&c.AssetID, &c.ChainKey, &c.ContractAddress, &c.TokenStandard, &c.Decimals, &verified); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		c.IsVerified = verified != 0
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contracts: %w", err)
	}
	return contracts, nil
}

func scanAsset(row *sql.Row) (*domain.Asset, error) {
	var a domain.Asset
	var kind string
	var active int
	if err := row.Scan(&a.ID, &a.Symbol, &a.Name, &kind, &a.ExternalID, &active); err != nil {
		return nil, err
	}
	a.Kind = domain.AssetKind(kind)
	a.IsActive = active != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
