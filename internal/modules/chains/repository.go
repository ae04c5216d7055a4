// Package chains manages the EVM chain and token registries consulted by the
// wallet connector and the asset resolver.
package chains

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/rs/zerolog"
)

// Repository handles evm_chains and evm_tokens rows.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new chain registry repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "chains").Logger(),
	}
}

// UpsertChain inserts or updates a chain keyed by its unique chain_key.
func (r *Repository) UpsertChain(ctx context.Context, c domain.Chain) error {
	if c.ChainKey == "" {
		return domain.Validationf("chain_key", "chain key is required")
	}
	if c.RPCURL == "" {
		return domain.Validationf("rpc_url", "rpc url is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO evm_chains (chain_key, numeric_chain_id, rpc_url, is_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_key) DO UPDATE SET
			numeric_chain_id = excluded.numeric_chain_id,
			rpc_url          = excluded.rpc_url,
			is_active        = excluded.is_active
	`, c.ChainKey, c.NumericChainID, c.RPCURL, boolToInt(c.IsActive))
	if err != nil {
		return fmt.Errorf("failed to upsert chain %s: %w", c.ChainKey, err)
	}
	return nil
}

// UpsertToken inserts or updates a token keyed by (chain_key, contract_address).
func (r *Repository) UpsertToken(ctx context.Context, t domain.Token) error {
	if t.ChainKey == "" || t.ContractAddress == "" {
		return domain.Validationf("token", "chain key and contract address are required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO evm_tokens (chain_key, symbol, contract_address, decimals, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chain_key, contract_address) DO UPDATE SET
			symbol    = excluded.symbol,
			decimals  = excluded.decimals,
			is_active = excluded.is_active
	`, t.ChainKey, t.Symbol, t.ContractAddress, t.Decimals, boolToInt(t.IsActive))
	if err != nil {
		return fmt.Errorf("failed to upsert token %s on %s: %w", t.Symbol, t.ChainKey, err)
	}
	return nil
}

// GetChain returns one chain by key, or NotFound.
func (r *Repository) GetChain(ctx context.Context, chainKey string) (*domain.Chain, error) {
	var c domain.Chain
	var active int
	err := r.db.QueryRowContext(ctx, `
		SELECT id, chain_key, numeric_chain_id, rpc_url, is_active
		FROM evm_chains WHERE chain_key = ?
	`, chainKey).Scan(&c.ID, &c.ChainKey, &c.NumericChainID, &c.RPCURL, &active)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("chain %s not found", chainKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chain %s: %w", chainKey, err)
	}
	c.IsActive = active != 0
	return &c, nil
}

// ListActiveChains returns all active chains keyed for wallet fan-out.
func (r *Repository) ListActiveChains(ctx context.Context) ([]domain.Chain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain_key, numeric_chain_id, rpc_url, is_active
		FROM evm_chains WHERE is_active = 1 ORDER BY chain_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chains: %w", err)
	}
	defer rows.Close()

	var chains []domain.Chain
	for rows.Next() {
		var c domain.Chain
		var active int
		if err := rows.Scan(&c.ID, &c.ChainKey, &c.NumericChainID, &c.RPCURL, &active); err != nil {
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		c.IsActive = active != 0
		chains = append(chains, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chains: %w", err)
	}
	return chains, nil
}

// ListActiveTokens returns the active tokens of one chain.
func (r *Repository) ListActiveTokens(ctx context.Context, chainKey string) ([]domain.Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain_key, symbol, contract_address, decimals, is_active
		FROM evm_tokens WHERE chain_key = ? AND is_active = 1 ORDER BY symbol
	`, chainKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens for %s: %w", chainKey, err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// ListActiveTokensByChain returns active tokens grouped by chain key.
func (r *Repository) ListActiveTokensByChain(ctx context.Context) (map[string][]domain.Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, chain_key, symbol, contract_address, decimals, is_active
		FROM evm_tokens WHERE is_active = 1 ORDER BY chain_key, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	tokens, err := scanTokens(rows)
	if err != nil {
		return nil, err
	}
	byChain := make(map[string][]domain.Token)
	for _, t := range tokens {
		byChain[t.ChainKey] = append(byChain[t.ChainKey], t)
	}
	return byChain, nil
}

// ChainKeys returns the set of known chain keys, active or not. The resolver
// uses it to split chain-suffixed symbols.
func (r *Repository) ChainKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chain_key FROM evm_chains`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan chain key: %w", err)
		}
		keys[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chain keys: %w", err)
	}
	return keys, nil
}

func scanTokens(rows *sql.Rows) ([]domain.Token, error) {
	var tokens []domain.Token
	for rows.Next() {
		var t domain.Token
		var active int
		if err := rows.Scan(&t.ID, &t.ChainKey, &t.Symbol, &t.ContractAddress, &t.Decimals, &active); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		t.IsActive = active != 0
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}
	return tokens, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
