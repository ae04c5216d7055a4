// Package accounts manages balance sources and their synchronization.
// An account is one exchange API key or one wallet address with its enabled
// chains; its holdings cache is replaced wholesale on every sync.
package accounts

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

// Repository handles account rows. Credentials are stored sealed; this layer
// never sees plaintext.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new account repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "accounts").Logger(),
	}
}

// SealedCredentials are the encrypted credential columns.
type SealedCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// CreateSpec is the input for creating an account.
type CreateSpec struct {
	Name          string
	Kind          domain.AccountKind
	ExchangeName  string
	Credentials   SealedCredentials
	WalletAddress string
	EnabledChains []string
}

// Create inserts a new account for the user.
func (r *Repository) Create(ctx context.Context, userID string, spec CreateSpec) (*domain.Account, error) {
	if spec.Name == "" {
		return nil, domain.Validationf("name", "account name is required")
	}
	switch spec.Kind {
	case domain.AccountKindExchange:
		if spec.ExchangeName == "" {
			return nil, domain.Validationf("exchange_name", "exchange name is required for exchange accounts")
		}
	case domain.AccountKindWallet:
		if spec.WalletAddress == "" {
			return nil, domain.Validationf("wallet_address", "wallet address is required for wallet accounts")
		}
	default:
		return nil, domain.Validationf("kind", "kind must be exchange or wallet")
	}

	chainsJSON, err := json.Marshal(nonNil(spec.EnabledChains))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enabled chains: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().Unix()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, user_id, name, kind, exchange_name,
			api_key_enc, api_secret_enc, passphrase_enc,
			wallet_address, enabled_chains, holdings,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', 1, ?, ?)
	`, id, userID, spec.Name, string(spec.Kind), spec.ExchangeName,
		spec.Credentials.APIKey, spec.Credentials.APISecret, spec.Credentials.Passphrase,
		spec.WalletAddress, string(chainsJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	return r.GetOwned(ctx, userID, id)
}

// Patch is a partial account update. Nil fields are left unchanged.
type Patch struct {
	Name          *string
	EnabledChains *[]string
	IsActive      *bool
	Credentials   *SealedCredentials
}

// Update applies a patch under the ownership check.
func (r *Repository) Update(ctx context.Context, userID, accountID string, patch Patch) (*domain.Account, error) {
	account, err := r.GetOwned(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	name := account.Name
	if patch.Name != nil {
		name = *patch.Name
	}
	chains := account.EnabledChains
	if patch.EnabledChains != nil {
		chains = *patch.EnabledChains
	}
	active := account.IsActive
	if patch.IsActive != nil {
		active = *patch.IsActive
	}

	chainsJSON, err := json.Marshal(nonNil(chains))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enabled chains: %w", err)
	}

	if patch.Credentials != nil {
		_, err = r.db.ExecContext(ctx, `
			UPDATE accounts SET api_key_enc = ?, api_secret_enc = ?, passphrase_enc = ?, updated_at = ?
			WHERE id = ? AND user_id = ?
		`, patch.Credentials.APIKey, patch.Credentials.APISecret, patch.Credentials.Passphrase,
			time.Now().Unix(), accountID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to update account credentials: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE accounts SET name = ?, enabled_chains = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, name, string(chainsJSON), boolToInt(active), time.Now().Unix(), accountID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	return r.GetOwned(ctx, userID, accountID)
}

// Delete removes an account; the portfolio join rows cascade, prior
// snapshots stay as historical fact.
func (r *Repository) Delete(ctx context.Context, userID, accountID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = ? AND user_id = ?`, accountID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.NotFoundf("account %s not found", accountID)
	}
	return nil
}

// GetOwned returns the account only when it belongs to the user; anything
// else is NotFound.
func (r *Repository) GetOwned(ctx context.Context, userID, accountID string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, accountSelect+` WHERE id = ? AND user_id = ?`, accountID, userID)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account %s: %w", accountID, err)
	}
	return account, nil
}

// ListByUser returns all accounts of one user.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, accountSelect+` WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListActiveByUser returns the user's active accounts, the set a bulk sync
// walks.
func (r *Repository) ListActiveByUser(ctx context.Context, userID string) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		accountSelect+` WHERE user_id = ? AND is_active = 1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListByIDs returns accounts by id regardless of owner. The portfolio
// aggregator uses it after the portfolio's own ownership check.
func (r *Repository) ListByIDs(ctx context.Context, ids []string) ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		row := r.db.QueryRowContext(ctx, accountSelect+` WHERE id = ?`, id)
		account, err := scanAccount(row)
		if err == sql.ErrNoRows {
			continue // deleted since linked, skip
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query account %s: %w", id, err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

// HeldAssetRefs returns the distinct canonical asset ids referenced by any
// resolved holding on an active account, across all users. The price
// collector unions this set with the top-N ranking so held assets keep
// getting priced even when they fall off the page.
func (r *Repository) HeldAssetRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT holdings FROM accounts WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var holdingsJSON string
		if err := rows.Scan(&holdingsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan holdings: %w", err)
		}
		var holdings []domain.Holding
		if err := json.Unmarshal([]byte(holdingsJSON), &holdings); err != nil {
			return nil, fmt.Errorf("stored holdings is not valid JSON: %w", err)
		}
		for _, h := range holdings {
			if h.Resolved && h.AssetRef != "" {
				refs[h.AssetRef] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}
	return refs, nil
}

// SealedCredentialsFor returns the encrypted credential columns of one
// account under the ownership check.
func (r *Repository) SealedCredentialsFor(ctx context.Context, userID, accountID string) (*SealedCredentials, error) {
	var creds SealedCredentials
	err := r.db.QueryRowContext(ctx, `
		SELECT api_key_enc, api_secret_enc, passphrase_enc
		FROM accounts WHERE id = ? AND user_id = ?
	`, accountID, userID).Scan(&creds.APIKey, &creds.APISecret, &creds.Passphrase)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	return &creds, nil
}

// ReplaceHoldings atomically overwrites the holdings cache and stamps
// last_synced_at. The optimistic guard on updated_at serializes concurrent
// writers touching the same account: the caller gets ResourceExhausted when
// the row moved underneath it.
func (r *Repository) ReplaceHoldings(ctx context.Context, accountID string, expectedUpdatedAt time.Time, holdings []domain.Holding, syncedAt time.Time) error {
	holdingsJSON, err := json.Marshal(nonNilHoldings(holdings))
	if err != nil {
		return fmt.Errorf("failed to marshal holdings: %w", err)
	}

	// Stamps are whole seconds, so the new stamp is forced past the expected
	// one; otherwise a stale writer in the same second would still match.
	newStamp := syncedAt.Unix()
	if newStamp <= expectedUpdatedAt.Unix() {
		newStamp = expectedUpdatedAt.Unix() + 1
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET holdings = ?, last_synced_at = ?, sync_error = '', updated_at = ?
		WHERE id = ? AND updated_at = ?
	`, string(holdingsJSON), syncedAt.Unix(), newStamp, accountID, expectedUpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to replace holdings: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.Ef(domain.KindResourceExhausted, "account %s was modified concurrently", accountID)
	}
	return nil
}

// RecordSyncError stores the last sync failure on the account row.
func (r *Repository) RecordSyncError(ctx context.Context, accountID, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET sync_error = ?, updated_at = ? WHERE id = ?
	`, message, time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

const accountSelect = `
	SELECT id, user_id, name, kind, exchange_name, wallet_address,
	       enabled_chains, holdings, last_synced_at, sync_error,
	       is_active, created_at, updated_at
	FROM accounts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var kind, chainsJSON, holdingsJSON string
	var lastSynced sql.NullInt64
	var active int
	var createdAt, updatedAt int64

	err := row.Scan(&a.ID, &a.UserID, &a.Name, &kind, &a.ExchangeName, &a.WalletAddress,
		&chainsJSON, &holdingsJSON, &lastSynced, &a.SyncError,
		&active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.Kind = domain.AccountKind(kind)
	a.IsActive = active != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastSynced.Valid {
		t := time.Unix(lastSynced.Int64, 0).UTC()
		a.LastSyncedAt = &t
	}
	if err := json.Unmarshal([]byte(chainsJSON), &a.EnabledChains); err != nil {
		return nil, fmt.Errorf("stored enabled_chains is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(holdingsJSON), &a.Holdings); err != nil {
		return nil, fmt.Errorf("stored holdings is not valid JSON: %w", err)
	}
	return &a, nil
}

func scanAccounts(rows *sql.Rows) ([]domain.Account, error) {
	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilHoldings(h []domain.Holding) []domain.Holding {
	if h == nil {
		return []domain.Holding{}
	}
	return h
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
