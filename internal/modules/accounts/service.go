package accounts

import (
	"context"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/clients/evm"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/chains"
	"github.com/doitsu2014/crypto-pocket-butler/internal/secrets"
	"github.com/rs/zerolog"
)

// ExchangeConnector pulls spot balances from an exchange account.
// Implemented by the okx client.
type ExchangeConnector interface {
	FetchSpotBalances(ctx context.Context, creds domain.Credentials) ([]domain.RawBalance, error)
}

// WalletConnector pulls balances for a wallet across chains.
// Implemented by the evm client.
type WalletConnector interface {
	FetchBalances(ctx context.Context, walletAddress string, chainList []domain.Chain, tokensByChain map[string][]domain.Token) (*evm.FetchResult, error)
}

// Service orchestrates account synchronization: it dispatches to the right
// connector, resolves asset identities, filters dust, and replaces the
// holdings cache atomically.
type Service struct {
	repo      *Repository
	chains    *chains.Repository
	resolver  *assets.Resolver
	exchanges map[string]ExchangeConnector // keyed by lower-case exchange name
	wallet    WalletConnector
	box       *secrets.Box
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates the sync orchestrator.
func NewService(
	repo *Repository,
	chainRepo *chains.Repository,
	resolver *assets.Resolver,
	exchanges map[string]ExchangeConnector,
	wallet WalletConnector,
	box *secrets.Box,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		chains:    chainRepo,
		resolver:  resolver,
		exchanges: exchanges,
		wallet:    wallet,
		box:       box,
		log:       log.With().Str("service", "account_sync").Logger(),
		now:       time.Now,
	}
}

// Repo exposes the underlying repository for the HTTP adapter.
func (s *Service) Repo() *Repository {
	return s.repo
}

// Sync refreshes one account's holdings from its source. The report records
// failure instead of propagating it so bulk callers can keep going; the
// returned error is reserved for ownership failures (NotFound).
func (s *Service) Sync(ctx context.Context, userID, accountID string) (domain.SyncReport, error) {
	account, err := s.repo.GetOwned(ctx, userID, accountID)
	if err != nil {
		return domain.SyncReport{}, err
	}

	report := s.syncAccount(ctx, userID, account)
	if !report.Success {
		if recErr := s.repo.RecordSyncError(ctx, account.ID, report.Error); recErr != nil {
			s.log.Warn().Err(recErr).Str("account", account.ID).Msg("Failed to record sync error")
		}
	}
	return report, nil
}

// SyncUser syncs every active account of the user. A single account's
// failure never aborts its siblings.
func (s *Service) SyncUser(ctx context.Context, userID string) (domain.BulkSyncReport, error) {
	accounts, err := s.repo.ListActiveByUser(ctx, userID)
	if err != nil {
		return domain.BulkSyncReport{}, err
	}

	bulk := domain.BulkSyncReport{Total: len(accounts)}
	for i := range accounts {
		account := &accounts[i]
		report := s.syncAccount(ctx, userID, account)
		if report.Success {
			bulk.Successful++
		} else {
			bulk.Failed++
			if recErr := s.repo.RecordSyncError(ctx, account.ID, report.Error); recErr != nil {
				s.log.Warn().Err(recErr).Str("account", account.ID).Msg("Failed to record sync error")
			}
		}
		bulk.Results = append(bulk.Results, report)
	}
	return bulk, nil
}

// syncAccount runs the fetch-resolve-store pipeline for one loaded account.
func (s *Service) syncAccount(ctx context.Context, userID string, account *domain.Account) domain.SyncReport {
	report := domain.SyncReport{AccountID: account.ID}

	var balances []domain.RawBalance
	var err error
	switch account.Kind {
	case domain.AccountKindExchange:
		balances, err = s.fetchExchange(ctx, userID, account)
	case domain.AccountKindWallet:
		balances, err = s.fetchWallet(ctx, account)
	default:
		err = domain.Validationf("kind", "unknown account kind %q", account.Kind)
	}
	if err != nil {
		report.Error = err.Error()
		return report
	}

	holdings := make([]domain.Holding, 0, len(balances))
	for _, rb := range balances {
		if rb.Quantity.IsZero() {
			continue
		}

		holding := domain.Holding{
			Symbol:    rb.Symbol,
			Quantity:  rb.Quantity.String(),
			Available: rb.Available.String(),
			Frozen:    rb.Frozen.String(),
			Decimals:  rb.Decimals,
		}

		res, rerr := s.resolver.ResolveBalance(ctx, rb)
		if rerr != nil {
			report.Error = rerr.Error()
			return report
		}
		if res.Outcome == assets.OutcomeResolved {
			holding.AssetRef = res.Asset.ID
			holding.Resolved = true
		} else {
			// Keep the vendor ref; the holding still displays but stays out
			// of priced valuation until a reference refresh resolves it.
			holding.AssetRef = rb.Symbol
		}
		holdings = append(holdings, holding)
	}

	syncedAt := s.now().UTC()
	if err := s.repo.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, holdings, syncedAt); err != nil {
		report.Error = err.Error()
		return report
	}

	report.Success = true
	report.HoldingsCount = len(holdings)
	report.SyncedAt = &syncedAt
	s.log.Info().
		Str("account", account.ID).
		Int("holdings", len(holdings)).
		Msg("Account synced")
	return report
}

// fetchExchange decrypts the credentials in memory and pulls spot balances.
// Plaintext credentials never outlive this call and are never logged.
func (s *Service) fetchExchange(ctx context.Context, userID string, account *domain.Account) ([]domain.RawBalance, error) {
	connector, ok := s.exchanges[normalizeExchangeName(account.ExchangeName)]
	if !ok {
		return nil, domain.Validationf("exchange_name", "unsupported exchange %q", account.ExchangeName)
	}

	sealed, err := s.repo.SealedCredentialsFor(ctx, userID, account.ID)
	if err != nil {
		return nil, err
	}
	creds := domain.Credentials{}
	if creds.APIKey, err = s.box.Open(sealed.APIKey); err != nil {
		return nil, err
	}
	if creds.APISecret, err = s.box.Open(sealed.APISecret); err != nil {
		return nil, err
	}
	if creds.Passphrase, err = s.box.Open(sealed.Passphrase); err != nil {
		return nil, err
	}

	return connector.FetchSpotBalances(ctx, creds)
}

// fetchWallet pulls balances across the account's enabled chains. Per-chain
// failures degrade the result instead of failing the sync, unless every
// chain failed.
func (s *Service) fetchWallet(ctx context.Context, account *domain.Account) ([]domain.RawBalance, error) {
	active, err := s.chains.ListActiveChains(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string]bool, len(account.EnabledChains))
	for _, key := range account.EnabledChains {
		enabled[key] = true
	}
	var chainList []domain.Chain
	for _, c := range active {
		if enabled[c.ChainKey] {
			chainList = append(chainList, c)
		}
	}
	if len(chainList) == 0 {
		return nil, nil
	}

	tokensByChain, err := s.chains.ListActiveTokensByChain(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.wallet.FetchBalances(ctx, account.WalletAddress, chainList, tokensByChain)
	if err != nil {
		return nil, err
	}
	for _, chainErr := range result.Errors {
		s.log.Warn().
			Str("account", account.ID).
			Str("chain", chainErr.ChainKey).
			Err(chainErr.Err).
			Msg("Chain fetch degraded")
	}
	if len(result.Balances) == 0 && len(result.Errors) == len(chainList) && len(chainList) > 0 {
		return nil, domain.Ef(domain.KindUpstream, "all %d chains failed, first: %v", len(chainList), result.Errors[0])
	}
	return result.Balances, nil
}
