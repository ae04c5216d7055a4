package portfolios

import (
	"context"
	"testing"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/database"
	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/users"
	butlertesting "github.com/doitsu2014/crypto-pocket-butler/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aggFixture struct {
	db         *database.DB
	users      *users.Repository
	accounts   *accounts.Repository
	portfolios *Repository
	assets     *assets.Repository
	prices     *assets.PriceRepository
	aggregator *Aggregator
	userID     string
	cleanup    func()
}

func setupAggregator(t *testing.T) *aggFixture {
	t.Helper()
	db, cleanup := butlertesting.NewTestDB(t)
	log := zerolog.Nop()

	f := &aggFixture{
		db:         db,
		users:      users.NewRepository(db.Conn(), log),
		accounts:   accounts.NewRepository(db.Conn(), log),
		portfolios: NewRepository(db.Conn(), log),
		assets:     assets.NewRepository(db.Conn(), log),
		prices:     assets.NewPriceRepository(db.Conn(), log),
		cleanup:    cleanup,
	}
	f.aggregator = NewAggregator(f.portfolios, f.accounts, log)

	user, err := f.users.GetOrCreateByExternalID(context.Background(), "subject-1")
	require.NoError(t, err)
	f.userID = user.ID
	return f
}

// walletAccount creates a wallet account and overwrites its holdings.
func (f *aggFixture) walletAccount(t *testing.T, name string, holdings []domain.Holding) *domain.Account {
	t.Helper()
	ctx := context.Background()
	account, err := f.accounts.Create(ctx, f.userID, accounts.CreateSpec{
		Name:          name,
		Kind:          domain.AccountKindWallet,
		WalletAddress: "0x5d433a94a4a2aa8f9aa34d8d15692dc2e9960584",
		EnabledChains: []string{"ethereum"},
	})
	require.NoError(t, err)
	require.NoError(t, f.accounts.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, holdings, time.Now()))
	return account
}

func (f *aggFixture) portfolio(t *testing.T, spec CreateSpec) *domain.Portfolio {
	t.Helper()
	p, err := f.portfolios.Create(context.Background(), f.userID, spec)
	require.NoError(t, err)
	return p
}

func TestAggregateMergesAcrossAccounts(t *testing.T) {
	f := setupAggregator(t)
	defer f.cleanup()
	ctx := context.Background()

	usdc, err := f.assets.Upsert(ctx, domain.Asset{
		Symbol: "USDC", Name: "USD Coin", Kind: domain.AssetKindStablecoin, IsActive: true,
	})
	require.NoError(t, err)

	a := f.walletAccount(t, "account A", []domain.Holding{
		{AssetRef: usdc.AssetID, Resolved: true, Symbol: "USDC-ethereum", Quantity: "706.00"},
	})
	b := f.walletAccount(t, "account B", []domain.Holding{
		{AssetRef: usdc.AssetID, Resolved: true, Symbol: "USDC-arbitrum", Quantity: "294.00"},
	})
	p := f.portfolio(t, CreateSpec{Name: "all", AccountIDs: []string{a.ID, b.ID}})

	agg, err := f.aggregator.Aggregate(ctx, p.ID)
	require.NoError(t, err)

	require.Len(t, agg.Assets, 1)
	merged := agg.Assets[0]
	assert.Equal(t, usdc.AssetID, merged.AssetRef)
	assert.True(t, merged.Quantity.Equal(decimal.RequireFromString("1000")))
	require.Len(t, merged.ByAccount, 2)

	// Aggregation identity: the per-account breakdown sums exactly to the
	// merged quantity.
	sum := decimal.Zero
	for _, part := range merged.ByAccount {
		sum = sum.Add(part.Quantity)
	}
	assert.True(t, sum.Equal(merged.Quantity))
}

func TestAggregateKeepsUnresolvedSeparate(t *testing.T) {
	f := setupAggregator(t)
	defer f.cleanup()
	ctx := context.Background()

	a := f.walletAccount(t, "account A", []domain.Holding{
		{AssetRef: "MYSTERY", Resolved: false, Symbol: "MYSTERY", Quantity: "5"},
	})
	p := f.portfolio(t, CreateSpec{Name: "one", AccountIDs: []string{a.ID}})

	agg, err := f.aggregator.Aggregate(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, agg.Assets)
	require.Len(t, agg.Unresolved, 1)
	assert.Equal(t, "MYSTERY", agg.Unresolved[0].Symbol)
}

func TestAggregateEmptyPortfolio(t *testing.T) {
	f := setupAggregator(t)
	defer f.cleanup()

	p := f.portfolio(t, CreateSpec{Name: "empty"})
	agg, err := f.aggregator.Aggregate(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, agg.Assets)
	assert.Empty(t, agg.Unresolved)
}

func TestAggregatePreservesTinyQuantities(t *testing.T) {
	f := setupAggregator(t)
	defer f.cleanup()
	ctx := context.Background()

	eth, err := f.assets.Upsert(ctx, domain.Asset{Symbol: "ETH", Name: "Ethereum", IsActive: true})
	require.NoError(t, err)

	// A normalized wei balance survives aggregation digit for digit.
	a := f.walletAccount(t, "dust", []domain.Holding{
		{AssetRef: eth.AssetID, Resolved: true, Symbol: "ETH-ethereum", Quantity: "0.000000291725391649"},
	})
	p := f.portfolio(t, CreateSpec{Name: "dusty", AccountIDs: []string{a.ID}})

	agg, err := f.aggregator.Aggregate(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, agg.Assets, 1)
	assert.Equal(t, "0.000000291725391649", agg.Assets[0].Quantity.String())
}
