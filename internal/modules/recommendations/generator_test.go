package recommendations

import (
	"context"
	"testing"
	"time"

	"github.com/doitsu2014/crypto-pocket-butler/internal/domain"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/accounts"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/assets"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/portfolios"
	"github.com/doitsu2014/crypto-pocket-butler/internal/modules/users"
	butlertesting "github.com/doitsu2014/crypto-pocket-butler/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type genFixture struct {
	generator  *Generator
	repo       *Repository
	portfolios *portfolios.Repository
	userID     string
	portfolio  *domain.Portfolio
	cleanup    func()
}

// setupDriftedPortfolio builds the canonical drift scenario: targets
// {BTC:60, ETH:30, USDC:10} against current values {6500, 2500, 1000}.
func setupDriftedPortfolio(t *testing.T, guardrails domain.Guardrails) *genFixture {
	t.Helper()
	db, cleanup := butlertesting.NewTestDB(t)
	log := zerolog.Nop()
	ctx := context.Background()

	userRepo := users.NewRepository(db.Conn(), log)
	accountRepo := accounts.NewRepository(db.Conn(), log)
	portfolioRepo := portfolios.NewRepository(db.Conn(), log)
	assetRepo := assets.NewRepository(db.Conn(), log)
	priceRepo := assets.NewPriceRepository(db.Conn(), log)
	aggregator := portfolios.NewAggregator(portfolioRepo, accountRepo, log)
	valuator := portfolios.NewValuator(aggregator, portfolioRepo, assetRepo, priceRepo, time.Hour, log)
	repo := NewRepository(db.Conn(), log)
	generator := NewGenerator(portfolioRepo, valuator, repo, log)

	user, err := userRepo.GetOrCreateByExternalID(ctx, "subject-1")
	require.NoError(t, err)

	btc, err := assetRepo.Upsert(ctx, domain.Asset{Symbol: "BTC", Name: "Bitcoin", IsActive: true})
	require.NoError(t, err)
	eth, err := assetRepo.Upsert(ctx, domain.Asset{Symbol: "ETH", Name: "Ethereum", IsActive: true})
	require.NoError(t, err)
	usdc, err := assetRepo.Upsert(ctx, domain.Asset{
		Symbol: "USDC", Name: "USD Coin", Kind: domain.AssetKindStablecoin, IsActive: true,
	})
	require.NoError(t, err)

	account, err := accountRepo.Create(ctx, user.ID, accounts.CreateSpec{
		Name:          "wallet",
		Kind:          domain.AccountKindWallet,
		WalletAddress: "0x5d433a94a4a2aa8f9aa34d8d15692dc2e9960584",
	})
	require.NoError(t, err)
	require.NoError(t, accountRepo.ReplaceHoldings(ctx, account.ID, account.UpdatedAt, []domain.Holding{
		{AssetRef: btc.AssetID, Resolved: true, Symbol: "BTC", Quantity: "0.065"},
		{AssetRef: eth.AssetID, Resolved: true, Symbol: "ETH", Quantity: "1"},
		{AssetRef: usdc.AssetID, Resolved: true, Symbol: "USDC", Quantity: "1000"},
	}, time.Now()))

	portfolio, err := portfolioRepo.Create(ctx, user.ID, portfolios.CreateSpec{
		Name:             "main",
		AccountIDs:       []string{account.ID},
		TargetAllocation: map[string]float64{"BTC": 60, "ETH": 30, "USDC": 10},
		Guardrails:       guardrails,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = priceRepo.BatchUpsert(ctx, []domain.AssetPrice{
		{AssetID: btc.AssetID, Timestamp: now, Source: "paprika", PriceUSD: decimal.RequireFromString("100000")},
		{AssetID: eth.AssetID, Timestamp: now, Source: "paprika", PriceUSD: decimal.RequireFromString("2500")},
		{AssetID: usdc.AssetID, Timestamp: now, Source: "paprika", PriceUSD: decimal.RequireFromString("1")},
	})
	require.NoError(t, err)

	return &genFixture{
		generator:  generator,
		repo:       repo,
		portfolios: portfolioRepo,
		userID:     user.ID,
		portfolio:  portfolio,
		cleanup:    cleanup,
	}
}

func TestGenerateRebalance(t *testing.T) {
	driftBand := 3.0
	f := setupDriftedPortfolio(t, domain.Guardrails{DriftBand: &driftBand})
	defer f.cleanup()
	ctx := context.Background()

	rec, err := f.generator.Generate(ctx, f.userID, f.portfolio.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.RecommendationPending, rec.Status)
	assert.Equal(t, "rebalance", rec.Kind)
	assert.NotEmpty(t, rec.Rationale)

	// BTC is 5% over and ETH 5% under on a 10000 total: sell ~500 USD of
	// BTC, buy ~500 USD of ETH, USDC untouched.
	require.Len(t, rec.ProposedOrders, 2)
	sell, buy := rec.ProposedOrders[0], rec.ProposedOrders[1]

	assert.Equal(t, domain.OrderSell, sell.Action, "sell orders come first")
	assert.Equal(t, "BTC", sell.Symbol)
	sellValue, _ := sell.EstimatedValueUSD.Float64()
	assert.InDelta(t, 500.0, sellValue, 1.0)

	assert.Equal(t, domain.OrderBuy, buy.Action)
	assert.Equal(t, "ETH", buy.Symbol)
	buyValue, _ := buy.EstimatedValueUSD.Float64()
	assert.InDelta(t, 500.0, buyValue, 1.0)
	// quantity = delta / price = 500 / 2500
	qty, _ := buy.Quantity.Float64()
	assert.InDelta(t, 0.2, qty, 0.001)

	// Post-trade the drifted assets sit on target.
	assert.InDelta(t, 0.0, rec.ExpectedImpact["post_trade_rms_drift"], 0.001)

	// Persisted with status pending.
	stored, err := f.repo.ListByPortfolio(ctx, f.userID, f.portfolio.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RecommendationPending, stored[0].Status)
}

func TestGenerateRespectsDriftBand(t *testing.T) {
	// Band wider than the 5% drift: nothing to do.
	driftBand := 8.0
	f := setupDriftedPortfolio(t, domain.Guardrails{DriftBand: &driftBand})
	defer f.cleanup()

	_, err := f.generator.Generate(context.Background(), f.userID, f.portfolio.ID)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestGenerateRespectsMinTrade(t *testing.T) {
	driftBand := 3.0
	minTrade := 600.0 // both ~500 USD legs fall under the floor
	f := setupDriftedPortfolio(t, domain.Guardrails{DriftBand: &driftBand, MinTradeUSD: &minTrade})
	defer f.cleanup()

	_, err := f.generator.Generate(context.Background(), f.userID, f.portfolio.ID)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestGenerateRequiresTarget(t *testing.T) {
	f := setupDriftedPortfolio(t, domain.Guardrails{})
	defer f.cleanup()
	ctx := context.Background()

	empty := map[string]float64{}
	_, err := f.portfolios.Update(ctx, f.userID, f.portfolio.ID, portfolios.Patch{TargetAllocation: &empty})
	require.NoError(t, err)

	_, err = f.generator.Generate(ctx, f.userID, f.portfolio.ID)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestStatusTransitionsAreMonotone(t *testing.T) {
	driftBand := 3.0
	f := setupDriftedPortfolio(t, domain.Guardrails{DriftBand: &driftBand})
	defer f.cleanup()
	ctx := context.Background()

	rec, err := f.generator.Generate(ctx, f.userID, f.portfolio.ID)
	require.NoError(t, err)

	approved, err := f.repo.UpdateStatus(ctx, f.userID, rec.ID, domain.RecommendationApproved)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendationApproved, approved.Status)

	// Approved cannot go back to rejected.
	_, err = f.repo.UpdateStatus(ctx, f.userID, rec.ID, domain.RecommendationRejected)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	executed, err := f.repo.UpdateStatus(ctx, f.userID, rec.ID, domain.RecommendationExecuted)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendationExecuted, executed.Status)

	_, err = f.repo.UpdateStatus(ctx, f.userID, rec.ID, domain.RecommendationPending)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
